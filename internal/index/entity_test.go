package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall/internal/types"
)

func TestAddOccurrenceCreatesAndMerges(t *testing.T) {
	x, err := OpenEntity(t.TempDir())
	require.NoError(t, err)

	e1, err := x.AddOccurrence("DeepSeek", "mem_1", "ORGANIZATION", nil, 0.6)
	require.NoError(t, err)
	assert.Equal(t, "ORGANIZATION", e1.Type)
	assert.Equal(t, 1, e1.MentionCount())

	// Re-mention by alias merges into the same entity and bumps confidence.
	e2, err := x.AddOccurrence("深度求索", "mem_2", "", []string{"DeepSeek"}, 0)
	require.NoError(t, err)
	assert.Equal(t, e1.ID, e2.ID)
	assert.Equal(t, 2, e2.MentionCount())
	assert.Greater(t, e2.Confidence, 0.6)
	assert.True(t, e2.HasAlias("深度求索"))

	// Name and alias both resolve.
	got, ok := x.GetByName("deepseek")
	require.True(t, ok)
	assert.Equal(t, e1.ID, got.ID)
	got, ok = x.GetByName("深度求索")
	require.True(t, ok)
	assert.Equal(t, e1.ID, got.ID)
}

func TestAddOccurrenceUpgradesUnknownType(t *testing.T) {
	x, err := OpenEntity(t.TempDir())
	require.NoError(t, err)

	e, err := x.AddOccurrence("Hogwarts", "mem_1", "", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, types.EntityTypeUnknown, e.Type)

	e, err = x.AddOccurrence("Hogwarts", "mem_2", "LOCATION", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "LOCATION", e.Type)

	// A later, different concrete type does not overwrite.
	e, err = x.AddOccurrence("Hogwarts", "mem_3", "ORGANIZATION", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "LOCATION", e.Type)
}

func TestConfidenceApproachesCeiling(t *testing.T) {
	x, err := OpenEntity(t.TempDir())
	require.NoError(t, err)

	var e *types.Entity
	for i := 0; i < 100; i++ {
		var err error
		e, err = x.AddOccurrence("Alice", "mem_x", "PERSON", nil, 0.5)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, e.Confidence, 1.0)
	assert.Greater(t, e.Confidence, 0.99)
}

func TestSearchAndGetTop(t *testing.T) {
	x, err := OpenEntity(t.TempDir())
	require.NoError(t, err)

	_, err = x.AddOccurrence("DeepSeek", "mem_1", "ORGANIZATION", nil, 0)
	require.NoError(t, err)
	_, err = x.AddOccurrence("DeepMind", "mem_1", "ORGANIZATION", nil, 0)
	require.NoError(t, err)
	_, err = x.AddOccurrence("DeepMind", "mem_2", "ORGANIZATION", nil, 0)
	require.NoError(t, err)

	found := x.Search("deep")
	assert.Len(t, found, 2)

	top := x.GetTop(1)
	require.Len(t, top, 1)
	assert.Equal(t, "DeepMind", top[0].Name)
}

func TestRemoveByItemIDsDeletesOrphans(t *testing.T) {
	x, err := OpenEntity(t.TempDir())
	require.NoError(t, err)

	_, err = x.AddOccurrence("Solo", "mem_1", "PERSON", nil, 0)
	require.NoError(t, err)
	_, err = x.AddOccurrence("Shared", "mem_1", "PERSON", nil, 0)
	require.NoError(t, err)
	_, err = x.AddOccurrence("Shared", "mem_2", "PERSON", nil, 0)
	require.NoError(t, err)

	removed, err := x.RemoveByItemIDs(map[string]struct{}{"mem_1": {}})
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	_, ok := x.GetByName("Solo")
	assert.False(t, ok)
	shared, ok := x.GetByName("Shared")
	require.True(t, ok)
	assert.Equal(t, []string{"mem_2"}, shared.TurnReferences)
}

func TestEntityPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	x, err := OpenEntity(dir)
	require.NoError(t, err)
	_, err = x.AddOccurrence("Persistent", "mem_1", "CONCEPT", []string{"持久"}, 0.7)
	require.NoError(t, err)

	x2, err := OpenEntity(dir)
	require.NoError(t, err)
	e, ok := x2.GetByName("持久")
	require.True(t, ok)
	assert.Equal(t, "Persistent", e.Name)
	assert.Equal(t, "CONCEPT", e.Type)
}
