package episode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndLookup(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	ep, err := s.Record("user shared travel plans", "message", "chat turn",
		[]string{"mem_1", "mem_2"}, []string{"rel_1"}, []string{"ent_1"})
	require.NoError(t, err)
	require.NotEmpty(t, ep.ID)

	got, ok := s.Get(ep.ID)
	require.True(t, ok)
	assert.Equal(t, "user shared travel plans", got.Content)

	forItem := s.ForItem("mem_2")
	require.Len(t, forItem, 1)
	assert.Equal(t, ep.ID, forItem[0].ID)

	assert.Empty(t, s.ForItem("mem_9"))
	assert.Equal(t, 1, s.Count())
}

func TestRemoveByItemIDsDropsEmptyEpisodes(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	only, err := s.Record("a", "message", "", []string{"mem_1"}, nil, nil)
	require.NoError(t, err)
	both, err := s.Record("b", "message", "", []string{"mem_1", "mem_2"}, nil, nil)
	require.NoError(t, err)

	removed := s.RemoveByItemIDs(map[string]struct{}{"mem_1": {}})
	assert.Equal(t, 1, removed)

	_, ok := s.Get(only.ID)
	assert.False(t, ok)
	kept, ok := s.Get(both.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"mem_2"}, kept.MemoryIDs)
}

func TestRecentOrdering(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	for _, content := range []string{"first", "second", "third"} {
		_, err := s.Record(content, "message", "", nil, nil, nil)
		require.NoError(t, err)
	}

	recent := s.Recent(2)
	require.Len(t, recent, 2)
	assert.False(t, recent[0].CreatedAt.Before(recent[1].CreatedAt))
}

func TestEpisodePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	ep, err := s.Record("persisted", "message", "", []string{"mem_1"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	got, ok := s2.Get(ep.ID)
	require.True(t, ok)
	assert.Equal(t, "persisted", got.Content)
	assert.Len(t, s2.ForItem("mem_1"), 1)
}
