package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall/internal/types"
)

func metaItem(id, source, category string, tags []string, eventTime string) *types.Item {
	return &types.Item{
		ID:        id,
		Content:   "content of " + id,
		Source:    source,
		Category:  category,
		Tags:      tags,
		EventTime: eventTime,
	}
}

func TestMetadataQueryIntersection(t *testing.T) {
	x, err := OpenMetadata(t.TempDir(), 0)
	require.NoError(t, err)

	require.NoError(t, x.Add(metaItem("mem_1", "github", "tech", []string{"AI"}, "")))
	require.NoError(t, x.Add(metaItem("mem_2", "github", "news", []string{"AI"}, "")))
	require.NoError(t, x.Add(metaItem("mem_3", "bilibili", "tech", []string{"AI", "video"}, "")))

	got := x.Query(MetadataFilter{Source: "github"})
	assert.Len(t, got, 2)

	got = x.Query(MetadataFilter{Source: "github", Category: "tech"})
	require.Len(t, got, 1)
	assert.Contains(t, got, "mem_1")

	got = x.Query(MetadataFilter{Tags: []string{"AI", "video"}})
	require.Len(t, got, 1)
	assert.Contains(t, got, "mem_3")

	// Order independence: the same filter expressed twice matches.
	a := x.Query(MetadataFilter{Source: "github", Tags: []string{"AI"}})
	b := x.Query(MetadataFilter{Tags: []string{"AI"}, Source: "github"})
	assert.Equal(t, a, b)

	// Unknown values produce empty, not nil (nil means unconstrained).
	assert.Empty(t, x.Query(MetadataFilter{Source: "twitter"}))
	assert.Nil(t, x.Query(MetadataFilter{}))
}

func TestMetadataEventDateRange(t *testing.T) {
	x, err := OpenMetadata(t.TempDir(), 0)
	require.NoError(t, err)

	require.NoError(t, x.Add(metaItem("mem_1", "", "", nil, "2025-01-15")))
	require.NoError(t, x.Add(metaItem("mem_2", "", "", nil, "2025年3月8日")))
	require.NoError(t, x.Add(metaItem("mem_3", "", "", nil, "2025-06-01")))

	got := x.Query(MetadataFilter{EventTimeStart: "2025-02-01", EventTimeEnd: "2025-05-31"})
	require.Len(t, got, 1)
	assert.Contains(t, got, "mem_2")

	got = x.Query(MetadataFilter{EventTimeStart: "2025-01-01", EventTimeEnd: ""})
	assert.Len(t, got, 3)

	got = x.Query(MetadataFilter{EventDate: "2025-06-01"})
	require.Len(t, got, 1)
	assert.Contains(t, got, "mem_3")
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"2025-01-15", "2025-01-15"},
		{"2025/1/5", "2025-01-05"},
		{"2025年3月8日", "2025-03-08"},
		{"2025-01-15T10:30:00Z", "2025-01-15"},
		{"not a date", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeDate(tt.in), "input %q", tt.in)
	}
}

func TestMetadataFlushAndReload(t *testing.T) {
	dir := t.TempDir()
	x, err := OpenMetadata(dir, 1) // flush on every add
	require.NoError(t, err)
	require.NoError(t, x.Add(metaItem("mem_1", "github", "", nil, "")))

	x2, err := OpenMetadata(dir, 1)
	require.NoError(t, err)
	assert.Contains(t, x2.Query(MetadataFilter{Source: "github"}), "mem_1")
}

func TestMetadataRemoveBatch(t *testing.T) {
	x, err := OpenMetadata(t.TempDir(), 0)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, x.Add(metaItem(fmt.Sprintf("mem_%d", i), "src", "", nil, "")))
	}
	require.NoError(t, x.RemoveBatch(map[string]struct{}{"mem_0": {}, "mem_2": {}}))
	got := x.Query(MetadataFilter{Source: "src"})
	assert.Len(t, got, 2)
	assert.NotContains(t, got, "mem_0")
}
