package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall/internal/types"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	// Small shards so tests exercise file and volume boundaries.
	cfg.VolumeSize = 20
	cfg.FileSize = 5
	cfg.PreloadVolumes = 2
	return cfg
}

func newItem(content string) *types.Item {
	return &types.Item{
		ID:      types.NewItemID(),
		Scope:   types.DefaultScope(),
		Content: content,
	}
}

func TestAppendAssignsMonotonicTurns(t *testing.T) {
	s, err := Open(testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 47; i++ {
		turn, err := s.Append(newItem(fmt.Sprintf("item %d", i)))
		require.NoError(t, err)
		assert.Equal(t, int64(i), turn)
	}
	assert.Equal(t, int64(47), s.TotalTurns())
}

func TestFlushOnEmptyStore(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)

	// Preloading caches volume 0 before any append creates its directory.
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, int64(0), s.TotalTurns())
}

func TestGetByTurnAndByID(t *testing.T) {
	s, err := Open(testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	it := newItem("DeepSeek R1 发布，引发 AI 圈关注")
	turn, err := s.Append(it)
	require.NoError(t, err)

	got, err := s.GetByTurn(turn)
	require.NoError(t, err)
	assert.Equal(t, it.ID, got.ID)
	assert.Equal(t, it.Content, got.Content)

	got, err = s.GetByID(it.ID)
	require.NoError(t, err)
	assert.Equal(t, turn, got.TurnNumber)

	_, err = s.GetByTurn(9999)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s.GetByID("mem_missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGetByIDFallsBackToScanWhenIndexLost(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)

	it := newItem("needle content")
	_, err = s.Append(it)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Simulate a lost id index: reopen with the snapshot removed.
	require.NoError(t, os.Remove(filepath.Join(cfg.Root, idIndexFile)))
	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetByID(it.ID)
	require.NoError(t, err)
	assert.Equal(t, "needle content", got.Content)
}

func TestSearchContentExhaustive(t *testing.T) {
	s, err := Open(testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	// Spread items across multiple volumes so unloaded files get scanned.
	for i := 0; i < 60; i++ {
		_, err := s.Append(newItem(fmt.Sprintf("filler %d", i)))
		require.NoError(t, err)
	}
	needle := newItem("这是一个独特的测试内容包含随机数字 7749382 和特殊词汇 龙凤呈祥")
	_, err = s.Append(needle)
	require.NoError(t, err)

	hits, err := s.SearchContent("7749382", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, needle.ID, hits[0].ID)

	hits, err = s.SearchContent("龙凤呈祥", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestSearchContentScopeFilter(t *testing.T) {
	s, err := Open(testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	alice := types.Scope{UserID: "alice"}.Normalize()
	bob := types.Scope{UserID: "bob"}.Normalize()

	a := newItem("shared keyword secret")
	a.Scope = alice
	b := newItem("shared keyword public")
	b.Scope = bob
	_, err = s.Append(a)
	require.NoError(t, err)
	_, err = s.Append(b)
	require.NoError(t, err)

	hits, err := s.SearchContent("shared keyword", 10, &alice)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, a.ID, hits[0].ID)
}

func TestCrashRecoverySkipsPartialLine(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		_, err := s.Append(newItem(fmt.Sprintf("alice message %d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	// Simulate a crash mid-append: a partial trailing line in the tail file.
	tail := filepath.Join(cfg.Root, "L3_archive", "volume_0000", "turns_0000000005_0000000009.jsonl")
	f, err := os.OpenFile(tail, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"mem_partial","content":"trunc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, int64(7), s2.TotalTurns())
	hits, err := s2.SearchContent("alice", 100, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 7)

	// The next append continues the sequence.
	turn, err := s2.Append(newItem("post-crash"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), turn)
}

func TestManifestAdoptsDiskStateAfterStaleCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		_, err := s.Append(newItem(fmt.Sprintf("m %d", i)))
		require.NoError(t, err)
	}
	// Rewrite a stale manifest without flushing (appends are durable).
	require.NoError(t, writeJSONAtomic(filepath.Join(cfg.Root, manifestFile),
		Manifest{TotalTurns: 3, CreatedAt: time.Now()}))

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, int64(12), s2.TotalTurns())
}

func TestDeleteTombstones(t *testing.T) {
	s, err := Open(testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	it := newItem("to be deleted")
	_, err = s.Append(it)
	require.NoError(t, err)

	require.NoError(t, s.Delete(it.ID))
	_, err = s.GetByID(it.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, s.Delete(it.ID), types.ErrNotFound)

	hits, err := s.SearchContent("deleted", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Equal(t, int64(0), s.Count())
}

func TestClearErasesEverything(t *testing.T) {
	s, err := Open(testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 5; i++ {
		_, err := s.Append(newItem("x"))
		require.NoError(t, err)
	}
	require.NoError(t, s.Clear())
	assert.Equal(t, int64(0), s.TotalTurns())

	turn, err := s.Append(newItem("fresh start"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), turn)
}

func TestCursorIteratesInTurnOrder(t *testing.T) {
	s, err := Open(testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	var ids []string
	for i := 0; i < 25; i++ {
		it := newItem(fmt.Sprintf("cursor %d", i))
		_, err := s.Append(it)
		require.NoError(t, err)
		ids = append(ids, it.ID)
	}
	require.NoError(t, s.Delete(ids[3]))

	c := s.NewCursor()
	var seen []string
	for {
		it, err := c.Next()
		require.NoError(t, err)
		if it == nil {
			break
		}
		seen = append(seen, it.ID)
	}
	assert.Len(t, seen, 24)
	assert.NotContains(t, seen, ids[3])
	assert.Equal(t, ids[0], seen[0])

	c.Reset()
	first, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, ids[0], first.ID)
}
