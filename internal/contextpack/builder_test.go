package contextpack

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall/internal/types"
)

func item(content string) *types.Item {
	return &types.Item{ID: types.NewItemID(), Content: content}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 1, EstimateTokens("abcd"))    // 4 * 0.25
	assert.Equal(t, 2, EstimateTokens("你好博士"))    // 4 * 0.5
	assert.Equal(t, 3, EstimateTokens("你好博士abcd")) // 2 + 1
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a")) // rounds up
}

func TestBuildSections(t *testing.T) {
	res := DefaultConfig().Build(Input{
		Memories: []*types.Item{item("likes hiking"), item("allergic to peanuts")},
		Recent:   []*types.Item{item("what should I eat?")},
	})

	assert.Contains(t, res.Text, "<memories>")
	assert.Contains(t, res.Text, "</memories>")
	assert.Contains(t, res.Text, "<recent_conversation>")
	assert.Contains(t, res.Text, "likes hiking")
	assert.Contains(t, res.Text, "what should I eat?")
	assert.Equal(t, 2, res.MemoryCount)
	assert.Equal(t, 1, res.RecentCount)
	assert.False(t, res.Truncated)
	assert.LessOrEqual(t, res.TokensUsed, 2000)
}

func TestBuildRespectsBudgetProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cjk := []rune("记忆服务保存对话中的重要信息供后续检索使用")
	randomContent := func() string {
		var sb strings.Builder
		n := 5 + rng.Intn(200)
		for i := 0; i < n; i++ {
			if rng.Intn(2) == 0 {
				sb.WriteRune(cjk[rng.Intn(len(cjk))])
			} else {
				sb.WriteByte(byte('a' + rng.Intn(26)))
			}
		}
		return sb.String()
	}

	for trial := 0; trial < 50; trial++ {
		cfg := Config{MaxTokens: 50 + rng.Intn(500), MemoryRatio: 0.1 + rng.Float64()*0.8}
		var in Input
		for i := 0; i < rng.Intn(20); i++ {
			in.Memories = append(in.Memories, item(randomContent()))
		}
		for i := 0; i < rng.Intn(20); i++ {
			in.Recent = append(in.Recent, item(randomContent()))
		}
		res := cfg.Build(in)
		assert.LessOrEqual(t, EstimateTokens(res.Text), cfg.MaxTokens,
			"trial %d: max_tokens=%d ratio=%.2f", trial, cfg.MaxTokens, cfg.MemoryRatio)
	}
}

func TestPartialTailRule(t *testing.T) {
	long := strings.Repeat("memory detail ", 100) // ~1400 chars

	// Budget large enough for a readable prefix: the tail is truncated
	// with an ellipsis.
	res := Config{MaxTokens: 120, MemoryRatio: 0.9}.Build(Input{Memories: []*types.Item{item(long)}})
	assert.True(t, res.Truncated)
	assert.Equal(t, 1, res.MemoryCount)
	assert.Contains(t, res.Text, ellipsis)

	// Budget too small for even 50 runes: the item is dropped entirely.
	res = Config{MaxTokens: 18, MemoryRatio: 0.5}.Build(Input{Memories: []*types.Item{item(long)}})
	assert.Equal(t, 0, res.MemoryCount)
	assert.NotContains(t, res.Text, "memory detail")
}

func TestRecentKeepsNewestTurns(t *testing.T) {
	var recent []*types.Item
	for i := 0; i < 10; i++ {
		recent = append(recent, item(fmt.Sprintf("turn number %02d with some padding text", i)))
	}

	res := Config{MaxTokens: 120, MemoryRatio: 0.1}.Build(Input{Recent: recent})
	require.Positive(t, res.RecentCount)
	assert.Contains(t, res.Text, "turn number 09", "newest turn must survive")
	if res.RecentCount < 10 {
		assert.NotContains(t, res.Text, "turn number 00", "oldest turn drops first")
	}

	// Chronological order preserved among the kept turns.
	i8 := strings.Index(res.Text, "turn number 08")
	i9 := strings.Index(res.Text, "turn number 09")
	if i8 >= 0 {
		assert.Less(t, i8, i9)
	}
}

func TestUnusedMemoryBudgetFlowsToRecent(t *testing.T) {
	// One tiny memory, many recent turns: recent side gets the slack.
	var recent []*types.Item
	for i := 0; i < 30; i++ {
		recent = append(recent, item(fmt.Sprintf("conversation turn %02d padded for size", i)))
	}
	withSlack := Config{MaxTokens: 400, MemoryRatio: 0.9}.Build(Input{
		Memories: []*types.Item{item("tiny")},
		Recent:   recent,
	})
	// 90% ratio reserves 360 tokens for memories, but only a few are
	// used; recent must be able to use far more than the leftover 10%.
	assert.Greater(t, withSlack.RecentCount, 5)
}
