package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPhrases(t *testing.T) {
	phrases := ExtractPhrases("DeepSeek 发布了 R1 模型")
	assert.Contains(t, phrases, "deepseek")
	assert.Contains(t, phrases, "发布")   // 2-gram from a CJK run
	assert.Contains(t, phrases, "模型")
	assert.NotContains(t, phrases, "r1") // ASCII words shorter than 3 drop
	assert.NotContains(t, phrases, "the")

	// CJK runs produce every 2-4 window.
	phrases = ExtractPhrases("龙凤呈祥")
	assert.Contains(t, phrases, "龙凤")
	assert.Contains(t, phrases, "凤呈祥")
	assert.Contains(t, phrases, "龙凤呈祥")
}

func TestNgramFallbackRecallForRareTokens(t *testing.T) {
	x, err := OpenNgram(t.TempDir())
	require.NoError(t, err)

	x.Add("mem_1", "这是一个独特的测试内容包含随机数字 7749382 和特殊词汇 龙凤呈祥")
	x.Add("mem_2", "completely unrelated english text")

	hits := x.Search("7749382")
	require.Len(t, hits, 1)
	assert.Contains(t, hits, "mem_1")

	hits = x.Search("龙凤呈祥")
	assert.Contains(t, hits, "mem_1")

	hits = x.Search("unrelated")
	assert.Contains(t, hits, "mem_2")
	assert.NotContains(t, hits, "mem_1")
}

func TestNgramPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	x, err := OpenNgram(dir)
	require.NoError(t, err)
	x.Add("mem_1", "persistent gram content")
	require.NoError(t, x.Flush())

	x2, err := OpenNgram(dir)
	require.NoError(t, err)
	assert.Contains(t, x2.Search("persistent"), "mem_1")
}

func TestNgramRemoveByIDs(t *testing.T) {
	x, err := OpenNgram(t.TempDir())
	require.NoError(t, err)
	x.Add("mem_1", "shared token alpha")
	x.Add("mem_2", "shared token beta")

	x.RemoveByIDs(map[string]struct{}{"mem_1": {}})
	hits := x.Search("shared token")
	assert.NotContains(t, hits, "mem_1")
	assert.Contains(t, hits, "mem_2")
}
