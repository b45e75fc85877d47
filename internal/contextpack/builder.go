// Package contextpack assembles the prompt block a conversational agent
// receives: retrieved memories and the recent conversation, packed into a
// fixed token budget split by a configurable ratio.
package contextpack

import (
	"strings"

	"recall/internal/logging"
	"recall/internal/types"
)

const (
	memoriesOpen  = "<memories>\n"
	memoriesClose = "</memories>\n"
	recentOpen    = "<recent_conversation>\n"
	recentClose   = "</recent_conversation>\n"
	ellipsis      = "…"

	// minPartialRunes is the smallest truncated prefix worth including;
	// anything shorter reads as noise.
	minPartialRunes = 50
)

// Config controls the packing.
type Config struct {
	MaxTokens   int     // total budget for the built block
	MemoryRatio float64 // share of the budget given to memories
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{MaxTokens: 2000, MemoryRatio: 0.6}
}

// Input is what the builder packs. Memories arrive ranked best-first;
// Recent arrives in turn order, oldest first.
type Input struct {
	Memories []*types.Item
	Recent   []*types.Item
}

// Result is the built block plus accounting.
type Result struct {
	Text        string `json:"text"`
	TokensUsed  int    `json:"tokens_used"`
	MemoryCount int    `json:"memory_count"`
	RecentCount int    `json:"recent_count"`
	Truncated   bool   `json:"truncated"`
}

// Build packs the input into the budget. The estimate of the returned
// text never exceeds cfg.MaxTokens.
func (cfg Config) Build(in Input) Result {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.MemoryRatio <= 0 || cfg.MemoryRatio >= 1 {
		cfg.MemoryRatio = 0.6
	}

	frame := memoriesOpen + memoriesClose + recentOpen + recentClose
	budget := cfg.MaxTokens - EstimateTokens(frame)
	if budget <= 0 {
		return Result{}
	}

	memBudget := int(float64(budget) * cfg.MemoryRatio)
	memText, memCount, memTruncated := packLines(itemLines(in.Memories), memBudget)

	// Whatever memories left unused flows to the conversation side.
	recentBudget := budget - EstimateTokens(memText)
	recentText, recentCount, recentTruncated := packNewestFirst(in.Recent, recentBudget)

	var sb strings.Builder
	sb.WriteString(memoriesOpen)
	sb.WriteString(memText)
	sb.WriteString(memoriesClose)
	sb.WriteString(recentOpen)
	sb.WriteString(recentText)
	sb.WriteString(recentClose)

	text := sb.String()
	res := Result{
		Text:        text,
		TokensUsed:  EstimateTokens(text),
		MemoryCount: memCount,
		RecentCount: recentCount,
		Truncated:   memTruncated || recentTruncated,
	}
	logging.Get(logging.CategoryContext).Debug("context built: %d/%d tokens, %d memories, %d recent",
		res.TokensUsed, cfg.MaxTokens, memCount, recentCount)
	return res
}

func itemLines(items []*types.Item) []string {
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = "- " + strings.ReplaceAll(it.Content, "\n", " ") + "\n"
	}
	return lines
}

// packLines appends lines in order until the budget runs out. A line that
// does not fully fit contributes a truncated prefix plus ellipsis, but
// only when the prefix stays readable.
func packLines(lines []string, budget int) (string, int, bool) {
	var sb strings.Builder
	used := 0
	count := 0
	for _, line := range lines {
		cost := EstimateTokens(line)
		if used+cost <= budget {
			sb.WriteString(line)
			used += cost
			count++
			continue
		}
		if partial, ok := truncateToBudget(line, budget-used); ok {
			sb.WriteString(partial)
			count++
		}
		return sb.String(), count, true
	}
	return sb.String(), count, false
}

// packNewestFirst fills from the newest turn backwards so the freshest
// conversation survives, then restores chronological order.
func packNewestFirst(items []*types.Item, budget int) (string, int, bool) {
	var kept []string
	used := 0
	truncated := false
	for i := len(items) - 1; i >= 0; i-- {
		line := "- " + strings.ReplaceAll(items[i].Content, "\n", " ") + "\n"
		cost := EstimateTokens(line)
		if used+cost <= budget {
			kept = append(kept, line)
			used += cost
			continue
		}
		if partial, ok := truncateToBudget(line, budget-used); ok {
			kept = append(kept, partial)
		}
		truncated = true
		break
	}
	var sb strings.Builder
	for i := len(kept) - 1; i >= 0; i-- {
		sb.WriteString(kept[i])
	}
	return sb.String(), len(kept), truncated
}

// truncateToBudget returns the longest prefix of line that fits in budget
// tokens with an ellipsis and trailing newline, or ok=false when that
// prefix would be shorter than minPartialRunes.
func truncateToBudget(line string, budget int) (string, bool) {
	suffix := ellipsis + "\n"
	avail := budget - EstimateTokens(suffix)
	if avail <= 0 {
		return "", false
	}

	runes := []rune(strings.TrimSuffix(line, "\n"))
	used := 0.0
	cut := 0
	for i, r := range runes {
		var cost float64
		if isWide(r) {
			cost = cjkTokensPerRune
		} else {
			cost = asciiTokensPerRune
		}
		if used+cost > float64(avail) {
			break
		}
		used += cost
		cut = i + 1
	}
	if cut < minPartialRunes {
		return "", false
	}
	return string(runes[:cut]) + suffix, true
}
