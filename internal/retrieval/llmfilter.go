package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"recall/internal/llm"
)

const filterSystemPrompt = `You judge which memory snippets are relevant to a query.
Respond with ONLY a JSON array of the zero-based indices of relevant
snippets, for example: [0, 2, 5]. Respond [] when none are relevant.`

// LLMFilter implements ModelFilter over a chat-completions client.
type LLMFilter struct {
	client *llm.Client

	// UsageHook receives token usage after each successful call.
	UsageHook func(llm.Usage)
}

// NewLLMFilter wraps a client; returns nil when the client cannot make
// calls so the funnel skips the stage entirely.
func NewLLMFilter(client *llm.Client) *LLMFilter {
	if !client.Enabled() {
		return nil
	}
	return &LLMFilter{client: client}
}

// FilterSnippets asks the model which snippets answer the query.
func (f *LLMFilter) FilterSnippets(ctx context.Context, query string, snippets []string) ([]int, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nSnippets:\n", query)
	for i, s := range snippets {
		if runes := []rune(s); len(runes) > 300 {
			s = string(runes[:300])
		}
		fmt.Fprintf(&sb, "[%d] %s\n", i, s)
	}

	text, usage, err := f.client.CompleteWithSystem(ctx, filterSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}
	if f.UsageHook != nil {
		f.UsageHook(usage)
	}

	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("filter reply contained no JSON array")
	}
	var indices []int
	if err := json.Unmarshal([]byte(text[start:end+1]), &indices); err != nil {
		return nil, fmt.Errorf("filter reply unparseable: %w", err)
	}
	return indices, nil
}
