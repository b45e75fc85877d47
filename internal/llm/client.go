// Package llm wraps any OpenAI-compatible chat-completions endpoint. The
// engine uses it for relation extraction, summaries and retrieval-stage
// filtering; every call reports token usage so the budget manager can
// meter spend.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"recall/internal/logging"
	"recall/internal/types"
)

// Config holds client configuration.
type Config struct {
	APIKey    string        `json:"api_key"`
	APIBase   string        `json:"api_base"`
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Timeout   time.Duration `json:"timeout"`
}

// DefaultConfig returns sensible defaults; the client stays disabled until
// an API key is supplied.
func DefaultConfig() Config {
	return Config{
		APIBase:   "https://api.openai.com/v1",
		MaxTokens: 1024,
		Timeout:   2 * time.Minute,
	}
}

// Usage is the token accounting for one completed call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Client talks to a chat-completions endpoint.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a client. A client without an API key reports Enabled()
// false and fails every call; callers fall back to rule-based paths.
func New(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	cfg.APIBase = strings.TrimSuffix(cfg.APIBase, "/")
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Enabled reports whether the client is configured to make calls.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.APIKey != ""
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Complete sends a user prompt without a system message.
func (c *Client) Complete(ctx context.Context, prompt string) (string, Usage, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message and returns the
// completion text plus token usage. 429 responses retry on a linear 15s
// schedule; other failures surface immediately.
func (c *Client) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	if !c.Enabled() {
		return "", Usage{}, fmt.Errorf("llm client not configured")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	timer := logging.StartTimer(logging.CategoryEngine, "llm complete")
	defer timer.StopWithThreshold(30 * time.Second)

	var text string
	var usage Usage
	op := func() error {
		var err error
		text, usage, err = c.completeOnce(ctx, systemPrompt, userPrompt)
		if err == nil {
			return nil
		}
		if errors.Is(err, types.ErrRateLimited) {
			logging.Get(logging.CategoryEngine).Warn("llm endpoint rate limited, backing off")
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, backoff.WithContext(newLinearBackOff(), ctx)); err != nil {
		return "", Usage{}, err
	}
	return text, usage, nil
}

func (c *Client) completeOnce(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	var messages []chatMessage
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: 0.1,
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.APIBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", Usage{}, types.ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, fmt.Errorf("llm request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", Usage{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", Usage{}, fmt.Errorf("llm API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("no completion returned")
	}
	return parsed.Choices[0].Message.Content, parsed.Usage, nil
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// linearBackOff waits 15s, 30s, 45s between retries, then stops.
type linearBackOff struct {
	step    time.Duration
	attempt int
	max     int
}

func newLinearBackOff() *linearBackOff {
	return &linearBackOff{step: 15 * time.Second, max: 3}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt > b.max {
		return backoff.Stop
	}
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
