package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"recall/internal/logging"
	"recall/internal/types"
)

// =============================================================================
// OPENAI-COMPATIBLE EMBEDDING ENGINE
// =============================================================================

// OpenAIEngine generates embeddings from any OpenAI-compatible endpoint
// (OpenAI, SiliconFlow, self-hosted gateways). Requests pass through a
// sliding-window limiter; 429 responses retry on a linear schedule before
// surfacing ErrRateLimited.
type OpenAIEngine struct {
	base    string
	apiKey  string
	model   string
	dims    int
	client  *http.Client
	limiter *slidingWindow
}

// NewOpenAIEngine creates an engine from config.
func NewOpenAIEngine(cfg Config) (*OpenAIEngine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}
	base := strings.TrimSuffix(cfg.APIBase, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	dims := cfg.Dimension
	if dims <= 0 {
		dims = 768
	}

	return &OpenAIEngine{
		base:    base,
		apiKey:  cfg.APIKey,
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: 60 * time.Second},
		limiter: newSlidingWindow(cfg.RateLimit, time.Duration(cfg.RateWindow)*time.Second),
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (e *OpenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var vecs [][]float32
	op := func() error {
		if err := e.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		vecs, err = e.embedOnce(ctx, texts)
		if err == nil {
			return nil
		}
		if errors.Is(err, types.ErrRateLimited) {
			logging.Get(logging.CategoryEmbedding).Warn("embedding endpoint rate limited, backing off: %v", err)
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, backoff.WithContext(newLinearBackOff(), ctx)); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (e *OpenAIEngine) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openaiEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.base+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return nil, types.ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding endpoint returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result openaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding endpoint returned %d vectors for %d inputs", len(result.Data), len(texts))
	}

	vecs := make([][]float32, len(result.Data))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embedding endpoint returned out-of-range index %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// HealthCheck verifies the endpoint accepts requests.
func (e *OpenAIEngine) HealthCheck(ctx context.Context) error {
	_, err := e.embedOnce(ctx, []string{"ping"})
	return err
}

// Dimensions returns the configured dimensionality.
func (e *OpenAIEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *OpenAIEngine) Name() string {
	return fmt.Sprintf("openai:%s", e.model)
}

// =============================================================================
// OPENAI API TYPES
// =============================================================================

type openaiEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// slidingWindow admits at most limit requests per window, blocking callers
// until the oldest request in the window expires.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	sent   []time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &slidingWindow{limit: limit, window: window}
}

// Wait blocks until a request slot is available or ctx is done.
func (w *slidingWindow) Wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-w.window)
		kept := w.sent[:0]
		for _, t := range w.sent {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		w.sent = kept

		if len(w.sent) < w.limit {
			w.sent = append(w.sent, now)
			w.mu.Unlock()
			return nil
		}
		wait := w.sent[0].Sub(cutoff)
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// linearBackOff waits 15s, 30s, 45s between retries, then stops. The
// schedule matches typical per-minute quota resets better than exponential
// growth does.
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
