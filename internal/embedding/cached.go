package embedding

import (
	"container/list"
	"context"
	"sync"

	"recall/internal/logging"
)

// =============================================================================
// CACHING WRAPPER
// =============================================================================

// Cached wraps an engine with a bounded content-keyed LRU cache. Repeated
// ingestion of similar turns hits the same content strings often enough
// that this saves a meaningful share of API calls.
type Cached struct {
	inner Engine

	mu      sync.Mutex
	cap     int
	order   *list.List               // front = most recent
	entries map[string]*list.Element // content -> element holding cacheEntry
}

type cacheEntry struct {
	key string
	vec []float32
}

// NewCached wraps inner with a cache of at most capacity entries.
func NewCached(inner Engine, capacity int) *Cached {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Cached{
		inner:   inner,
		cap:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Embed returns the cached vector when present, otherwise delegates.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.get(text); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.put(text, vec)
	return vec, nil
}

// EmbedBatch serves cached entries and forwards only the misses in one
// inner call, preserving input order.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if vec, ok := c.get(text); ok {
			out[i] = vec
		} else {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
		}
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	logging.EmbeddingDebug("embedding cache: %d hits, %d misses", len(texts)-len(missTexts), len(missTexts))

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.put(texts[i], vecs[j])
	}
	return out, nil
}

// HealthCheck forwards to the inner engine when it supports checks.
func (c *Cached) HealthCheck(ctx context.Context) error {
	if hc, ok := c.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Dimensions returns the inner engine's dimensionality.
func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

// Name returns the inner engine's name.
func (c *Cached) Name() string { return c.inner.Name() }

// Len returns the number of cached vectors.
func (c *Cached) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cached) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(cacheEntry).vec, true
}

func (c *Cached) put(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value = cacheEntry{key: key, vec: vec}
		return
	}
	c.entries[key] = c.order.PushFront(cacheEntry{key: key, vec: vec})
	for len(c.entries) > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(cacheEntry).key)
	}
}
