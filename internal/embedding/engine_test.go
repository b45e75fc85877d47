package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	got, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-9)

	got, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, got, 1e-9)

	got, err = CosineSimilarity([]float32{1, 0}, []float32{0, 0})
	require.NoError(t, err)
	assert.Zero(t, got)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 0})
	assert.Error(t, err)
}

func TestNewEngineModeNone(t *testing.T) {
	eng, err := NewEngine(Config{Mode: "none"})
	require.NoError(t, err)
	assert.Nil(t, eng)

	_, err = NewEngine(Config{Mode: "quantum"})
	assert.Error(t, err)
}

// fakeEngine counts calls and returns a per-text deterministic vector.
type fakeEngine struct {
	calls atomic.Int64
}

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	return []float32{float32(len(text)), 1}, nil
}

func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func (f *fakeEngine) Dimensions() int { return 2 }
func (f *fakeEngine) Name() string    { return "fake" }

func TestCachedAvoidsRepeatCalls(t *testing.T) {
	inner := &fakeEngine{}
	c := NewCached(inner, 10)
	ctx := context.Background()

	v1, err := c.Embed(ctx, "hello")
	require.NoError(t, err)
	v2, err := c.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int64(1), inner.calls.Load())

	// Batch forwards only misses.
	out, err := c.EmbedBatch(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(2), inner.calls.Load())

	// Fully cached batch makes no inner call.
	_, err = c.EmbedBatch(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), inner.calls.Load())
}

func TestCachedEvictsOldest(t *testing.T) {
	inner := &fakeEngine{}
	c := NewCached(inner, 2)
	ctx := context.Background()

	_, err := c.Embed(ctx, "a")
	require.NoError(t, err)
	_, err = c.Embed(ctx, "bb")
	require.NoError(t, err)
	_, err = c.Embed(ctx, "a") // refresh "a"
	require.NoError(t, err)
	_, err = c.Embed(ctx, "ccc") // evicts "bb"
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	before := inner.calls.Load()
	_, err = c.Embed(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, before, inner.calls.Load(), "refreshed entry should survive eviction")

	_, err = c.Embed(ctx, "bb")
	require.NoError(t, err)
	assert.Equal(t, before+1, inner.calls.Load(), "evicted entry must be refetched")
}

func TestNormalizeTaskType(t *testing.T) {
	assert.Equal(t, "SEMANTIC_SIMILARITY", normalizeTaskType(""))
	assert.Equal(t, "SEMANTIC_SIMILARITY", normalizeTaskType("SEMANTIC_SIMILARITY"))
	assert.Equal(t, "RETRIEVAL_DOCUMENT", normalizeTaskType("RETRIEVAL_DOCUMENT"))
	assert.Equal(t, "RETRIEVAL_QUERY", normalizeTaskType("RETRIEVAL_QUERY"))
	assert.Equal(t, "QUESTION_ANSWERING", normalizeTaskType("QUESTION_ANSWERING"))
	assert.Equal(t, "SEMANTIC_SIMILARITY", normalizeTaskType("CLUSTERING"))
}

func TestOpenAIEngineEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openaiEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := map[string]interface{}{"data": []map[string]interface{}{}}
		data := resp["data"].([]map[string]interface{})
		// Return results out of order to exercise index mapping.
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]interface{}{
				"index":     i,
				"embedding": []float32{float32(i), 1},
			})
		}
		resp["data"] = data
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	eng, err := NewOpenAIEngine(Config{APIKey: "sk-test", APIBase: srv.URL + "/v1", Dimension: 2})
	require.NoError(t, err)

	vecs, err := eng.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{0, 1}, vecs[0])
	assert.Equal(t, []float32{2, 1}, vecs[2])
}

func TestOpenAIEngineSurfacesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"quota"}`)
	}))
	defer srv.Close()

	eng, err := NewOpenAIEngine(Config{APIKey: "sk-test", APIBase: srv.URL})
	require.NoError(t, err)

	// Cancel quickly so the linear retry schedule does not stall the test.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = eng.Embed(ctx, "hello")
	require.Error(t, err)
}

func TestLinearBackOffSchedule(t *testing.T) {
	b := newLinearBackOff()
	assert.Equal(t, 15*time.Second, b.NextBackOff())
	assert.Equal(t, 30*time.Second, b.NextBackOff())
	assert.Equal(t, 45*time.Second, b.NextBackOff())
	assert.Less(t, b.NextBackOff(), time.Duration(0), "schedule exhausts after three attempts")
	b.Reset()
	assert.Equal(t, 15*time.Second, b.NextBackOff())
}

func TestSlidingWindowBlocksAtLimit(t *testing.T) {
	w := newSlidingWindow(2, 100*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, w.Wait(ctx))
	require.NoError(t, w.Wait(ctx))

	start := time.Now()
	require.NoError(t, w.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSlidingWindowHonorsContext(t *testing.T) {
	w := newSlidingWindow(1, time.Hour)
	require.NoError(t, w.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
