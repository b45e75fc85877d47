package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall/internal/config"
	"recall/internal/engine"
)

type env struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataRoot = t.TempDir()
	cfg.Maintenance.Enabled = false
	cfg.Embedding.Mode = "none"

	e, err := engine.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })

	ts := httptest.NewServer(New(e, cfg.Server).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path string, body interface{}) (int, env) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out env
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestAddAndGetMemory(t *testing.T) {
	ts := newTestServer(t)

	status, res := call(t, ts, http.MethodPost, "/v1/memories", map[string]interface{}{
		"content": "用户喜欢在周末爬山",
		"source":  "chat",
		"tags":    []string{"hobby"},
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, res.Success)

	var added struct {
		Item struct {
			ID string `json:"id"`
		} `json:"item"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &added))
	require.NotEmpty(t, added.Item.ID)

	status, res = call(t, ts, http.MethodGet, "/v1/memories/"+added.Item.ID, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, res.Success)
}

func TestUnknownIDIsLogicalFailure(t *testing.T) {
	ts := newTestServer(t)
	status, res := call(t, ts, http.MethodGet, "/v1/memories/mem_missing", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Message)
}

func TestEmptyContentIsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	status, res := call(t, ts, http.MethodPost, "/v1/memories", map[string]interface{}{"content": "  "})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, res.Success)
}

func TestClearGuards(t *testing.T) {
	ts := newTestServer(t)

	status, _ := call(t, ts, http.MethodDelete, "/v1/memories?user_id=alice", nil)
	assert.Equal(t, http.StatusBadRequest, status, "missing confirm")

	status, _ = call(t, ts, http.MethodDelete, "/v1/memories?user_id=default&confirm=true", nil)
	assert.Equal(t, http.StatusForbidden, status, "default user is protected")

	status, res := call(t, ts, http.MethodDelete, "/v1/memories?user_id=alice&confirm=true", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, res.Success)
}

func TestSearchFindsAddedMemory(t *testing.T) {
	ts := newTestServer(t)

	_, res := call(t, ts, http.MethodPost, "/v1/memories", map[string]interface{}{
		"content": "project kickoff scheduled with the design team",
	})
	require.True(t, res.Success)

	status, res := call(t, ts, http.MethodPost, "/v1/memories/search", map[string]interface{}{
		"query": "design kickoff",
		"top_k": 5,
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, res.Success)

	var out struct {
		Hits []struct {
			Item struct {
				Content string `json:"content"`
			} `json:"item"`
		} `json:"hits"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &out))
	require.NotEmpty(t, out.Hits)
	assert.Contains(t, out.Hits[0].Item.Content, "kickoff")
}

func TestBatchAndList(t *testing.T) {
	ts := newTestServer(t)

	status, res := call(t, ts, http.MethodPost, "/v1/memories/batch", map[string]interface{}{
		"memories": []map[string]interface{}{
			{"content": "batch note one"},
			{"content": "batch note two"},
		},
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, res.Success)

	status, res = call(t, ts, http.MethodGet, "/v1/memories?limit=1&offset=1", nil)
	require.Equal(t, http.StatusOK, status)
	var out struct {
		Items []json.RawMessage `json:"items"`
		Total int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &out))
	assert.Equal(t, 2, out.Total)
	assert.Len(t, out.Items, 1)
}

func TestContextEndpoint(t *testing.T) {
	ts := newTestServer(t)

	_, res := call(t, ts, http.MethodPost, "/v1/memories", map[string]interface{}{
		"content": "the user is vegetarian",
	})
	require.True(t, res.Success)

	status, res := call(t, ts, http.MethodPost, "/v1/context", map[string]interface{}{
		"query": "vegetarian dinner",
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, res.Success)

	var out struct {
		Context    string `json:"context"`
		TokensUsed int    `json:"tokens_used"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &out))
	assert.Contains(t, out.Context, "<memories>")
	assert.Positive(t, out.TokensUsed)
}

func TestForeshadowingEndpoints(t *testing.T) {
	ts := newTestServer(t)

	status, res := call(t, ts, http.MethodPost, "/v1/foreshadowing", map[string]interface{}{
		"content":  "a letter will arrive",
		"keywords": []string{"letter"},
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, res.Success)

	var planted struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &planted))

	status, res = call(t, ts, http.MethodGet, "/v1/foreshadowing?status=UNRESOLVED", nil)
	require.Equal(t, http.StatusOK, status)
	var list []json.RawMessage
	require.NoError(t, json.Unmarshal(res.Data, &list))
	assert.Len(t, list, 1)

	status, res = call(t, ts, http.MethodPost, "/v1/foreshadowing/"+planted.ID+"/resolve", map[string]interface{}{
		"resolution": "the letter arrived",
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, res.Success)
}

func TestStatsHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	status, res := call(t, ts, http.MethodGet, "/v1/stats", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, res.Success)

	status, res = call(t, ts, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, res.Success)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
