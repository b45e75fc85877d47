package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall/internal/config"
	"recall/internal/engine"
)

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataRoot = t.TempDir()
	cfg.Maintenance.Enabled = false
	cfg.Embedding.Mode = "none"
	e, err := engine.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

// run feeds requests through the server and returns one parsed response
// per request line.
func run(t *testing.T, e *engine.Engine, requests ...string) []map[string]interface{} {
	t.Helper()
	in := strings.NewReader(strings.Join(requests, "\n") + "\n")
	var out bytes.Buffer
	srv := NewWithStreams(e, in, &out)
	require.NoError(t, srv.Run(context.Background()))

	var responses []map[string]interface{}
	scanner := bufio.NewScanner(&out)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func callTool(name string, id int, args string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, id, name, args)
}

func resultText(t *testing.T, resp map[string]interface{}) (string, bool) {
	t.Helper()
	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok, "response has no result: %v", resp)
	content := result["content"].([]interface{})
	text := content[0].(map[string]interface{})["text"].(string)
	isErr, _ := result["isError"].(bool)
	return text, isErr
}

func TestInitializeAndToolsList(t *testing.T) {
	responses := run(t, testEngine(t),
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)
	require.Len(t, responses, 2, "notification must not get a response")

	init := responses[0]["result"].(map[string]interface{})
	assert.Equal(t, protocolVersion, init["protocolVersion"])

	tools := responses[1]["result"].(map[string]interface{})["tools"].([]interface{})
	require.Len(t, tools, 10)
	names := make(map[string]bool)
	for _, raw := range tools {
		tool := raw.(map[string]interface{})
		names[tool["name"].(string)] = true
		assert.NotEmpty(t, tool["description"])
		assert.NotNil(t, tool["inputSchema"])
	}
	for _, want := range []string{
		"recall_add", "recall_search", "recall_context", "recall_add_batch",
		"recall_list", "recall_delete", "recall_stats", "recall_entities",
		"recall_graph_traverse", "recall_search_filtered",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestAddThenSearchViaTools(t *testing.T) {
	e := testEngine(t)
	responses := run(t, e,
		callTool("recall_add", 1, `{"content":"the user adopted a puppy named Rex"}`),
		callTool("recall_search", 2, `{"query":"puppy Rex"}`),
	)
	require.Len(t, responses, 2)

	text, isErr := resultText(t, responses[0])
	require.False(t, isErr)
	assert.Contains(t, text, `"deduped": false`)

	text, isErr = resultText(t, responses[1])
	require.False(t, isErr)
	assert.Contains(t, text, "puppy named Rex")
}

func TestToolFailureIsResultNotProtocolError(t *testing.T) {
	responses := run(t, testEngine(t),
		callTool("recall_delete", 1, `{"id":"mem_missing"}`),
	)
	require.Len(t, responses, 1)
	assert.Nil(t, responses[0]["error"], "logical failures stay inside the result")
	text, isErr := resultText(t, responses[0])
	assert.True(t, isErr)
	assert.Contains(t, text, "error")
}

func TestUnknownMethodAndTool(t *testing.T) {
	responses := run(t, testEngine(t),
		`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`,
		callTool("recall_nope", 2, `{}`),
	)
	require.Len(t, responses, 2)
	for _, resp := range responses {
		assert.NotNil(t, resp["error"])
	}
}

func TestContextToolReturnsBlock(t *testing.T) {
	e := testEngine(t)
	responses := run(t, e,
		callTool("recall_add", 1, `{"content":"user speaks fluent Portuguese"}`),
		callTool("recall_context", 2, `{"query":"Portuguese"}`),
	)
	text, isErr := resultText(t, responses[1])
	require.False(t, isErr)
	assert.Contains(t, text, "<memories>")
	assert.Contains(t, text, "Portuguese")
}

func TestStatsTool(t *testing.T) {
	responses := run(t, testEngine(t), callTool("recall_stats", 1, `{}`))
	text, isErr := resultText(t, responses[0])
	require.False(t, isErr)
	assert.Contains(t, text, "total_turns")
}
