// Package mcp serves the engine's operations as tools over JSON-RPC on
// stdio, one message per line. Agent frameworks speaking the Model
// Context Protocol connect the process directly as a tool server.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"recall/internal/engine"
	"recall/internal/logging"
)

const protocolVersion = "2024-11-05"

// Server reads JSON-RPC requests line by line and answers them.
type Server struct {
	engine *engine.Engine
	tools  []Tool

	in  io.Reader
	out io.Writer
	mu  sync.Mutex // serializes response writes
}

// New builds a server bound to stdin/stdout.
func New(e *engine.Engine) *Server {
	return NewWithStreams(e, os.Stdin, os.Stdout)
}

// NewWithStreams builds a server on explicit streams, for tests.
func NewWithStreams(e *engine.Engine, in io.Reader, out io.Writer) *Server {
	s := &Server{engine: e, in: in, out: out}
	s.tools = s.toolTable()
	return s
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Run serves until the input closes or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	logging.MCP("tool server ready, %d tools", len(s.tools))
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: err.Error()}})
			continue
		}
		s.dispatch(ctx, &req)
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *rpcRequest) {
	switch req.Method {
	case "initialize":
		s.reply(req, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]string{"name": "recall", "version": "1.0.0"},
		})
	case "notifications/initialized":
		// Notification, no response.
	case "ping":
		s.reply(req, map[string]interface{}{})
	case "tools/list":
		s.reply(req, map[string]interface{}{"tools": s.tools})
	case "tools/call":
		s.handleCall(ctx, req)
	default:
		if req.ID == nil {
			return // unknown notification
		}
		s.replyError(req, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (s *Server) handleCall(ctx context.Context, req *rpcRequest) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.replyError(req, codeInvalidParams, err.Error())
		return
	}
	for _, tool := range s.tools {
		if tool.Name != params.Name {
			continue
		}
		text, err := tool.handler(ctx, params.Arguments)
		if err != nil {
			// Tool failures are results, not protocol errors.
			s.reply(req, callResult(fmt.Sprintf("error: %v", err), true))
			return
		}
		s.reply(req, callResult(text, false))
		return
	}
	s.replyError(req, codeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name))
}

func callResult(text string, isErr bool) map[string]interface{} {
	return map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": text}},
		"isError": isErr,
	}
}

func (s *Server) reply(req *rpcRequest, result interface{}) {
	if req.ID == nil {
		return
	}
	s.write(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) replyError(req *rpcRequest, code int, msg string) {
	s.write(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: code, Message: msg}})
}

func (s *Server) write(resp rpcResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(resp); err != nil {
		logging.Get(logging.CategoryMCP).Error("write response: %v", err)
	}
}
