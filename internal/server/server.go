// Package server exposes the engine over the HTTP JSON API. Logical
// failures (unknown id, protected scope) come back as success=false in a
// 2xx envelope; validation errors are 4xx; only unrecoverable faults 5xx.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"recall/internal/config"
	"recall/internal/engine"
	"recall/internal/logging"
	"recall/internal/types"
)

// Server is the HTTP shell around the engine.
type Server struct {
	engine *engine.Engine
	cfg    config.ServerConfig
	http   *http.Server
}

// New builds a server; call Start (or serve Handler yourself in tests).
func New(e *engine.Engine, cfg config.ServerConfig) *Server {
	s := &Server{engine: e, cfg: cfg}
	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/memories", s.handleAdd)
	mux.HandleFunc("POST /v1/memories/batch", s.handleAddBatch)
	mux.HandleFunc("GET /v1/memories", s.handleList)
	mux.HandleFunc("GET /v1/memories/{id}", s.handleGet)
	mux.HandleFunc("PUT /v1/memories/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /v1/memories/{id}", s.handleDelete)
	mux.HandleFunc("DELETE /v1/memories", s.handleClear)
	mux.HandleFunc("POST /v1/memories/search", s.handleSearch)
	mux.HandleFunc("POST /v1/context", s.handleContext)
	mux.HandleFunc("GET /v1/entities", s.handleEntities)
	mux.HandleFunc("GET /v1/entities/{name}", s.handleEntity)
	mux.HandleFunc("POST /v1/graph/traverse", s.handleGraphTraverse)
	mux.HandleFunc("POST /v1/foreshadowing", s.handleForeshadowPlant)
	mux.HandleFunc("GET /v1/foreshadowing", s.handleForeshadowList)
	mux.HandleFunc("POST /v1/foreshadowing/{id}/resolve", s.handleForeshadowResolve)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.logged(mux)
}

// Start listens in the background until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	logging.Server("listening on http://%s", ln.Addr())
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Get(logging.CategoryServer).Error("serve: %v", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Get(logging.CategoryServer).Debug("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

// envelope is the uniform response shape.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		logging.Get(logging.CategoryServer).Error("encode response: %v", err)
	}
}

func ok(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// fail maps an error onto the API's status conventions.
func fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeJSON(w, http.StatusOK, envelope{Success: false, Message: err.Error()})
	case errors.Is(err, types.ErrScopeDenied):
		writeJSON(w, http.StatusForbidden, envelope{Success: false, Message: err.Error()})
	case errors.Is(err, types.ErrValidation):
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
	case errors.Is(err, types.ErrBudgetExceeded), errors.Is(err, types.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, envelope{Success: false, Message: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Message: err.Error()})
	}
}

func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	return nil
}
