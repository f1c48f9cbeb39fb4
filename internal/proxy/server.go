// Package proxy is the HTTP surface of the service: resolution requests,
// direct-download session creation, the streaming proxy itself, SSE progress
// feeds and task management.
package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"snapload/internal/config"
	"snapload/internal/metrics"
	"snapload/internal/progress"
	"snapload/internal/resolve"
	"snapload/internal/task"
)

type Server struct {
	cfg     *config.Config
	store   *task.Store
	hub     *progress.Hub
	gateway *resolve.Gateway
	client  *http.Client
	metrics *metrics.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewServer(cfg *config.Config, store *task.Store, hub *progress.Hub, gateway *resolve.Gateway, m *metrics.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		hub:     hub,
		gateway: gateway,
		client: &http.Client{
			// No overall timeout: transfers may legitimately run for minutes.
			// The header timeout bounds how long an origin may stall before
			// sending anything.
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		metrics: m,
		cancels: make(map[string]context.CancelFunc),
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/resolve", s.handleResolve)
	mux.HandleFunc("POST /api/download-url", s.handleDownloadURL)
	mux.HandleFunc("GET /api/download/{session}", s.handleDownload)
	mux.HandleFunc("GET /api/progress/{session}", s.handleProgress)

	mux.HandleFunc("GET /api/tasks", s.handleList)
	mux.HandleFunc("POST /api/tasks/{session}/cancel", s.handleCancel)
	mux.HandleFunc("DELETE /api/tasks/{session}", s.handleDeleteTask)

	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// registerCancel makes an in-flight stream abortable through the cancel
// endpoint. The returned func detaches the entry again.
func (s *Server) registerCancel(sessionID string, cancel context.CancelFunc) func() {
	s.mu.Lock()
	s.cancels[sessionID] = cancel
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.cancels, sessionID)
		s.mu.Unlock()
	}
}

func (s *Server) cancelSession(sessionID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[sessionID]
	if ok {
		delete(s.cancels, sessionID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Kind: kind, Error: msg})
}
