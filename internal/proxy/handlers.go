package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"snapload/internal/artifact"
	"snapload/internal/progress"
	"snapload/internal/resolve"
	"snapload/internal/task"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "snapload",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type resolveRequest struct {
	URL string `json:"url"`
}

type resolveResponse struct {
	Success    bool                `json:"success"`
	Platform   resolve.Platform    `json:"platform"`
	Title      string              `json:"title"`
	Thumbnail  string              `json:"thumbnail,omitempty"`
	Duration   string              `json:"duration,omitempty"`
	Renditions []resolve.Rendition `json:"renditions"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "url is required")
		return
	}

	platform, result, err := s.gateway.Resolve(r.Context(), req.URL)
	if err != nil {
		slog.Warn("resolution failed", slog.String("url", req.URL), slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "ResolutionError", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{
		Success:    true,
		Platform:   platform,
		Title:      result.Title,
		Thumbnail:  result.Thumbnail,
		Duration:   result.Duration,
		Renditions: result.Renditions,
	})
}

type downloadURLRequest struct {
	SessionID string `json:"session_id,omitempty"`
	SourceURL string `json:"source_url"`
	DirectURL string `json:"direct_url,omitempty"`
	FormatID  string `json:"format_id,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

type downloadURLResponse struct {
	Success     bool   `json:"success"`
	SessionID   string `json:"session_id"`
	DownloadURL string `json:"download_url"`
}

// handleDownloadURL creates (or refreshes) the task record for a chosen
// rendition and hands back the proxy URL the client should fetch.
func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	var req downloadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid request body")
		return
	}
	if req.SourceURL == "" && req.DirectURL == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "source_url or direct_url is required")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	platform := req.Platform
	if platform == "" {
		platform = string(resolve.Detect(firstNonEmpty(req.SourceURL, req.DirectURL)))
	}

	_, err := s.store.Upsert(sessionID, task.Fields{
		Platform:          platform,
		SourceURL:         req.SourceURL,
		DirectURL:         req.DirectURL,
		FormatID:          req.FormatID,
		RequestedFilename: SanitizeFilename(firstNonEmpty(req.Filename, "video.mp4")),
		Status:            task.StatusPending,
		Message:           "waiting for download request",
	})
	if err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, "InvalidTransition", "session already finished, use a new session id")
			return
		}
		slog.Error("failed to upsert task", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "StorageError", "failed to create download session")
		return
	}

	writeJSON(w, http.StatusOK, downloadURLResponse{
		Success:     true,
		SessionID:   sessionID,
		DownloadURL: "/api/download/" + sessionID,
	})
}

// handleDownload runs the streaming proxy for the session.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	rec, err := s.store.Get(sessionID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NotFound", "unknown download session")
			return
		}
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	if rec.Status.Terminal() {
		writeError(w, http.StatusConflict, "InvalidTransition",
			fmt.Sprintf("session already finished with status %s", rec.Status))
		return
	}

	s.stream(w, r, rec)
}

// handleProgress serves the one-directional SSE progress feed for a session.
// The stream self-terminates on the first terminal event or after the idle
// timeout, so browser connections never hang forever.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.hub.Subscribe(sessionID)
	defer sub.Close()

	if s.metrics != nil {
		s.metrics.Subscribers.Inc()
		defer s.metrics.Subscribers.Dec()
	}

	// Keep the task alive while someone is watching it.
	if err := s.store.Touch(sessionID); err != nil && !errors.Is(err, task.ErrNotFound) {
		slog.Warn("touch failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}

	idle := time.NewTimer(s.cfg.SSEIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, open := <-sub.Events():
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.SSEIdleTimeout)

		case <-idle.C:
			writeSSE(w, progress.Event{Status: progress.StatusTimeout, Message: "no progress updates"})
			flusher.Flush()
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev progress.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	if records == nil {
		records = []*task.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleCancel aborts an in-flight transfer. Cancelling an already-terminal
// task is a no-op, not an error.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	rec, err := s.store.Get(sessionID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NotFound", "unknown download session")
			return
		}
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	if rec.Status.Terminal() {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": rec.Status})
		return
	}

	active := s.cancelSession(sessionID)
	if !active {
		// No stream running; settle the record directly.
		if _, err := s.store.MarkStatus(sessionID, task.StatusCancelled, "cancelled by client", nil); err != nil &&
			!errors.Is(err, task.ErrInvalidTransition) {
			writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
			return
		}
		s.hub.Publish(sessionID, progress.Event{Status: progress.StatusError, Message: "cancelled by client"})
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": task.StatusCancelled})
}

// handleDeleteTask is the explicit reset operation: it aborts any active
// stream, removes the artifact and then the record, freeing the session id
// for a fresh attempt.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	s.cancelSession(sessionID)

	if err := s.store.Delete(sessionID); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NotFound", "unknown download session")
			return
		}
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	if err := artifact.RemoveSession(s.cfg.TempDir, sessionID); err != nil {
		slog.Warn("failed to remove session dir", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
