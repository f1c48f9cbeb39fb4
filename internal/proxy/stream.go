package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"snapload/internal/artifact"
	"snapload/internal/progress"
	"snapload/internal/resolve"
	"snapload/internal/task"
)

var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrIncompleteTransfer  = errors.New("incomplete transfer")
	ErrForbiddenOrigin     = errors.New("origin not allowed")
	ErrTooLarge            = errors.New("download exceeds size limit")
)

// errClientGone marks a failed write to the client connection, which counts
// as cancellation rather than a server fault.
var errClientGone = errors.New("client connection lost")

// progressInterval throttles how often byte-level progress is published and
// mirrored onto the task record.
const progressInterval = 200 * time.Millisecond

// origin is the byte source selected for a streaming session.
type origin struct {
	rc          io.ReadCloser
	size        int64 // -1 when unknown
	contentType string
	// tempPath is the materialized artifact to discard once streaming ends.
	tempPath string
}

// stream proxies the session's origin bytes to the client, driving the task
// status machine and the progress hub along the way.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, rec *task.Record) {
	sessionID := rec.SessionID

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	detach := s.registerCancel(sessionID, cancel)
	defer detach()

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	org, err := s.openOrigin(ctx, rec)
	if err != nil {
		s.failStream(ctx, w, sessionID, err)
		return
	}
	defer org.rc.Close()
	if org.tempPath != "" {
		defer s.discardTemp(sessionID, org.tempPath)
	}

	if org.size > 0 && s.cfg.MaxDownloadBytes > 0 && org.size > s.cfg.MaxDownloadBytes {
		s.failStream(ctx, w, sessionID, fmt.Errorf("%w: %d bytes", ErrTooLarge, org.size))
		return
	}

	filename := rec.RequestedFilename
	if filename == "" {
		filename = "video.mp4"
	}
	contentType := org.contentType
	if contentType == "" {
		contentType = "video/mp4"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", SanitizeFilename(filename)))
	w.Header().Set("Cache-Control", "no-cache")
	if org.size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(org.size, 10))
	}

	if _, err := s.store.MarkStatus(sessionID, task.StatusStreaming, "streaming to client", nil); err != nil {
		slog.Warn("status update failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
	s.hub.Publish(sessionID, progress.Event{Status: progress.StatusStreaming, Message: "transfer started", Total: max0(org.size)})

	written, err := s.copyChunks(ctx, w, org.rc, sessionID, progress.StatusStreaming, org.size)
	if s.metrics != nil {
		s.metrics.BytesStreamed.Add(float64(written))
	}
	if err != nil {
		// Headers are out; all that is left is settling the record.
		s.settleFailure(ctx, sessionID, err)
		return
	}
	if org.size > 0 && written < org.size {
		s.settleFailure(ctx, sessionID, fmt.Errorf("%w: got %d of %d bytes", ErrIncompleteTransfer, written, org.size))
		return
	}

	if org.tempPath == "" && rec.StoragePath == "" {
		// Passthrough transfer: the size is only certain now.
		if _, err := s.store.RegisterStorage(sessionID, "", "", written); err != nil && !errors.Is(err, task.ErrNotFound) {
			slog.Warn("failed to record file size", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		}
	}

	pct := 100.0
	final := task.Progress{Status: progress.StatusComplete, Percent: &pct, Downloaded: written, Total: written}
	if _, err := s.store.MarkStatus(sessionID, task.StatusCompleted, "download complete", &final); err != nil {
		slog.Warn("status update failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
	s.hub.Publish(sessionID, progress.Event{
		Status: progress.StatusComplete, Message: "download complete",
		Percent: &pct, Downloaded: written, Total: written,
	})
	if s.metrics != nil {
		s.metrics.DownloadsFinished.WithLabelValues(string(task.StatusCompleted)).Inc()
	}
	slog.Info("stream finished",
		slog.String("session_id", sessionID),
		slog.Int64("bytes", written))
}

// openOrigin picks the byte source for the session, in order of preference:
// an artifact already on disk, the persisted direct URL, and finally a fresh
// resolution of the source URL (direct links for some platforms expire, so
// re-resolving by format id recovers a usable URL).
func (s *Server) openOrigin(ctx context.Context, rec *task.Record) (*origin, error) {
	if rec.StoragePath != "" && artifact.Exists(rec.StoragePath) {
		f, err := os.Open(rec.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("open artifact: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat artifact: %w", err)
		}
		if err := s.store.Touch(rec.SessionID); err != nil && !errors.Is(err, task.ErrNotFound) {
			slog.Warn("touch failed", slog.String("session_id", rec.SessionID), slog.String("error", err.Error()))
		}
		return &origin{rc: f, size: info.Size()}, nil
	}

	if rec.DirectURL != "" {
		return s.openHTTP(ctx, rec.SessionID, rec.DirectURL)
	}

	if rec.SourceURL == "" {
		return nil, fmt.Errorf("%w: session has no origin", ErrUpstreamUnavailable)
	}
	return s.reResolve(ctx, rec)
}

// reResolve runs the source URL through the gateway again and opens the
// rendition matching the task's format id.
func (s *Server) reResolve(ctx context.Context, rec *task.Record) (*origin, error) {
	sessionID := rec.SessionID

	if _, err := s.store.MarkStatus(sessionID, task.StatusResolving, "resolving source", nil); err != nil {
		return nil, err
	}
	s.hub.Publish(sessionID, progress.Event{Status: progress.StatusExtracting, Message: "resolving source"})

	platform, result, err := s.gateway.Resolve(ctx, rec.SourceURL)
	if err != nil {
		return nil, err
	}

	rend := pickRendition(result.Renditions, rec.FormatID)
	if rend == nil {
		return nil, fmt.Errorf("%w: format %q not offered by source", resolve.ErrResolution, rec.FormatID)
	}

	if rend.DirectURL != "" {
		// Persist the refreshed link so a retry can skip resolution.
		if _, err := s.store.Upsert(sessionID, task.Fields{DirectURL: rend.DirectURL, FormatID: rend.FormatID}); err != nil {
			slog.Warn("failed to persist refreshed url", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		}
		return s.openHTTP(ctx, sessionID, rend.DirectURL)
	}

	fetcher, ok := s.gateway.Fetcher(platform)
	if !ok {
		return nil, fmt.Errorf("%w: platform %q offers no byte stream", ErrUpstreamUnavailable, platform)
	}
	return s.materialize(ctx, rec, fetcher, rend.ExtractionHandle)
}

func pickRendition(renditions []resolve.Rendition, formatID string) *resolve.Rendition {
	if formatID == "" {
		if len(renditions) == 0 {
			return nil
		}
		return &renditions[0]
	}
	for i := range renditions {
		if renditions[i].FormatID == formatID {
			return &renditions[i]
		}
	}
	return nil
}

// openHTTP opens a direct URL as a passthrough stream.
func (s *Server) openHTTP(ctx context.Context, sessionID, rawURL string) (*origin, error) {
	if !s.cfg.AllowPrivateOrigins && !resolve.IsSafePublicURL(rawURL) {
		return nil, fmt.Errorf("%w: %s", ErrForbiddenOrigin, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: origin returned %s", ErrUpstreamUnavailable, resp.Status)
	}

	if _, err := s.store.MarkStatus(sessionID, task.StatusDownloading, "connected to origin", nil); err != nil {
		resp.Body.Close()
		return nil, err
	}
	s.hub.Publish(sessionID, progress.Event{Status: progress.StatusDownloading, Message: "connected to origin", Total: max0(resp.ContentLength)})

	return &origin{
		rc:          resp.Body,
		size:        resp.ContentLength,
		contentType: resp.Header.Get("Content-Type"),
	}, nil
}

// materialize pulls the extraction handle's bytes into a temp artifact, then
// reopens it for streaming. Platforms whose output is assembled on the fly
// cannot be passed through directly.
func (s *Server) materialize(ctx context.Context, rec *task.Record, fetcher resolve.Fetcher, handle string) (*origin, error) {
	sessionID := rec.SessionID

	if _, err := s.store.MarkStatus(sessionID, task.StatusDownloading, "fetching from source", nil); err != nil {
		return nil, err
	}
	s.hub.Publish(sessionID, progress.Event{Status: progress.StatusDownloading, Message: "fetching from source"})

	rc, size, err := fetcher.Fetch(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer rc.Close()

	if size > 0 && s.cfg.MaxDownloadBytes > 0 && size > s.cfg.MaxDownloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	if _, err := artifact.EnsureDir(s.cfg.TempDir, sessionID); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	path := artifact.Path(s.cfg.TempDir, sessionID, SanitizeFilename(rec.RequestedFilename))

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	written, err := s.copyChunks(ctx, f, rc, sessionID, progress.StatusDownloading, size)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	if size > 0 && written < size {
		os.Remove(path)
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrIncompleteTransfer, written, size)
	}

	if _, err := s.store.RegisterStorage(sessionID, path, task.StorageTemp, written); err != nil {
		slog.Warn("failed to register artifact", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
	if _, err := s.store.MarkStatus(sessionID, task.StatusProcessing, "preparing transfer", nil); err != nil {
		return nil, err
	}
	s.hub.Publish(sessionID, progress.Event{Status: progress.StatusProcessing, Message: "preparing transfer"})

	out, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reopen artifact: %w", err)
	}
	return &origin{rc: out, size: written, tempPath: path}, nil
}

// copyChunks moves bytes in fixed-size chunks, publishing throttled progress
// and enforcing the size cap when the origin did not declare a length.
func (s *Server) copyChunks(ctx context.Context, dst io.Writer, src io.Reader, sessionID, phase string, total int64) (int64, error) {
	buf := make([]byte, s.cfg.ChunkSize)
	var written int64
	lastPublish := time.Now()

	flusher, _ := dst.(http.Flusher)

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if flusher != nil {
					return written, fmt.Errorf("%w: %v", errClientGone, werr)
				}
				return written, fmt.Errorf("write artifact: %w", werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
			written += int64(n)

			if s.cfg.MaxDownloadBytes > 0 && written > s.cfg.MaxDownloadBytes {
				return written, fmt.Errorf("%w: cap is %d bytes", ErrTooLarge, s.cfg.MaxDownloadBytes)
			}

			if now := time.Now(); now.Sub(lastPublish) >= progressInterval {
				lastPublish = now
				s.publishProgress(sessionID, phase, written, total)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, rerr)
		}
	}
}

// publishProgress emits one throttled byte-count update to the hub and
// mirrors it onto the record. Percent is only reported when the total is
// known.
func (s *Server) publishProgress(sessionID, phase string, written, total int64) {
	ev := progress.Event{
		Status:     phase,
		Downloaded: written,
		Total:      max0(total),
	}
	if total > 0 {
		pct := float64(written) / float64(total) * 100
		ev.Percent = &pct
	}
	s.hub.Publish(sessionID, ev)

	snap := task.Progress{
		Status:     ev.Status,
		Percent:    ev.Percent,
		Downloaded: ev.Downloaded,
		Total:      ev.Total,
	}
	var status task.Status
	switch phase {
	case progress.StatusDownloading:
		status = task.StatusDownloading
	default:
		status = task.StatusStreaming
	}
	if _, err := s.store.MarkStatus(sessionID, status, "", &snap); err != nil &&
		!errors.Is(err, task.ErrInvalidTransition) && !errors.Is(err, task.ErrNotFound) {
		slog.Warn("progress update failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// failStream reports a pre-transfer failure to the client and settles the
// record. Response headers have not been written yet at this point.
func (s *Server) failStream(ctx context.Context, w http.ResponseWriter, sessionID string, err error) {
	s.settleFailure(ctx, sessionID, err)
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		writeError(w, http.StatusConflict, "Cancelled", "download cancelled")
		return
	}
	kind, code := classifyStreamError(err)
	writeError(w, code, kind, err.Error())
}

// settleFailure records the terminal outcome of a failed or aborted stream:
// cancellation when the context was cut, error otherwise.
func (s *Server) settleFailure(ctx context.Context, sessionID string, err error) {
	status := task.StatusError
	message := err.Error()
	if errors.Is(err, context.Canceled) || errors.Is(err, errClientGone) || ctx.Err() != nil {
		status = task.StatusCancelled
		message = "download cancelled"
	}

	if _, serr := s.store.MarkStatus(sessionID, status, message, nil); serr != nil &&
		!errors.Is(serr, task.ErrInvalidTransition) && !errors.Is(serr, task.ErrNotFound) {
		slog.Warn("status update failed", slog.String("session_id", sessionID), slog.String("error", serr.Error()))
	}
	s.hub.Publish(sessionID, progress.Event{Status: progress.StatusError, Message: message})
	if s.metrics != nil {
		s.metrics.DownloadsFinished.WithLabelValues(string(status)).Inc()
	}
	slog.Warn("stream failed",
		slog.String("session_id", sessionID),
		slog.String("status", string(status)),
		slog.String("error", message))
}

// discardTemp removes a materialized temp artifact once the response is done
// and marks the record so listings no longer point at a deleted file.
func (s *Server) discardTemp(sessionID, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove temp artifact", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	// The per-session directory is empty now; Remove refuses non-empty dirs,
	// so this cannot race a concurrent re-materialization destructively.
	if err := os.Remove(filepath.Dir(path)); err != nil && !os.IsNotExist(err) {
		slog.Debug("session dir not removed", slog.String("dir", filepath.Dir(path)), slog.String("error", err.Error()))
	}
	if err := s.store.MarkFileDeleted(sessionID); err != nil && !errors.Is(err, task.ErrNotFound) {
		slog.Warn("failed to mark file deleted", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

func classifyStreamError(err error) (kind string, code int) {
	switch {
	case errors.Is(err, ErrForbiddenOrigin):
		return "ForbiddenOrigin", http.StatusForbidden
	case errors.Is(err, ErrTooLarge):
		return "TooLarge", http.StatusRequestEntityTooLarge
	case errors.Is(err, resolve.ErrResolution):
		return "ResolutionError", http.StatusBadGateway
	case errors.Is(err, ErrIncompleteTransfer):
		return "IncompleteTransfer", http.StatusBadGateway
	case errors.Is(err, ErrUpstreamUnavailable):
		return "UpstreamUnavailable", http.StatusBadGateway
	default:
		return "StreamError", http.StatusInternalServerError
	}
}

func max0(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
