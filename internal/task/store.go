package task

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store is the durable source of truth for task records. Writes for the same
// session id are serialized through a per-session lock; different sessions
// proceed independently.
type Store struct {
	db        *sql.DB
	retention time.Duration

	mu    sync.Mutex
	locks map[string]*sessionLock
}

func NewStore(db *sql.DB, retention time.Duration) (*Store, error) {
	s := &Store{
		db:        db,
		retention: retention,
		locks:     make(map[string]*sessionLock),
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS download_tasks (
		session_id TEXT PRIMARY KEY,
		platform TEXT NOT NULL DEFAULT '',
		source_url TEXT NOT NULL DEFAULT '',
		direct_url TEXT NOT NULL DEFAULT '',
		requested_filename TEXT NOT NULL DEFAULT '',
		format_id TEXT NOT NULL DEFAULT '',
		storage_path TEXT NOT NULL DEFAULT '',
		storage_type TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		last_progress TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_accessed_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_download_tasks_status ON download_tasks(status);
	CREATE INDEX IF NOT EXISTS idx_download_tasks_expires_at ON download_tasks(expires_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// sessionLock serializes store calls for one session id. Entries are
// reference counted: a goroutine queued behind the lock has already taken a
// reference, so the entry can never be swapped out from under it, and the
// entry is pruned as soon as the last holder releases it.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (s *Store) lockSession(sessionID string) *sessionLock {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

func (s *Store) unlockSession(sessionID string, l *sessionLock) {
	l.mu.Unlock()
	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, sessionID)
	}
	s.mu.Unlock()
}

const recordColumns = `session_id, platform, source_url, direct_url, requested_filename, format_id,
	storage_path, storage_type, file_size, status, message, last_progress,
	created_at, updated_at, last_accessed_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var storageType, status, progress string
	err := row.Scan(
		&rec.SessionID, &rec.Platform, &rec.SourceURL, &rec.DirectURL, &rec.RequestedFilename, &rec.FormatID,
		&rec.StoragePath, &storageType, &rec.FileSize, &status, &rec.Message, &progress,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.LastAccessedAt, &rec.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.StorageType = StorageType(storageType)
	rec.Status = Status(status)
	if progress != "" {
		var p Progress
		if err := json.Unmarshal([]byte(progress), &p); err == nil {
			rec.LastProgress = &p
		}
	}
	return &rec, nil
}

func (s *Store) get(sessionID string) (*Record, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM download_tasks WHERE session_id = ?`, sessionID)
	return scanRecord(row)
}

func (s *Store) insert(rec *Record) error {
	query := `INSERT INTO download_tasks (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query,
		rec.SessionID, rec.Platform, rec.SourceURL, rec.DirectURL, rec.RequestedFilename, rec.FormatID,
		rec.StoragePath, string(rec.StorageType), rec.FileSize, string(rec.Status), rec.Message, marshalProgress(rec.LastProgress),
		rec.CreatedAt, rec.UpdatedAt, rec.LastAccessedAt, rec.ExpiresAt,
	)
	return err
}

func (s *Store) update(rec *Record) error {
	query := `UPDATE download_tasks SET
		platform = ?, source_url = ?, direct_url = ?, requested_filename = ?, format_id = ?,
		storage_path = ?, storage_type = ?, file_size = ?, status = ?, message = ?, last_progress = ?,
		updated_at = ?, last_accessed_at = ?, expires_at = ?
		WHERE session_id = ?`
	_, err := s.db.Exec(query,
		rec.Platform, rec.SourceURL, rec.DirectURL, rec.RequestedFilename, rec.FormatID,
		rec.StoragePath, string(rec.StorageType), rec.FileSize, string(rec.Status), rec.Message, marshalProgress(rec.LastProgress),
		rec.UpdatedAt, rec.LastAccessedAt, rec.ExpiresAt,
		rec.SessionID,
	)
	return err
}

func marshalProgress(p *Progress) string {
	if p == nil {
		return ""
	}
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(data)
}

func applyFields(rec *Record, f Fields) {
	if f.Platform != "" {
		rec.Platform = f.Platform
	}
	if f.SourceURL != "" {
		rec.SourceURL = f.SourceURL
	}
	if f.DirectURL != "" {
		rec.DirectURL = f.DirectURL
	}
	if f.RequestedFilename != "" {
		rec.RequestedFilename = f.RequestedFilename
	}
	if f.FormatID != "" {
		rec.FormatID = f.FormatID
	}
	if f.Message != "" {
		rec.Message = f.Message
	}
}

// Upsert creates the record for sessionID if absent, otherwise merges the
// supplied fields into it. CreatedAt is never mutated after first insert, and
// the expiry window is extended from now on every call. A terminal record is
// immutable; upserting it returns ErrInvalidTransition.
func (s *Store) Upsert(sessionID string, f Fields) (*Record, error) {
	l := s.lockSession(sessionID)
	defer s.unlockSession(sessionID, l)

	now := time.Now().UTC()
	rec, err := s.get(sessionID)
	switch {
	case err == nil:
		if rec.Status.Terminal() {
			return rec, ErrInvalidTransition
		}
		if f.Status != "" && f.Status != rec.Status {
			if !rec.Status.CanTransition(f.Status) {
				return rec, ErrInvalidTransition
			}
			rec.Status = f.Status
		}
		applyFields(rec, f)
		rec.UpdatedAt = now
		rec.LastAccessedAt = now
		rec.ExpiresAt = now.Add(s.retention)
		if err := s.update(rec); err != nil {
			return nil, err
		}
		return rec, nil

	case errors.Is(err, ErrNotFound):
		rec = &Record{
			SessionID:      sessionID,
			Status:         StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastAccessedAt: now,
			ExpiresAt:      now.Add(s.retention),
		}
		if f.Status != "" {
			rec.Status = f.Status
		}
		applyFields(rec, f)
		if err := s.insert(rec); err != nil {
			return nil, err
		}
		return rec, nil

	default:
		return nil, err
	}
}

// MarkStatus validates the transition against the state machine and records
// the new status, message and optional progress snapshot. Marking a terminal
// record, or an unreachable status, returns ErrInvalidTransition and leaves
// the record unchanged.
func (s *Store) MarkStatus(sessionID string, status Status, message string, progress *Progress) (*Record, error) {
	l := s.lockSession(sessionID)
	defer s.unlockSession(sessionID, l)

	rec, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, ErrInvalidTransition
	}
	if status != rec.Status && !rec.Status.CanTransition(status) {
		return rec, ErrInvalidTransition
	}

	now := time.Now().UTC()
	rec.Status = status
	if message != "" {
		rec.Message = message
	}
	if progress != nil {
		rec.LastProgress = progress
	}
	rec.UpdatedAt = now
	rec.LastAccessedAt = now
	rec.ExpiresAt = now.Add(s.retention)
	if err := s.update(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RegisterStorage records where the artifact lives and recomputes the expiry
// window from now. An empty path clears the storage type as well, keeping the
// path/type invariant intact.
func (s *Store) RegisterStorage(sessionID, path string, storageType StorageType, fileSize int64) (*Record, error) {
	l := s.lockSession(sessionID)
	defer s.unlockSession(sessionID, l)

	rec, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec.StoragePath = path
	if path == "" {
		rec.StorageType = ""
	} else {
		rec.StorageType = storageType
	}
	if fileSize > 0 {
		rec.FileSize = fileSize
	}
	rec.UpdatedAt = now
	rec.LastAccessedAt = now
	rec.ExpiresAt = now.Add(s.retention)
	if err := s.update(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkFileDeleted clears the stored artifact metadata after streaming has
// consumed it and settles a still-active task into completed.
func (s *Store) MarkFileDeleted(sessionID string) error {
	l := s.lockSession(sessionID)
	defer s.unlockSession(sessionID, l)

	rec, err := s.get(sessionID)
	if err != nil {
		return err
	}
	rec.StoragePath = ""
	rec.StorageType = ""
	if !rec.Status.Terminal() {
		rec.Status = StatusCompleted
	}
	now := time.Now().UTC()
	rec.UpdatedAt = now
	rec.LastAccessedAt = now
	return s.update(rec)
}

// Touch refreshes last_accessed_at so an actively polled task is not reaped.
func (s *Store) Touch(sessionID string) error {
	l := s.lockSession(sessionID)
	defer s.unlockSession(sessionID, l)

	res, err := s.db.Exec(`UPDATE download_tasks SET last_accessed_at = ? WHERE session_id = ?`,
		time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Get(sessionID string) (*Record, error) {
	l := s.lockSession(sessionID)
	defer s.unlockSession(sessionID, l)
	return s.get(sessionID)
}

func (s *Store) List() ([]*Record, error) {
	rows, err := s.db.Query(`SELECT ` + recordColumns + ` FROM download_tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes the record and best-effort deletes its artifact. Used by the
// explicit reset operation; a missing file is not an error.
func (s *Store) Delete(sessionID string) error {
	l := s.lockSession(sessionID)
	defer s.unlockSession(sessionID, l)

	rec, err := s.get(sessionID)
	if err != nil {
		return err
	}
	if rec.StoragePath != "" {
		if err := os.Remove(rec.StoragePath); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove artifact", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		}
		removeArtifactDir(rec.StoragePath)
	}
	if _, err := s.db.Exec(`DELETE FROM download_tasks WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	return nil
}

// removeArtifactDir drops the per-session directory holding the artifact once
// the artifact itself is gone. Remove refuses non-empty directories, so this
// is safe to call unconditionally.
func removeArtifactDir(artifactPath string) {
	if err := os.Remove(filepath.Dir(artifactPath)); err != nil && !os.IsNotExist(err) {
		slog.Debug("session dir not removed", slog.String("dir", filepath.Dir(artifactPath)), slog.String("error", err.Error()))
	}
}

// CleanupExpired reaps records past expires_at, and terminal records whose
// last update is older than terminalAfter. A non-terminal record accessed
// within activeGrace is left alone even when nominally expired, so an
// in-flight stream is never pulled out from under its session. Artifact
// deletion failures keep the record for the next sweep.
func (s *Store) CleanupExpired(now time.Time, activeGrace, terminalAfter time.Duration) (int, int64, error) {
	rows, err := s.db.Query(
		`SELECT session_id FROM download_tasks
		 WHERE expires_at < ?
		    OR (status IN ('completed', 'error', 'cancelled') AND updated_at < ?)`,
		now, now.Add(-terminalAfter),
	)
	if err != nil {
		return 0, 0, err
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	removed := 0
	var freed int64
	for _, id := range candidates {
		n, bytes := s.reapCandidate(id, now, activeGrace, terminalAfter)
		removed += n
		freed += bytes
	}
	return removed, freed, nil
}

// reapCandidate re-checks one candidate under its session lock and removes it
// if it is still eligible. Returns (1, bytesFreed) when the record was reaped.
func (s *Store) reapCandidate(id string, now time.Time, activeGrace, terminalAfter time.Duration) (int, int64) {
	l := s.lockSession(id)
	defer s.unlockSession(id, l)

	rec, err := s.get(id)
	if err != nil {
		return 0, 0
	}
	expired := now.After(rec.ExpiresAt)
	stale := rec.Status.Terminal() && rec.UpdatedAt.Before(now.Add(-terminalAfter))
	if !expired && !stale {
		return 0, 0
	}
	if !rec.Status.Terminal() && now.Sub(rec.LastAccessedAt) < activeGrace {
		// Still in use; it will expire for real once the session goes quiet.
		return 0, 0
	}

	var freed int64
	if rec.StoragePath != "" {
		if info, err := os.Stat(rec.StoragePath); err == nil {
			freed = info.Size()
		}
		if err := os.Remove(rec.StoragePath); err != nil && !os.IsNotExist(err) {
			slog.Warn("cleanup failed to remove artifact, retrying next sweep",
				slog.String("session_id", id), slog.String("error", err.Error()))
			return 0, 0
		}
		removeArtifactDir(rec.StoragePath)
	}
	if _, err := s.db.Exec(`DELETE FROM download_tasks WHERE session_id = ?`, id); err != nil {
		slog.Warn("cleanup failed to delete record", slog.String("session_id", id), slog.String("error", err.Error()))
		return 0, 0
	}
	return 1, freed
}
