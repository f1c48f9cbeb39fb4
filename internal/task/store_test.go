package task

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	// Tests skip the busy_timeout pragma the server sets up, so serialize at
	// the pool instead of risking SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, 24*time.Hour)
	require.NoError(t, err)
	return store
}

func TestStore_UpsertCreatesAndMerges(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.Upsert("s1", Fields{
		Platform:  "youtube",
		SourceURL: "https://example.com/watch?v=abc",
		Status:    StatusPending,
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, StatusPending, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.True(t, rec.ExpiresAt.After(time.Now()))

	created := rec.CreatedAt

	// Second upsert merges fields into the same record.
	rec, err = store.Upsert("s1", Fields{
		DirectURL: "https://cdn.example.com/v.mp4",
		FormatID:  "best",
	})
	require.NoError(t, err)
	assert.Equal(t, "youtube", rec.Platform, "earlier fields survive the merge")
	assert.Equal(t, "https://cdn.example.com/v.mp4", rec.DirectURL)
	assert.Equal(t, "best", rec.FormatID)
	assert.Equal(t, created, rec.CreatedAt, "created_at never changes after insert")

	records, err := store.List()
	require.NoError(t, err)
	assert.Len(t, records, 1, "upsert must not duplicate the session")
}

func TestStore_UpsertTerminalIsImmutable(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upsert("s1", Fields{Status: StatusPending})
	require.NoError(t, err)
	_, err = store.MarkStatus("s1", StatusError, "boom", nil)
	require.NoError(t, err)

	before, err := store.Get("s1")
	require.NoError(t, err)

	_, err = store.Upsert("s1", Fields{Message: "please restart"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	after, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected write must leave the record unchanged")
}

func TestStore_MarkStatusValidatesTransitions(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upsert("s1", Fields{Status: StatusPending})
	require.NoError(t, err)

	rec, err := store.MarkStatus("s1", StatusDownloading, "connected", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusDownloading, rec.Status)
	assert.Equal(t, "connected", rec.Message)

	// Backwards is rejected, record keeps its state.
	_, err = store.MarkStatus("s1", StatusResolving, "", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	rec, err = store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusDownloading, rec.Status)

	pct := 50.0
	rec, err = store.MarkStatus("s1", StatusDownloading, "", &Progress{
		Status: "downloading", Percent: &pct, Downloaded: 500, Total: 1000,
	})
	require.NoError(t, err)
	require.NotNil(t, rec.LastProgress)
	assert.Equal(t, int64(500), rec.LastProgress.Downloaded)
	require.NotNil(t, rec.LastProgress.Percent)
	assert.InDelta(t, 50.0, *rec.LastProgress.Percent, 0.001)

	_, err = store.MarkStatus("s1", StatusCompleted, "done", nil)
	require.NoError(t, err)
	_, err = store.MarkStatus("s1", StatusError, "too late", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStore_MarkStatusUnknownSession(t *testing.T) {
	store := newTestStore(t)
	_, err := store.MarkStatus("nope", StatusDownloading, "", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ProgressSurvivesRoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upsert("s1", Fields{Status: StatusDownloading})
	require.NoError(t, err)

	// Unknown total: percent stays nil rather than being fabricated.
	_, err = store.MarkStatus("s1", StatusDownloading, "", &Progress{
		Status: "downloading", Downloaded: 1024,
	})
	require.NoError(t, err)

	rec, err := store.Get("s1")
	require.NoError(t, err)
	require.NotNil(t, rec.LastProgress)
	assert.Nil(t, rec.LastProgress.Percent)
	assert.Equal(t, int64(1024), rec.LastProgress.Downloaded)
}

func TestStore_RegisterStorage(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upsert("s1", Fields{Status: StatusDownloading})
	require.NoError(t, err)

	rec, err := store.RegisterStorage("s1", "/tmp/s1/video.mp4", StorageTemp, 2048)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/s1/video.mp4", rec.StoragePath)
	assert.Equal(t, StorageTemp, rec.StorageType)
	assert.Equal(t, int64(2048), rec.FileSize)

	// Clearing the path clears the type with it.
	rec, err = store.RegisterStorage("s1", "", StorageTemp, 0)
	require.NoError(t, err)
	assert.Empty(t, rec.StoragePath)
	assert.Empty(t, string(rec.StorageType))
}

func TestStore_MarkFileDeletedSettlesActiveTask(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upsert("s1", Fields{Status: StatusStreaming})
	require.NoError(t, err)
	_, err = store.RegisterStorage("s1", "/tmp/s1/video.mp4", StorageTemp, 100)
	require.NoError(t, err)

	require.NoError(t, store.MarkFileDeleted("s1"))

	rec, err := store.Get("s1")
	require.NoError(t, err)
	assert.Empty(t, rec.StoragePath)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)

	sessionDir := filepath.Join(t.TempDir(), "s1")
	require.NoError(t, os.MkdirAll(sessionDir, 0755))
	path := filepath.Join(sessionDir, "video.mp4")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))

	_, err := store.Upsert("s1", Fields{Status: StatusCompleted})
	require.NoError(t, err)
	_, err = store.RegisterStorage("s1", path, StorageTemp, 4)
	require.NoError(t, err)

	require.NoError(t, store.Delete("s1"))

	_, err = store.Get("s1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "artifact should be gone")
	_, err = os.Stat(sessionDir)
	assert.True(t, os.IsNotExist(err), "empty session dir should be gone with its artifact")

	assert.ErrorIs(t, store.Delete("s1"), ErrNotFound)
}

func TestStore_CleanupExpired(t *testing.T) {
	store := newTestStore(t)

	// Expired with an artifact in its per-session directory.
	sessionDir := filepath.Join(t.TempDir(), "expired")
	require.NoError(t, os.MkdirAll(sessionDir, 0755))
	artifactPath := filepath.Join(sessionDir, "old.mp4")
	require.NoError(t, os.WriteFile(artifactPath, []byte("0123456789"), 0644))
	_, err := store.Upsert("expired", Fields{Status: StatusCompleted})
	require.NoError(t, err)
	_, err = store.RegisterStorage("expired", artifactPath, StorageTemp, 10)
	require.NoError(t, err)

	_, err = store.Upsert("other", Fields{Status: StatusDownloading})
	require.NoError(t, err)

	// Sweep past the 24h retention window: both records have expired and
	// neither was accessed within the grace window relative to that instant.
	future := time.Now().UTC().Add(25 * time.Hour)

	removed, freed, err := store.CleanupExpired(future, time.Minute, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, removed)
	assert.Equal(t, int64(10), freed)
	_, statErr := os.Stat(artifactPath)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(sessionDir)
	assert.True(t, os.IsNotExist(statErr), "session dir should be reaped with its artifact")
}

func TestStore_CleanupKeepsActiveAndFuture(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upsert("active", Fields{Status: StatusStreaming})
	require.NoError(t, err)
	_, err = store.Upsert("future", Fields{Status: StatusPending})
	require.NoError(t, err)

	// Sweep at a time when neither has expired and terminal staleness does
	// not apply.
	removed, freed, err := store.CleanupExpired(time.Now().UTC(), 10*time.Minute, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Zero(t, freed)

	_, err = store.Get("active")
	assert.NoError(t, err)
	_, err = store.Get("future")
	assert.NoError(t, err)
}

func TestStore_CleanupReapsStaleTerminal(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upsert("done", Fields{Status: StatusPending})
	require.NoError(t, err)
	_, err = store.MarkStatus("done", StatusCompleted, "done", nil)
	require.NoError(t, err)

	// Terminal and past the terminal retention window, even though the
	// nominal 24h expiry is far away.
	removed, _, err := store.CleanupExpired(time.Now().UTC().Add(2*time.Hour), 10*time.Minute, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Get("done")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CleanupSparesRecentlyAccessedActive(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upsert("busy", Fields{Status: StatusStreaming})
	require.NoError(t, err)

	// Nominally expired, but accessed within the grace window.
	removed, _, err := store.CleanupExpired(time.Now().UTC().Add(25*time.Hour), 26*time.Hour, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, err = store.Get("busy")
	assert.NoError(t, err)
}

func TestStore_Touch(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upsert("s1", Fields{Status: StatusPending})
	require.NoError(t, err)

	before, err := store.Get("s1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.Touch("s1"))

	after, err := store.Get("s1")
	require.NoError(t, err)
	assert.True(t, after.LastAccessedAt.After(before.LastAccessedAt))

	assert.ErrorIs(t, store.Touch("missing"), ErrNotFound)
}

func TestStore_LockEntrySurvivesDelete(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upsert("s1", Fields{Status: StatusPending})
	require.NoError(t, err)

	// A waiter queued behind the session lock must stay serialized even when
	// the lock holder is Delete, which removes the record.
	l := store.lockSession("s1")

	done := make(chan error, 1)
	go func() { done <- store.Delete("s1") }()

	select {
	case err := <-done:
		t.Fatalf("delete ran while the session lock was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	store.unlockSession("s1", l)
	require.NoError(t, <-done)

	store.mu.Lock()
	_, present := store.locks["s1"]
	store.mu.Unlock()
	assert.False(t, present, "lock entry should be pruned once the last holder releases it")
}

func TestStore_ConcurrentUpsertAndDelete(t *testing.T) {
	store := newTestStore(t)

	// Racing writers against Delete must never observe a stale lock entry:
	// two Upserts both seeing the record absent would collide on the primary
	// key.
	for round := 0; round < 20; round++ {
		id := fmt.Sprintf("s%d", round)
		_, err := store.Upsert(id, Fields{Status: StatusPending})
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.Upsert(id, Fields{Status: StatusPending}); err != nil {
					errs <- err
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Delete(id); err != nil && !errors.Is(err, ErrNotFound) {
				errs <- err
			}
		}()
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("round %d: %v", round, err)
		}
	}
}
