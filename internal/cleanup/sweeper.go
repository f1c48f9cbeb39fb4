// Package cleanup runs the periodic sweep that reclaims expired task records
// and their on-disk artifacts.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"snapload/internal/metrics"
)

// Store is the slice of the task store the sweeper needs.
type Store interface {
	CleanupExpired(now time.Time, activeGrace, terminalAfter time.Duration) (int, int64, error)
}

type Sweeper struct {
	store         Store
	interval      time.Duration
	activeGrace   time.Duration
	terminalAfter time.Duration
	metrics       *metrics.Metrics
}

func New(store Store, interval, activeGrace, terminalAfter time.Duration, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		store:         store,
		interval:      interval,
		activeGrace:   activeGrace,
		terminalAfter: terminalAfter,
		metrics:       m,
	}
}

// Run sweeps once at startup and then on every interval tick until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("cleanup sweeper started", slog.Duration("interval", s.interval))

	s.Sweep(time.Now().UTC())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup sweeper stopped")
			return
		case now := <-ticker.C:
			s.Sweep(now.UTC())
		}
	}
}

// Sweep performs a single cleanup pass. Per-record failures are logged inside
// the store and never abort the rest of the sweep.
func (s *Sweeper) Sweep(now time.Time) {
	removed, freed, err := s.store.CleanupExpired(now, s.activeGrace, s.terminalAfter)
	if err != nil {
		slog.Error("cleanup sweep failed", slog.String("error", err.Error()))
		return
	}
	if s.metrics != nil {
		s.metrics.CleanupRemoved.Add(float64(removed))
		s.metrics.CleanupBytesFreed.Add(float64(freed))
	}
	if removed > 0 {
		slog.Info("cleanup sweep done",
			slog.Int("removed", removed),
			slog.String("freed", humanize.Bytes(uint64(freed))),
		)
	}
}
