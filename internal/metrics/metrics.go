// Package metrics holds the Prometheus collectors for the download service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	// DownloadsFinished counts streams by terminal status (completed, error, cancelled).
	DownloadsFinished *prometheus.CounterVec
	BytesStreamed     prometheus.Counter
	ActiveStreams     prometheus.Gauge
	Subscribers       prometheus.Gauge
	CleanupRemoved    prometheus.Counter
	CleanupBytesFreed prometheus.Counter
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DownloadsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapload_downloads_finished_total",
				Help: "Streams finished, by terminal status",
			},
			[]string{"status"},
		),
		BytesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapload_bytes_streamed_total",
			Help: "Total bytes proxied to clients",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snapload_active_streams",
			Help: "Streams currently in flight",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snapload_progress_subscribers",
			Help: "Open progress stream connections",
		}),
		CleanupRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapload_cleanup_removed_total",
			Help: "Task records removed by the cleanup sweeper",
		}),
		CleanupBytesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapload_cleanup_bytes_freed_total",
			Help: "Artifact bytes reclaimed by the cleanup sweeper",
		}),
	}

	reg.MustRegister(
		m.DownloadsFinished,
		m.BytesStreamed,
		m.ActiveStreams,
		m.Subscribers,
		m.CleanupRemoved,
		m.CleanupBytesFreed,
	)
	return m
}
