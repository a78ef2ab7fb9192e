package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Storage metrics
	BlobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vellum_blobs_total",
			Help: "Total number of blobs by file type",
		},
		[]string{"file_type"},
	)

	StorageBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vellum_storage_bytes",
			Help: "Total blob storage size in bytes by file type",
		},
		[]string{"file_type"},
	)

	CatalogEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vellum_catalog_entries",
			Help: "Catalog entries by deletion state",
		},
		[]string{"state"},
	)

	// Lock metrics
	ActiveLocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vellum_active_locks",
			Help: "Number of active (non-stale) file locks",
		},
	)

	LockTakeovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vellum_lock_takeovers_total",
			Help: "Total stale lock takeovers",
		},
	)

	// Sync metrics
	SyncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vellum_sync_runs_total",
			Help: "Total sync runs by outcome",
		},
		[]string{"outcome"}, // completed, skipped, failed
	)

	SyncTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vellum_sync_transfers_total",
			Help: "Total blobs transferred during sync by direction",
		},
		[]string{"direction"}, // upload, download
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vellum_sync_duration_seconds",
			Help:    "Duration of sync runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// GC metrics
	GCRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vellum_gc_runs_total",
			Help: "Total garbage collection runs",
		},
	)

	GCReclaimedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vellum_gc_reclaimed_bytes_total",
			Help: "Total bytes reclaimed by garbage collection",
		},
	)
)

// Register registers all metrics with the given registry (or the
// default registry when nil).
func Register(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		BlobsTotal,
		StorageBytes,
		CatalogEntries,
		ActiveLocks,
		LockTakeovers,
		SyncRuns,
		SyncTransfers,
		SyncDuration,
		GCRuns,
		GCReclaimedBytes,
	)
}

// Timer measures operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a started timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in a histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}
