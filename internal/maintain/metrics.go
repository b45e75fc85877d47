package maintain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level collectors on the default registerer; the HTTP server
// exposes them on /metrics.
var (
	taskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "maintain",
		Name:      "task_runs_total",
		Help:      "Maintenance task executions by outcome.",
	}, []string{"task", "status"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recall",
		Subsystem: "maintain",
		Name:      "task_duration_seconds",
		Help:      "Maintenance task wall time.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"task"})

	consolidatedItems = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "maintain",
		Name:      "consolidated_items_total",
		Help:      "Memory items merged away by consolidation.",
	})

	tombstoneRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recall",
		Subsystem: "vector",
		Name:      "tombstone_ratio",
		Help:      "Fraction of deleted entries in the vector index.",
	})
)

// ObserveTombstoneRatio publishes the current vector tombstone ratio.
func ObserveTombstoneRatio(r float64) {
	tombstoneRatio.Set(r)
}
