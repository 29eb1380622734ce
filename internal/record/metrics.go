package record

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// recordsTotal counts Record calls by outcome.
	// Labels: result (ok, rejected, failed)
	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "learnd",
			Subsystem: "record",
			Name:      "operations_total",
			Help:      "Total number of record write operations by result",
		},
		[]string{"result"},
	)

	// stepDuration tracks per-step latency across the write path.
	// Labels: step (validate, write_document, write_index, lock_wait, commit)
	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "learnd",
			Subsystem: "record",
			Name:      "step_duration_seconds",
			Help:      "Duration of individual write-path steps in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	// rollbacksTotal counts rollback invocations by the step that
	// triggered them.
	rollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "learnd",
			Subsystem: "record",
			Name:      "rollbacks_total",
			Help:      "Total number of rollbacks by triggering step",
		},
		[]string{"step"},
	)

	// rollbackFailures counts undo actions that themselves failed.
	rollbackFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "learnd",
			Subsystem: "record",
			Name:      "rollback_failures_total",
			Help:      "Total number of failed rollback undo actions",
		},
	)
)
