// Package metrics registers the Prometheus metrics for the Inferno core:
// counters, gauges, and histograms for inference, queueing, workers, system
// state, and persistence.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Inference ──────────────────────────────────────────────────────────────

// InferenceRequests counts submitted requests by model and terminal outcome.
var InferenceRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "inferno",
	Name:      "inference_requests_total",
	Help:      "Total inference requests by model and outcome.",
}, []string{"model", "outcome"})

// InferenceTokens counts generated tokens.
var InferenceTokens = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "inferno",
	Name:      "inference_tokens_total",
	Help:      "Total tokens generated.",
}, []string{"model"})

// InferenceLatency tracks end-to-end request duration in seconds.
var InferenceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "inferno",
	Name:      "inference_latency_seconds",
	Help:      "Inference request duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"model"})

// InferenceRetries counts scheduler-driven retries.
var InferenceRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "inferno",
	Name:      "inference_retries_total",
	Help:      "Total requests re-queued after a worker failure.",
})

// ─── Queue ──────────────────────────────────────────────────────────────────

// QueueDepth tracks pending requests.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "inferno",
	Name:      "queue_depth",
	Help:      "Number of pending requests in the priority queue.",
})

// QueueWait tracks queue wait per priority, queued-to-assigned.
var QueueWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "inferno",
	Name:      "queue_wait_seconds",
	Help:      "Time from enqueue to worker assignment.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
}, []string{"priority"})

// QueueSaturated counts admissions under elevated backpressure.
var QueueSaturated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "inferno",
	Name:      "queue_saturated_total",
	Help:      "Submissions admitted while backpressure was elevated.",
})

// QueueRejected counts refused submissions.
var QueueRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "inferno",
	Name:      "queue_rejected_total",
	Help:      "Submissions refused by backpressure or validation.",
}, []string{"reason"})

// FairnessScore tracks the scheduler's fairness score.
var FairnessScore = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "inferno",
	Name:      "fairness_score",
	Help:      "Fraction of assigned requests that met the starvation threshold.",
})

// ─── Workers ────────────────────────────────────────────────────────────────

// Workers tracks the worker count per model pool.
var Workers = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "inferno",
	Name:      "workers",
	Help:      "Worker count per model pool.",
}, []string{"model"})

// WorkerScaleEvents counts scale-ups and scale-downs.
var WorkerScaleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "inferno",
	Name:      "worker_scale_events_total",
	Help:      "Pool scaling decisions by direction.",
}, []string{"model", "direction"})

// ─── System ─────────────────────────────────────────────────────────────────

// SystemProfile tracks the active performance profile (labels flip 0/1).
var SystemProfile = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "inferno",
	Name:      "system_profile",
	Help:      "Active performance profile (1 = active).",
}, []string{"profile"})

// ProfileChanges counts recommended-profile flips.
var ProfileChanges = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "inferno",
	Name:      "system_profile_changes_total",
	Help:      "Total performance profile changes.",
})

// ─── Persistence ────────────────────────────────────────────────────────────

// Checkpoints counts checkpoint writes by outcome.
var Checkpoints = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "inferno",
	Name:      "checkpoints_total",
	Help:      "Checkpoint writes by outcome.",
}, []string{"outcome"})
