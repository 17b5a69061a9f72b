// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProcessedAssignments counts assignments delivered to downstream consumers.
var ProcessedAssignments = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audience_engine_processed_assignments_total",
	Help: "Number of assignment changes delivered, by consumer type.",
}, []string{"workspace_id", "consumer"})

// FailedRuns counts per-workspace compute runs that exhausted their retries.
var FailedRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audience_engine_failed_runs_total",
	Help: "Number of failed compute runs.",
}, []string{"workspace_id"})

// QueueDropped counts workspace ids dropped on queue overflow.
var QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "audience_engine_queue_dropped_total",
	Help: "Number of enqueue attempts dropped because the queue was full.",
})
