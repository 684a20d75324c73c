// Package metrics defines Prometheus metrics for the engine.
//
// All metrics register with the default registry via promauto, so
// exposing them is just mounting promhttp on a listener.
//
// Metric naming follows Prometheus conventions:
//   - ensemble_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesPublished counts ledger records appended through the bus.
	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_messages_published_total",
		Help: "Total number of messages published to cluster ledgers.",
	})

	// TriggersFired counts trigger evaluations that dispatched an action.
	TriggersFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_triggers_fired_total",
		Help: "Total number of fired triggers.",
	})

	// TriggersSkipped counts evaluations filtered out before firing
	// (topic mismatch excluded; counts logic false, republish filter,
	// idempotency hits).
	TriggersSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_triggers_skipped_total",
		Help: "Total number of trigger evaluations that did not fire.",
	})

	// TasksStarted counts tasks handed to the runner.
	TasksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_tasks_started_total",
		Help: "Total number of agent tasks started.",
	})

	// TasksCompleted counts tasks that finished successfully.
	TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_tasks_completed_total",
		Help: "Total number of agent tasks completed successfully.",
	})

	// TasksFailed counts tasks that ended in any failure, timeouts and
	// schema violations included.
	TasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_tasks_failed_total",
		Help: "Total number of agent tasks that failed.",
	})

	// TaskDuration is a histogram of wall-clock task duration.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ensemble_task_duration_seconds",
		Help:    "Duration of agent tasks in seconds.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
	})

	// RunningClusters tracks the number of clusters in the running state.
	RunningClusters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ensemble_running_clusters",
		Help: "Number of clusters currently running.",
	})
)
