package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatcher"

var (
	// ItemsProcessed counts content items drained by the orchestrator.
	// Labels: source (input handler, action name, or caller-supplied source)
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Total content items processed by the orchestrator",
		},
		[]string{"source"},
	)

	// HandlerInvocations counts handler executions.
	// Labels: handler, role, status: "ok", "error"
	HandlerInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_invocations_total",
			Help:      "Total output and action handler invocations",
		},
		[]string{"handler", "role", "status"},
	)

	// HandlersMissing counts suggested outputs naming an unregistered handler
	HandlersMissing = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handlers_missing_total",
			Help:      "Suggested outputs skipped because no handler was registered",
		},
		[]string{"handler"},
	)

	// RunFailures counts aborted orchestrator runs.
	// Labels: source
	RunFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_failures_total",
			Help:      "Total orchestrator runs aborted by an error",
		},
		[]string{"source"},
	)

	// TaskRuns counts scheduled task executions.
	// Labels: handler, status: "completed", "rescheduled", "failed"
	TaskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Total scheduled task executions",
		},
		[]string{"handler", "status"},
	)

	// TaskRunDuration observes how long a scheduled task took end to end
	TaskRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_run_duration_seconds",
			Help:      "Scheduled task execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"handler"},
	)

	// HTTPRetries counts retry attempts made by the HTTP client.
	// Labels: host
	HTTPRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_retries_total",
			Help:      "Total outbound HTTP retry attempts",
		},
		[]string{"host"},
	)
)
