// Package metrics defines the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scry_batch"

var (
	// LockAcquisitions counts lock attempts by resource kind and result (acquired, contended, stale_takeover).
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_acquisitions_total",
		Help:      "Lock acquisition outcomes.",
	}, []string{"kind", "result"})

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker transitions by service and target state.",
	}, []string{"service", "to"})

	// RemoteCalls counts generation API calls by operation and outcome.
	RemoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "remote_calls_total",
		Help:      "Remote generation API calls.",
	}, []string{"operation", "outcome"})

	// BatchOutcomes counts batch executions by resulting status.
	BatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_outcomes_total",
		Help:      "Batch execution outcomes.",
	}, []string{"status"})

	// JobsFinalized counts jobs reaching a terminal status.
	JobsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finalized_total",
		Help:      "Jobs reaching a terminal status.",
	}, []string{"status"})

	// PollingQueueDepth is the number of entries in the polling queue after the last sweep.
	PollingQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "polling_queue_depth",
		Help:      "Entries remaining in the polling queue.",
	})

	// TimeoutsDetected counts jobs and batches forced to a terminal state.
	TimeoutsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timeouts_detected_total",
		Help:      "Stuck jobs and batches detected by the timeout sweep.",
	}, []string{"kind"})

	// EventsDelivered counts event deliveries by type and outcome (ok, error, panic).
	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_delivered_total",
		Help:      "Engine events delivered to handlers.",
	}, []string{"type", "outcome"})

	// CallbacksRun counts deferred callbacks executed by the dispatcher.
	CallbacksRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "callbacks_run_total",
		Help:      "Deferred callbacks executed.",
	}, []string{"callback", "outcome"})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
