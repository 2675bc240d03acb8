package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(handlerLatency, jobsInFlight, outcomeRetriesTotal, sweepsTotal, childrenCancelledTotal)
}

var (
	handlerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler run time per queue type and reported status.",
			Buckets:   []float64{.05, .25, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"queue_type", "status"},
	)

	jobsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently held by this process.",
		},
		[]string{"queue_type"},
	)

	outcomeRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcome_retries_total",
			Help:      "Retries of terminal writes after transient store errors.",
		},
		[]string{"queue_type"},
	)

	sweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Cancellation sweeps per queue type, labeled by success.",
		},
		[]string{"queue_type", "success"},
	)

	childrenCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "children_cancel_requested_total",
			Help:      "Children flagged for cancellation by orchestrator propagation.",
		},
		[]string{"queue_type"},
	)
)

func ObserveHandler(queueType, status string, d time.Duration) {
	handlerLatency.WithLabelValues(norm(queueType), norm(status)).Observe(d.Seconds())
}

func AddJobsInFlight(queueType string, delta int) {
	jobsInFlight.WithLabelValues(norm(queueType)).Add(float64(delta))
}

func IncOutcomeRetry(queueType string) {
	outcomeRetriesTotal.WithLabelValues(norm(queueType)).Inc()
}

func IncSweep(queueType string, success bool) {
	sweepsTotal.WithLabelValues(norm(queueType), strconv.FormatBool(success)).Inc()
}

func AddChildrenCancelled(queueType string, n int64) {
	childrenCancelledTotal.WithLabelValues(norm(queueType)).Add(float64(n))
}
