package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		jobsEnqueuedTotal, jobsClaimedTotal, jobsReclaimedTotal, claimBatchLatency,
		heartbeatsTotal, jobsFinishedTotal, writeConflictsTotal, jobsForceCancelledTotal,
	)
}

var (
	jobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs created, labeled by queue type.",
		},
		[]string{"queue_type"},
	)

	jobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs handed out by AcquireBatch, labeled by queue type.",
		},
		[]string{"queue_type"},
	)

	jobsReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reclaimed_total",
			Help:      "Orphaned running jobs taken over after heartbeat expiry.",
		},
		[]string{"queue_type"},
	)

	claimBatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_batch_seconds",
			Help:      "Duration of the claim critical section.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"queue_type", "outcome"}, // outcome: claimed|empty|error|stopped
	)

	heartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat renewals, labeled by result (renewed|lost|error).",
		},
		[]string{"result"},
	)

	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Terminal writes, labeled by queue type and status.",
		},
		[]string{"queue_type", "status"},
	)

	writeConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_rejections_total",
			Help:      "Conditional writes rejected, labeled by reason (conflict|ownership_lost).",
		},
		[]string{"reason"},
	)

	jobsForceCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_force_cancelled_total",
			Help:      "Jobs moved to cancelled by the lease manager instead of their worker.",
		},
		[]string{"queue_type"},
	)
)

func IncJobsEnqueued(queueType string, n int) {
	jobsEnqueuedTotal.WithLabelValues(norm(queueType)).Add(float64(n))
}

func ObserveClaimBatch(queueType, outcome string, claimed, reclaimed int, d time.Duration) {
	qt := norm(queueType)
	claimBatchLatency.WithLabelValues(qt, norm(outcome)).Observe(d.Seconds())
	if claimed > 0 {
		jobsClaimedTotal.WithLabelValues(qt).Add(float64(claimed))
	}
	if reclaimed > 0 {
		jobsReclaimedTotal.WithLabelValues(qt).Add(float64(reclaimed))
	}
}

func IncHeartbeat(result string) {
	heartbeatsTotal.WithLabelValues(norm(result)).Inc()
}

func IncJobFinished(queueType, status string) {
	jobsFinishedTotal.WithLabelValues(norm(queueType), norm(status)).Inc()
}

func IncWriteRejected(reason string) {
	writeConflictsTotal.WithLabelValues(norm(reason)).Inc()
}

func IncForceCancelled(queueType string, n int) {
	jobsForceCancelledTotal.WithLabelValues(norm(queueType)).Add(float64(n))
}
