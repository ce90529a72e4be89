package courier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "jobs",
		Name:      "enqueued_total",
		Help:      "Jobs accepted into the queue, by job type.",
	}, []string{"type"})

	jobsDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "jobs",
		Name:      "deduped_total",
		Help:      "Enqueue attempts absorbed by an equivalent pending job.",
	}, []string{"type"})

	jobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "jobs",
		Name:      "retried_total",
		Help:      "Job attempts rescheduled after a retryable failure.",
	}, []string{"type"})

	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Jobs reaching a terminal status, by type and outcome.",
	}, []string{"type", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "courier",
		Subsystem: "jobs",
		Name:      "run_duration_seconds",
		Help:      "Wall time of individual job attempts.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	envelopesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "dispatch",
		Name:      "envelopes_total",
		Help:      "Dispatched envelopes, by terminal outcome.",
	}, []string{"outcome"})

	decryptFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "dispatch",
		Name:      "decrypt_failures_total",
		Help:      "Classified decrypt failures, by failure code.",
	}, []string{"code"})
)
