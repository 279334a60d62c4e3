// Package metrics exposes prometheus instrumentation for the queue,
// workers, ledger, and shield engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts completed jobs by role and outcome
	// ("ok", "skipped").
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdgate_jobs_processed_total",
		Help: "Jobs completed, by worker role and outcome",
	}, []string{"role", "outcome"})

	// JobsFailed counts failed attempts by role and error class.
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdgate_jobs_failed_total",
		Help: "Failed job attempts, by worker role and error class",
	}, []string{"role", "class"})

	// JobsDeadLettered counts jobs moved to the dead letter queue.
	JobsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdgate_jobs_dead_lettered_total",
		Help: "Jobs moved to the dead letter queue, by worker role",
	}, []string{"role"})

	// QueueDepth reports queued jobs by role, refreshed from queue stats.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crowdgate_queue_depth",
		Help: "Queued jobs by worker role",
	}, []string{"role"})

	// QueueProcessing reports leased jobs by role.
	QueueProcessing = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crowdgate_queue_processing",
		Help: "Jobs currently leased, by worker role",
	}, []string{"role"})

	// DeadLetterDepth reports the dead letter queue size.
	DeadLetterDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crowdgate_dead_letter_depth",
		Help: "Jobs in the dead letter queue",
	})

	// QueueFailovers counts primary-to-secondary queue failovers by
	// operation.
	QueueFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdgate_queue_failovers_total",
		Help: "Queue operations served by the failover backend",
	}, []string{"op"})

	// QuotaRejections counts operations stopped by cost control.
	QuotaRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdgate_quota_rejections_total",
		Help: "Operations rejected by quota, by resource",
	}, []string{"resource"})

	// ShieldActions counts decided moderation actions by type.
	ShieldActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdgate_shield_actions_total",
		Help: "Shield decisions, by action type",
	}, []string{"action"})

	// Degradations counts capability degradations by platform.
	Degradations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdgate_shield_degradations_total",
		Help: "Shield actions degraded for missing platform capabilities",
	}, []string{"platform"})

	// JobDuration observes per-job handling time by role.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crowdgate_job_duration_seconds",
		Help:    "Job handling duration, by worker role",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"role"})
)
