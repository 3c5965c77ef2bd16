// Package metrics exposes the scheduler's Prometheus collectors. All
// metrics live under the lrsched namespace and register themselves on
// the default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lrsched"

var (
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_submitted_total",
		Help:      "Jobs accepted into the queue.",
	})

	JobsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_rejected_total",
		Help:      "Jobs refused at admission, by reason.",
	}, []string{"reason"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "Jobs that reached a terminal status.",
	}, []string{"status"})

	JobsBoosted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_boosted_total",
		Help:      "Starving jobs whose priority was auto-boosted.",
	})

	PriorityRebalanced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "priority_rebalanced_total",
		Help:      "Pending jobs whose priority changed during a rebalance pass.",
	})

	ResourceState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "resource_state",
		Help:      "Current resource state (0 optimal, 1 normal, 2 throttled, 3 critical).",
	})

	ResourceTemperature = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "resource_temperature_celsius",
		Help:      "Latest sampled device temperature.",
	})

	ResourceMemoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "resource_memory_percent",
		Help:      "Latest sampled memory utilisation.",
	})

	QueuePaused = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_paused",
		Help:      "1 while dispatch is paused.",
	})

	RecommendedConcurrency = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "recommended_concurrency",
		Help:      "Worker slots the controller currently recommends.",
	})

	ProcessingDelaySeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "processing_delay_seconds",
		Help:      "Delay inserted before each dispatch at the current speed.",
	})

	CheckpointsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoints_saved_total",
		Help:      "Checkpoints written.",
	})

	BackupsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backups_created_total",
		Help:      "Backup copies created.",
	})
)
