// Copyright 2025 Lumenworks
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_enqueued_total",
		Help: "Total number of generation jobs accepted and enqueued",
	})
	JobsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dispatched_total",
		Help: "Total number of jobs admitted and sent to the model",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of terminally failed jobs",
	})
	JobsThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_throttled_total",
		Help: "Total number of model calls refused by provider throttling",
	})
	JobsDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_discarded_total",
		Help: "Messages acknowledged without work (missing or terminal job records)",
	})
	AdmissionRefused = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "admission_refused_total",
		Help: "Dispatch attempts refused by the capacity controller",
	})
	MessagesRedelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_messages_redelivered_total",
		Help: "Messages returned to the queue after their visibility window lapsed",
	})
	StaleInFlightReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capacity_stale_inflight_reaped_total",
		Help: "In-flight entries aged out of the capacity state",
	})
	OverridesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "overrides_applied_total",
		Help: "Staff quota overrides applied",
	})
	CapacitySlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "capacity_available_slots",
		Help: "Learned concurrency ceiling for the image model",
	})
	CapacityInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "capacity_in_flight",
		Help: "Jobs currently counted against the concurrency ceiling",
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current length of the job queue lists",
	}, []string{"list"})
	ModelLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "model_call_duration_seconds",
		Help:    "Histogram of image model call durations",
		Buckets: prometheus.DefBuckets,
	})
	ArtifactsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "artifacts_stored_total",
		Help: "Artifacts written to the object store by kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued, JobsDispatched, JobsCompleted, JobsFailed, JobsThrottled,
		JobsDiscarded, AdmissionRefused, MessagesRedelivered, StaleInFlightReaped,
		OverridesApplied, CapacitySlots, CapacityInFlight, QueueDepth,
		ModelLatency, ArtifactsStored,
	)
}
