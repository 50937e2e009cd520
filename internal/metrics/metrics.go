// Package metrics provides Prometheus instrumentation for ChatWright.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwright_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatwright_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Bus metrics.
var (
	BusJobsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwright_bus_jobs_sent_total",
		Help: "Jobs accepted by the bus, per queue.",
	}, []string{"queue"})

	BusJobsDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwright_bus_jobs_deduped_total",
		Help: "Sends resolved to an existing job by singleton key.",
	}, []string{"queue"})

	BusJobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwright_bus_jobs_completed_total",
		Help: "Jobs acknowledged by handlers, per queue.",
	}, []string{"queue"})

	BusJobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwright_bus_jobs_retried_total",
		Help: "Jobs rescheduled after a handler failure or lease expiry.",
	}, []string{"queue"})

	BusJobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwright_bus_jobs_failed_total",
		Help: "Jobs moved to the failed state with retries exhausted.",
	}, []string{"queue"})

	BusJobsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwright_bus_jobs_expired_total",
		Help: "Jobs expired before completion.",
	}, []string{"queue"})

	BusJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatwright_bus_job_duration_seconds",
		Help:    "Time from claim to acknowledgement.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
)

// Dispatcher metrics.
var (
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwright_events_received_total",
		Help: "Chat events received, per event type.",
	}, []string{"type"})

	MessagesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwright_messages_dispatched_total",
		Help: "Inbound messages enqueued on the bus.",
	})

	DispatchRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwright_dispatch_rejected_total",
		Help: "Chat events dropped without a dispatched job, per reason.",
	}, []string{"reason"})
)

// Orchestrator metrics.
var (
	UserWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatwright_user_workers",
		Help: "UserWorkers tracked by the reconciler, per state.",
	}, []string{"state"})

	Provisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwright_provisions_total",
		Help: "Worker deployments created.",
	})

	ScaleDowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwright_scale_downs_total",
		Help: "Worker deployments scaled to zero after idle.",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwright_rate_limited_total",
		Help: "Inbound messages rejected by the per-user rate limit.",
	})

	OrphansCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwright_orphans_collected_total",
		Help: "Orphan worker deployments garbage-collected.",
	})
)

// Worker session metrics.
var (
	AgentRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwright_agent_runs_total",
		Help: "Agent subprocess executions, per outcome.",
	}, []string{"outcome"})

	FramesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwright_frames_emitted_total",
		Help: "Progress frames published to the bus.",
	})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwright_frames_dropped_total",
		Help: "Progress frames dropped because a bus send failed.",
	})
)

// Response consumer metrics.
var (
	FramesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwright_frames_applied_total",
		Help: "Progress frames applied to the chat surface.",
	})

	FramesStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwright_frames_stale_total",
		Help: "Progress frames dropped as older than the last applied.",
	})

	ChatCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwright_chat_api_calls_total",
		Help: "Chat platform API calls, per method and outcome.",
	}, []string{"method", "outcome"})
)
