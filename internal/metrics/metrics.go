// Package metrics provides Prometheus instrumentation for the Orkiva
// supervisor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tick metrics.
var (
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orkiva_tick_duration_seconds",
		Help:    "Supervisor tick duration in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orkiva_ticks_total",
		Help: "Total number of supervisor ticks.",
	}, []string{"outcome"})
)

// Trigger pipeline metrics.
var (
	TriggersScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orkiva_triggers_scheduled_total",
		Help: "Total number of trigger jobs enqueued by the scheduler.",
	})

	TriggersDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orkiva_triggers_delivered_total",
		Help: "Total number of trigger deliveries acknowledged by the agent.",
	})

	TriggersDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orkiva_triggers_deferred_total",
		Help: "Total number of delivery attempts deferred for retry.",
	})

	TriggersDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orkiva_triggers_dead_lettered_total",
		Help: "Total number of trigger jobs moved to the dead letter state.",
	})

	FallbacksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orkiva_fallbacks_started_total",
		Help: "Total number of fallback agent processes started.",
	})

	PendingTriggerJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orkiva_pending_trigger_jobs",
		Help: "Number of open trigger jobs observed at the last tick.",
	})

	BreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orkiva_backlog_breaker_open",
		Help: "Whether the scheduler backlog breaker is open (1) or closed (0).",
	})
)

// Callback metrics.
var (
	CallbacksPosted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orkiva_callbacks_posted_total",
		Help: "Total number of completion callbacks accepted by the bridge.",
	})

	CallbacksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orkiva_callbacks_failed_total",
		Help: "Total number of callbacks that terminally failed.",
	})
)

// Session metrics.
var (
	SessionsMarkedOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orkiva_sessions_marked_offline_total",
		Help: "Total number of runtime sessions aged out by reconciliation.",
	})
)
