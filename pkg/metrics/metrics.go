package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Dispatch metrics
	MessagesSent        *prometheus.CounterVec
	MessagesFailed      *prometheus.CounterVec
	MessagesRescheduled *prometheus.CounterVec
	DispatchLatency     prometheus.Histogram
	DispatchRetries     *prometheus.CounterVec
	FallbackAttempts    prometheus.Counter

	// Journey metrics
	StepsExecuted      *prometheus.CounterVec
	EnrollmentsActive  prometheus.Gauge
	EnrollmentsExited  *prometheus.CounterVec
	JourneyTickLatency prometheus.Histogram

	// Outbox metrics
	OutboxEventsProcessed   prometheus.Counter
	OutboxEventsFailed      prometheus.Counter
	OutboxProcessingLatency prometheus.Histogram

	// Database metrics
	DatabaseOperations *prometheus.CounterVec
}

// New creates and registers all application metrics
func New(namespace string) *Metrics {
	return &Metrics{
		MessagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages successfully handed to a channel provider",
		}, []string{"channel"}),
		MessagesFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Total messages that exhausted retries and fallback",
		}, []string{"channel", "code"}),
		MessagesRescheduled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rescheduled_total",
			Help:      "Messages pushed to a later slot for quiet hours or frequency limits",
		}, []string{"reason"}),
		DispatchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching one batch of due messages",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		DispatchRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_retry_attempts_total",
			Help:      "Delivery retry attempts per channel",
		}, []string{"channel"}),
		FallbackAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_fallback_attempts_total",
			Help:      "Messages redispatched on their fallback channel",
		}),
		StepsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journey_steps_executed_total",
			Help:      "Journey steps executed by result",
		}, []string{"result"}),
		EnrollmentsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "journey_enrollments_active",
			Help:      "Enrollments claimed by the last journey tick",
		}),
		EnrollmentsExited: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journey_enrollments_ended_total",
			Help:      "Enrollments reaching a terminal state",
		}, []string{"status"}),
		JourneyTickLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "journey_tick_duration_seconds",
			Help:      "Time spent processing one batch of due enrollments",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		OutboxEventsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_processed_total",
			Help:      "Total number of successfully published communication events",
		}),
		OutboxEventsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_failed_total",
			Help:      "Total number of communication events that failed publication",
		}),
		OutboxProcessingLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_processing_duration_seconds",
			Help:      "Time spent publishing pending communication events",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		DatabaseOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
	}
}
