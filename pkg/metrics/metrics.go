package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all delivery pipeline metrics
type Metrics struct {
	// Delivery related metrics
	DeliveriesSucceeded prometheus.Counter
	DeliveriesFailed    prometheus.Counter
	DeliveriesRetried   *prometheus.CounterVec
	SendDuration        prometheus.Histogram
	QueueDepth          prometheus.Gauge
	BreakerTrips        prometheus.Counter

	// Database metrics
	DatabaseOperations *prometheus.CounterVec

	// Redis metrics
	RedisOperations *prometheus.CounterVec
}

// NewMetrics creates and registers all delivery metrics with the default
// prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		DeliveriesSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_succeeded_total",
			Help:      "Total number of webhook deliveries acknowledged with a 2xx response",
		}),
		DeliveriesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_failed_total",
			Help:      "Total number of webhook deliveries that exhausted their retry budget",
		}),
		DeliveriesRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Total number of retry attempts scheduled, by event type",
		}, []string{"event_type"}),
		SendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Wall-clock duration of outbound webhook POSTs",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of deliveries waiting in the in-memory queue",
		}),
		BreakerTrips: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of subscriptions auto-disabled after sustained failures",
		}),
		DatabaseOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
		RedisOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_operations_total",
			Help:      "Total number of redis operations",
		}, []string{"operation", "status"}),
	}
}

// New creates an unregistered metrics set, useful in tests where the default
// registry must stay clean.
func New(namespace string) *Metrics {
	return &Metrics{
		DeliveriesSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_succeeded_total",
			Help:      "Total number of webhook deliveries acknowledged with a 2xx response",
		}),
		DeliveriesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_failed_total",
			Help:      "Total number of webhook deliveries that exhausted their retry budget",
		}),
		DeliveriesRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Total number of retry attempts scheduled, by event type",
		}, []string{"event_type"}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Wall-clock duration of outbound webhook POSTs",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of deliveries waiting in the in-memory queue",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of subscriptions auto-disabled after sustained failures",
		}),
		DatabaseOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
		RedisOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_operations_total",
			Help:      "Total number of redis operations",
		}, []string{"operation", "status"}),
	}
}
