package metrics

import "github.com/prometheus/client_golang/prometheus"

// RelayMetrics holds Prometheus metrics for the cross-instance invalidation relay.
type RelayMetrics struct {
	Published        *prometheus.CounterVec
	Received         prometheus.Counter
	Malformed        prometheus.Counter
	PublishDuration  prometheus.Histogram
	CircuitState     prometheus.Gauge
	SubscriberActive prometheus.Gauge
}

// NewRelayMetrics creates and registers relay metrics on the given registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "publish_total",
			Help:      "Invalidation publishes, by delivery path (bus, local, fallback, skipped).",
		}, []string{"delivery"}),
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_received_total",
			Help:      "Invalidation messages received from the shared transport.",
		}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_malformed_total",
			Help:      "Undecodable messages dropped by the subscriber.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "publish_duration_seconds",
			Help:      "Duration of transport publish calls in seconds.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		}),
		CircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "circuit_state",
			Help:      "Publish circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		SubscriberActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscriber_active",
			Help:      "Whether the relay subscriber loop is running (1) or not (0).",
		}),
	}

	reg.MustRegister(m.Published, m.Received, m.Malformed, m.PublishDuration, m.CircuitState, m.SubscriberActive)
	return m
}
