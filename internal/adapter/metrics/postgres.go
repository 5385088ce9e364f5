package metrics

import "github.com/prometheus/client_golang/prometheus"

// PostgresMetrics holds Prometheus metrics for queries issued by the relay transport.
type PostgresMetrics struct {
	QueryDuration  *prometheus.HistogramVec
	QueryErrors    *prometheus.CounterVec
	ListenerResets prometheus.Counter
}

// NewPostgresMetrics creates and registers Postgres metrics on the given registry.
func NewPostgresMetrics(reg prometheus.Registerer) *PostgresMetrics {
	m := &PostgresMetrics{
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "postgres",
			Name:      "query_duration_seconds",
			Help:      "Postgres query duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"query"}),
		QueryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "postgres",
			Name:      "query_errors_total",
			Help:      "Total failed Postgres queries.",
		}, []string{"query"}),
		ListenerResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "postgres",
			Name:      "listener_reconnects_total",
			Help:      "Times the LISTEN connection was lost and re-established.",
		}),
	}

	reg.MustRegister(m.QueryDuration, m.QueryErrors, m.ListenerResets)
	return m
}
