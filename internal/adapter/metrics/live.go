package metrics

import "github.com/prometheus/client_golang/prometheus"

// LiveMetrics holds Prometheus metrics for live client connections.
type LiveMetrics struct {
	ActiveConnections prometheus.Gauge
	ActiveUsers       prometheus.Gauge
	Rejections        *prometheus.CounterVec
	EventsWritten     *prometheus.CounterVec
	WriteErrors       prometheus.Counter
	SlowClients       prometheus.Counter
	BroadcastFanout   prometheus.Histogram
}

// NewLiveMetrics creates and registers live connection metrics on the given registry.
func NewLiveMetrics(reg prometheus.Registerer) *LiveMetrics {
	m := &LiveMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "active_connections",
			Help:      "Number of open live client connections on this instance.",
		}),
		ActiveUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "active_users",
			Help:      "Number of users with at least one open live connection on this instance.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "rejections_total",
			Help:      "Live connection attempts rejected at admission, by reason.",
		}, []string{"reason"}),
		EventsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "events_written_total",
			Help:      "Events written to live streams, by event type.",
		}, []string{"event"}),
		WriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "write_errors_total",
			Help:      "Failed writes to live streams.",
		}),
		SlowClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "slow_clients_evicted_total",
			Help:      "Live clients evicted because their send queue was full.",
		}),
		BroadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "broadcast_fanout",
			Help:      "Number of connections reached by a single local broadcast.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.ActiveUsers, m.Rejections, m.EventsWritten,
		m.WriteErrors, m.SlowClients, m.BroadcastFanout)
	return m
}
