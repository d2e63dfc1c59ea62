package peer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeNotFound = "not_found"
	outcomeInvalid  = "invalid"
)

type metrics struct {
	connections prometheus.Gauge
	requests    *prometheus.CounterVec
	broadcasts  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wirerpc",
			Subsystem: "peer",
			Name:      "connections",
			Help:      "Currently connected clients.",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wirerpc",
			Subsystem: "peer",
			Name:      "requests_total",
			Help:      "Requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wirerpc",
			Subsystem: "peer",
			Name:      "broadcasts_total",
			Help:      "Notifications broadcast to all clients.",
		}),
	}
}

func (m *metrics) request(method, outcome string) {
	if method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}
