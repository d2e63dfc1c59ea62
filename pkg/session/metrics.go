package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures session metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "wirerpc").
	Namespace string

	// Subsystem is the metrics subsystem (default: "session").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for call latency.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures session metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) { c.Namespace = namespace }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) { c.ConstLabels = labels }
}

// WithBuckets sets the call latency histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) { c.Buckets = buckets }
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) { c.Registry = registry }
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "wirerpc",
		Subsystem: "session",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Call outcomes used as the "outcome" label.
const (
	outcomeOK        = "ok"
	outcomeRPCError  = "rpc_error"
	outcomeTimeout   = "timeout"
	outcomeClosed    = "closed"
	outcomeQueueFull = "queue_full"
	outcomeCanceled  = "canceled"
	outcomeError     = "error"
)

// Metrics holds the Prometheus collectors for one or more sessions. A nil
// *Metrics records nothing.
type Metrics struct {
	calls             *prometheus.CounterVec
	callDuration      prometheus.Histogram
	notificationsSent prometheus.Counter
	inbound           *prometheus.CounterVec
	reconnects        prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	decodeErrors      prometheus.Counter
	queueDepth        prometheus.Gauge
	pending           prometheus.Gauge
	bytesIn           prometheus.Counter
	bytesOut          prometheus.Counter
}

// NewMetrics registers session metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Metrics{
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "calls_total",
			Help:        "Total number of RPC calls by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "call_duration_seconds",
			Help:        "Time from issuing a call to its settlement",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),

		inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "inbound_messages_total",
			Help:        "Inbound messages by kind",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		notificationsSent: counter("notifications_sent_total", "Notifications sent or queued"),
		reconnects:        counter("reconnects_total", "Reconnect attempts scheduled"),
		heartbeatTimeouts: counter("heartbeat_timeouts_total", "Connections aborted for missing pongs"),
		decodeErrors:      counter("decode_errors_total", "Inbound frames that failed to decode"),
		bytesIn:           counter("received_bytes_total", "Wire bytes received"),
		bytesOut:          counter("sent_bytes_total", "Wire bytes sent"),
		queueDepth:        gauge("queue_depth", "Messages waiting in the outbound queue"),
		pending:           gauge("pending_requests", "Calls waiting for a response"),
	}
}

func (m *Metrics) callSettled(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
	m.callDuration.Observe(d.Seconds())
}

func (m *Metrics) notificationSent() {
	if m != nil {
		m.notificationsSent.Inc()
	}
}

func (m *Metrics) received(kind string) {
	if m != nil {
		m.inbound.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) reconnectScheduled() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) heartbeatTimedOut() {
	if m != nil {
		m.heartbeatTimeouts.Inc()
	}
}

func (m *Metrics) decodeFailed() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

func (m *Metrics) bytes(in, out int) {
	if m == nil {
		return
	}
	if in > 0 {
		m.bytesIn.Add(float64(in))
	}
	if out > 0 {
		m.bytesOut.Add(float64(out))
	}
}

func (m *Metrics) queueLen(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) pendingDelta(d int) {
	if m != nil {
		m.pending.Add(float64(d))
	}
}
