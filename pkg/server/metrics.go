package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection reasons recorded by Metrics.
const (
	RejectResolveFailed = "resolve_failed"
	RejectCapacity      = "capacity"
	RejectDuplicate     = "duplicate"
)

// Delivery results recorded by Metrics.
const (
	DeliveryOK             = "delivered"
	DeliveryGenerateFailed = "generate_failed"
	DeliverySendFailed     = "send_failed"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "wthr").
	Namespace string

	// Subsystem is the metrics subsystem (default: "server").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for durations.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus collectors.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "wthr",
		Subsystem: "server",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the server's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	activeConnections prometheus.Gauge
	acceptedTotal     prometheus.Counter
	rejectedTotal     *prometheus.CounterVec
	disconnectsTotal  prometheus.Counter
	acceptErrors      prometheus.Counter
	resolveDuration   *prometheus.HistogramVec
	cyclesTotal       prometheus.Counter
	cycleDuration     prometheus.Histogram
	deliveriesTotal   *prometheus.CounterVec
	bytesSent         prometheus.Counter
}

// NewMetrics registers the server collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_connections",
			Help:        "Number of registered client connections",
			ConstLabels: config.ConstLabels,
		}),

		acceptedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_accepted_total",
			Help:        "Total number of clients registered",
			ConstLabels: config.ConstLabels,
		}),

		rejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_rejected_total",
			Help:        "Total number of clients closed before registration",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		disconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "disconnects_total",
			Help:        "Total number of registered clients that went away",
			ConstLabels: config.ConstLabels,
		}),

		acceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "accept_errors_total",
			Help:        "Total number of failed accept calls",
			ConstLabels: config.ConstLabels,
		}),

		resolveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "resolve_duration_seconds",
			Help:        "Geolocation lookup duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"status"}),

		cyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "broadcast_cycles_total",
			Help:        "Total number of broadcast cycles run",
			ConstLabels: config.ConstLabels,
		}),

		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "broadcast_duration_seconds",
			Help:        "Broadcast cycle duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),

		deliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "deliveries_total",
			Help:        "Total number of per-client deliveries by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "bytes_sent_total",
			Help:        "Total number of payload bytes written to clients",
			ConstLabels: config.ConstLabels,
		}),
	}
}

func (m *Metrics) connectionAccepted() {
	if m == nil {
		return
	}
	m.acceptedTotal.Inc()
	m.activeConnections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.disconnectsTotal.Inc()
	m.activeConnections.Dec()
}

func (m *Metrics) connectionRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) acceptError() {
	if m == nil {
		return
	}
	m.acceptErrors.Inc()
}

func (m *Metrics) observeResolve(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.resolveDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) observeCycle(res CycleResult) {
	if m == nil {
		return
	}
	m.cyclesTotal.Inc()
	m.cycleDuration.Observe(res.Duration.Seconds())
}

func (m *Metrics) delivery(result string, bytes int) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.bytesSent.Add(float64(bytes))
	}
}

func (m *Metrics) resetActive() {
	if m == nil {
		return
	}
	m.activeConnections.Set(0)
}
