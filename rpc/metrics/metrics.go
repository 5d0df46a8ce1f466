// Package metrics exports server events as Prometheus metrics.
package metrics

import (
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gosuda.org/ivory/rpc"
	"gosuda.org/ivory/rpc/proto"
)

// Config configures the Prometheus observer.
type Config struct {
	// Namespace is the metrics namespace (default: "ivory").
	Namespace string

	// Subsystem is the metrics subsystem (default: "rpc").
	Subsystem string

	// Buckets are the histogram buckets for handler latency.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the Prometheus observer.
type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

func WithSubsystem(subsystem string) Option {
	return func(c *Config) { c.Subsystem = subsystem }
}

func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

func defaultConfig() Config {
	return Config{
		Namespace: "ivory",
		Subsystem: "rpc",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Observer is an rpc.Observer that records connection, error and request
// metrics.
type Observer struct {
	accepted        prometheus.Counter
	active          prometheus.Gauge
	closed          *prometheus.CounterVec
	sessionLifetime prometheus.Histogram
	errors          *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var _ rpc.Observer = (*Observer)(nil)

// New registers the metrics and returns the observer. Registering twice on
// the same registry panics, as with promauto.
func New(opts ...Option) *Observer {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Observer{
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted connections",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "connections_active",
			Help:      "Number of connections currently served",
		}),
		closed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "connections_closed_total",
			Help:      "Total number of closed connections by reason",
		}, []string{"reason"}),
		sessionLifetime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "session_lifetime_seconds",
			Help:      "Lifetime of sessions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "errors_total",
			Help:      "Total number of reported errors by kind",
		}, []string{"kind"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "requests_total",
			Help:      "Total number of dispatched requests",
		}, []string{"service_path", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "request_duration_seconds",
			Help:      "Handler latency in seconds",
			Buckets:   config.Buckets,
		}, []string{"service_path"}),
	}
}

func (o *Observer) Accepted(net.Addr) {
	o.accepted.Inc()
	o.active.Inc()
}

func (o *Observer) Closed(_ net.Addr, reason rpc.CloseReason, lifetime time.Duration) {
	o.active.Dec()
	o.closed.WithLabelValues(string(reason)).Inc()
	o.sessionLifetime.Observe(lifetime.Seconds())
}

func (o *Observer) Error(_ net.Addr, err error) {
	o.errors.WithLabelValues(errorKind(err)).Inc()
}

func (o *Observer) Handled(servicePath string, code uint32, elapsed time.Duration) {
	o.requests.WithLabelValues(servicePath, statusLabel(code)).Inc()
	o.requestDuration.WithLabelValues(servicePath).Observe(elapsed.Seconds())
}

func errorKind(err error) string {
	var (
		protocolErr *rpc.ProtocolError
		acceptErr   *rpc.AcceptError
	)
	switch {
	case errors.As(err, &protocolErr):
		return "protocol"
	case errors.As(err, &acceptErr):
		return "accept"
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return "closed"
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			return "network"
		}
		return "other"
	}
}

func statusLabel(code uint32) string {
	switch code {
	case proto.StatusOK:
		return "ok"
	case proto.StatusNotFound:
		return "not_found"
	case proto.StatusInvalidArgument:
		return "invalid_argument"
	case proto.StatusInternal:
		return "internal"
	case proto.StatusUnavailable:
		return "unavailable"
	case proto.StatusProtocolError:
		return "protocol_error"
	case proto.StatusUnsupported:
		return "unsupported"
	}
	return strconv.FormatUint(uint64(code), 10)
}
