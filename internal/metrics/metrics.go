// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace is the metrics namespace.
const namespace = "tickrelay"

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	AuthSuccesses   prometheus.Counter
	AuthFailures    *prometheus.CounterVec
	CommandsTotal   *prometheus.CounterVec
	MalformedTotal  prometheus.Counter
	SessionsDropped *prometheus.CounterVec

	// Subscription metrics
	SubscribeOps  *prometheus.CounterVec
	ActiveKeys    prometheus.Gauge
	SymbolErrors  prometheus.Counter
	CapacityFails prometheus.Counter

	// Delivery metrics
	TicksDelivered *prometheus.CounterVec
	TicksCoalesced *prometheus.CounterVec
	BatchesFlushed prometheus.Counter
	BatchSize      prometheus.Histogram
	FramesDropped  prometheus.Counter

	// Upstream metrics
	UpstreamTicks      *prometheus.CounterVec
	UpstreamReconnects *prometheus.CounterVec
	UpstreamFailures   *prometheus.CounterVec
	PoolConnections    *prometheus.GaugeVec
	BusDropped         prometheus.Counter
}

// NewMetrics creates a new Metrics instance with registered metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Current number of connected client sessions",
			},
		),
		AuthSuccesses: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_successes_total",
				Help:      "Total number of successful authentications",
			},
		),
		AuthFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of failed authentications",
			},
			[]string{"reason"}, // reason: invalid_key, expired, revoked, suspended
		),
		CommandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of client commands received",
			},
			[]string{"action"},
		),
		MalformedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_messages_total",
				Help:      "Total number of malformed client messages rejected",
			},
		),
		SessionsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_closed_total",
				Help:      "Total number of sessions closed",
			},
			[]string{"reason"}, // reason: client, zombie, error
		),

		SubscribeOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscribe_ops_total",
				Help:      "Total number of subscribe/unsubscribe operations",
			},
			[]string{"action", "exchange"},
		),
		ActiveKeys: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_keys",
				Help:      "Current number of canonical keys with interest",
			},
		),
		SymbolErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "symbol_errors_total",
				Help:      "Total number of per-symbol subscribe rejections",
			},
		),
		CapacityFails: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capacity_exceeded_total",
				Help:      "Total number of subscribes rejected at pool capacity",
			},
		),

		TicksDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_delivered_total",
				Help:      "Total number of ticks enqueued to client sessions",
			},
			[]string{"exchange", "mode"},
		),
		TicksCoalesced: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_coalesced_total",
				Help:      "Total number of ticks coalesced inside a throttle window",
			},
			[]string{"exchange"},
		),
		BatchesFlushed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_flushed_total",
				Help:      "Total number of coalesced batches flushed",
			},
		),
		BatchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Frames per flushed batch",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
			},
		),
		FramesDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_dropped_total",
				Help:      "Total number of frames dropped on slow client queues",
			},
		),

		UpstreamTicks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_ticks_total",
				Help:      "Total number of normalized ticks received from brokers",
			},
			[]string{"broker"},
		),
		UpstreamReconnects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_reconnects_total",
				Help:      "Total number of broker connection reconnects",
			},
			[]string{"broker"},
		),
		UpstreamFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_failures_total",
				Help:      "Total number of broker connections failed permanently",
			},
			[]string{"broker"},
		),
		PoolConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_connections",
				Help:      "Current number of physical connections per broker",
			},
			[]string{"broker"},
		),
		BusDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_dropped_total",
				Help:      "Total number of ticks dropped on full bus shards",
			},
		),
	}
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAuthSuccess records a successful authentication.
func (m *Metrics) RecordAuthSuccess() {
	m.AuthSuccesses.Inc()
}

// RecordAuthFailure records a failed authentication.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// RecordCommand records a client command.
func (m *Metrics) RecordCommand(action string) {
	m.CommandsTotal.WithLabelValues(action).Inc()
}

// RecordSubscribe records a subscribe or unsubscribe operation.
func (m *Metrics) RecordSubscribe(action, exchange string) {
	m.SubscribeOps.WithLabelValues(action, exchange).Inc()
}

// RecordTickDelivered records a tick enqueued to a session.
func (m *Metrics) RecordTickDelivered(exchange, mode string) {
	m.TicksDelivered.WithLabelValues(exchange, mode).Inc()
}

// RecordTickCoalesced records a tick coalesced inside a window.
func (m *Metrics) RecordTickCoalesced(exchange string) {
	m.TicksCoalesced.WithLabelValues(exchange).Inc()
}

// RecordBatchFlushed records one flushed batch of n frames.
func (m *Metrics) RecordBatchFlushed(n int) {
	m.BatchesFlushed.Inc()
	m.BatchSize.Observe(float64(n))
}

// RecordUpstreamTick records a normalized tick from a broker.
func (m *Metrics) RecordUpstreamTick(broker string) {
	m.UpstreamTicks.WithLabelValues(broker).Inc()
}

// RecordUpstreamReconnect records a broker reconnect.
func (m *Metrics) RecordUpstreamReconnect(broker string) {
	m.UpstreamReconnects.WithLabelValues(broker).Inc()
}

// RecordUpstreamFailure records a permanent broker connection failure.
func (m *Metrics) RecordUpstreamFailure(broker string) {
	m.UpstreamFailures.WithLabelValues(broker).Inc()
}
