// Package metric exposes the client's Prometheus metrics and an optional
// HTTP endpoint to scrape them.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric the module exports.
const Namespace = "espflow"

// Metrics are shared by publishers, subscribers and the NATS client.
// Labels carry the window path so several streams can share one registry.
type Metrics struct {
	EventsPublished   *prometheus.CounterVec
	BlocksPublished   *prometheus.CounterVec
	PublishDuration   *prometheus.HistogramVec
	EventsApplied     *prometheus.CounterVec
	EventsRejected    *prometheus.CounterVec
	DecodeErrors      *prometheus.CounterVec
	ChannelErrors     *prometheus.CounterVec
	SubscriptionState *prometheus.GaugeVec
	CacheRows         *prometheus.GaugeVec

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates unregistered metric collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "publisher",
			Name:      "events_total",
			Help:      "Events written to a publish channel",
		}, []string{"window"}),
		BlocksPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "publisher",
			Name:      "blocks_total",
			Help:      "Event blocks written to a publish channel",
		}, []string{"window"}),
		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "publisher",
			Name:      "send_duration_seconds",
			Help:      "Time spent writing one block",
			Buckets:   prometheus.DefBuckets,
		}, []string{"window"}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "subscriber",
			Name:      "events_applied_total",
			Help:      "Events applied to the local cache",
		}, []string{"window", "opcode"}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "subscriber",
			Name:      "events_rejected_total",
			Help:      "Events the local cache refused",
		}, []string{"window", "reason"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "codec",
			Name:      "decode_errors_total",
			Help:      "Payloads that failed to decode",
		}, []string{"format"}),
		ChannelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "channel_errors_total",
			Help:      "Transport failures by operation",
		}, []string{"op"}),
		SubscriptionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "subscriber",
			Name:      "state",
			Help:      "Subscription state (0=unsubscribed, 1=subscribing, 2=active, 3=stopped)",
		}, []string{"window"}),
		CacheRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "subscriber",
			Name:      "cache_rows",
			Help:      "Rows held in the local cache",
		}, []string{"window"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "NATS reconnections",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EventsPublished, m.BlocksPublished, m.PublishDuration,
		m.EventsApplied, m.EventsRejected, m.DecodeErrors, m.ChannelErrors,
		m.SubscriptionState, m.CacheRows,
		m.NATSConnected, m.NATSReconnects,
	}
}

// RecordPublished counts one written block of n events.
func (m *Metrics) RecordPublished(window string, n int, d time.Duration) {
	m.EventsPublished.WithLabelValues(window).Add(float64(n))
	m.BlocksPublished.WithLabelValues(window).Inc()
	m.PublishDuration.WithLabelValues(window).Observe(d.Seconds())
}

// RecordApplied counts an event accepted by the cache.
func (m *Metrics) RecordApplied(window, opcode string) {
	m.EventsApplied.WithLabelValues(window, opcode).Inc()
}

// RecordRejected counts an event the cache refused.
func (m *Metrics) RecordRejected(window, reason string) {
	m.EventsRejected.WithLabelValues(window, reason).Inc()
}

// RecordDecodeError counts a payload that could not be decoded.
func (m *Metrics) RecordDecodeError(format string) {
	m.DecodeErrors.WithLabelValues(format).Inc()
}

// RecordChannelError counts a transport failure.
func (m *Metrics) RecordChannelError(op string) {
	m.ChannelErrors.WithLabelValues(op).Inc()
}

// RecordSubscriptionState sets the state gauge for a window.
func (m *Metrics) RecordSubscriptionState(window string, state int) {
	m.SubscriptionState.WithLabelValues(window).Set(float64(state))
}

// RecordCacheRows sets the row gauge for a window.
func (m *Metrics) RecordCacheRows(window string, rows int) {
	m.CacheRows.WithLabelValues(window).Set(float64(rows))
}

// RecordNATSStatus records the NATS connection status.
func (m *Metrics) RecordNATSStatus(connected bool) {
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}

// RecordNATSReconnect counts a NATS reconnection.
func (m *Metrics) RecordNATSReconnect() {
	m.NATSReconnects.Inc()
}
