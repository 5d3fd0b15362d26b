package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/espflow/metric"
)

type ringMetrics struct {
	registry *metric.MetricsRegistry
	name     string
	writes   prometheus.Counter
	drops    prometheus.Counter
	size     prometheus.Gauge
}

var ringMetricNames = []string{"buffer_writes", "buffer_drops", "buffer_size"}

func newRingMetrics(registry *metric.MetricsRegistry, name string) (*ringMetrics, error) {
	labels := prometheus.Labels{"component": name}
	m := &ringMetrics{
		registry: registry,
		name:     name,
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "buffer", Name: "writes_total",
			ConstLabels: labels, Help: "Total number of buffer writes",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "buffer", Name: "drops_total",
			ConstLabels: labels, Help: "Total number of items dropped due to overflow",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "buffer", Name: "size",
			ConstLabels: labels, Help: "Current number of buffered items",
		}),
	}

	if err := registry.RegisterCounter(name, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(name, "buffer_drops", m.drops); err != nil {
		m.unregister()
		return nil, err
	}
	if err := registry.RegisterGauge(name, "buffer_size", m.size); err != nil {
		m.unregister()
		return nil, err
	}
	return m, nil
}

func (m *ringMetrics) unregister() {
	if m == nil {
		return
	}
	for _, n := range ringMetricNames {
		m.registry.Unregister(m.name, n)
	}
}

func (m *ringMetrics) write(size int) {
	if m != nil {
		m.writes.Inc()
		m.size.Set(float64(size))
	}
}

func (m *ringMetrics) drop() {
	if m != nil {
		m.drops.Inc()
	}
}

func (m *ringMetrics) setSize(size int) {
	if m != nil {
		m.size.Set(float64(size))
	}
}
