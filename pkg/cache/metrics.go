package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/espflow/metric"
)

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, name string) (*cacheMetrics, error) {
	counter := func(metricName, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        metricName,
			ConstLabels: prometheus.Labels{"component": name},
			Help:        help,
		})
	}

	m := &cacheMetrics{
		hits:      counter("hits_total", "Total number of cache hits"),
		misses:    counter("misses_total", "Total number of cache misses"),
		evictions: counter("evictions_total", "Total number of cache evictions"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: prometheus.Labels{"component": name},
			Help:        "Current number of entries in cache",
		}),
	}

	if err := registry.RegisterCounter(name, "cache_hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(name, "cache_misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(name, "cache_evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(name, "cache_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

// The recorders are nil-safe so callers need not check whether metrics are on.

func (m *cacheMetrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) eviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *cacheMetrics) setSize(n int) {
	if m != nil {
		m.size.Set(float64(n))
	}
}
