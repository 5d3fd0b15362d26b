// Package cache provides a small, thread-safe LRU cache with hit/miss
// statistics and optional Prometheus export.
package cache

import (
	"github.com/c360/espflow/metric"
)

// Option configures an LRU.
type Option[K comparable, V any] func(*options[K, V])

type options[K comparable, V any] struct {
	registry *metric.MetricsRegistry
	name     string
}

// WithMetrics exports the cache counters under the given component name.
// A nil registry or empty name leaves metrics off.
func WithMetrics[K comparable, V any](registry *metric.MetricsRegistry, name string) Option[K, V] {
	return func(o *options[K, V]) {
		if registry != nil && name != "" {
			o.registry = registry
			o.name = name
		}
	}
}
