// Package buffer provides a fixed-capacity, thread-safe ring buffer that drops
// its oldest item on overflow.
package buffer

import (
	"github.com/c360/espflow/metric"
)

// DropCallback receives every item lost to overflow. It runs under the ring's
// lock, before the write that displaced the item becomes visible, so it must
// not call back into the ring.
type DropCallback[T any] func(item T)

// Option configures a Ring.
type Option[T any] func(*options[T])

type options[T any] struct {
	onDrop   DropCallback[T]
	registry *metric.MetricsRegistry
	name     string
}

// WithDropCallback registers fn for items lost to overflow.
func WithDropCallback[T any](fn DropCallback[T]) Option[T] {
	return func(o *options[T]) {
		o.onDrop = fn
	}
}

// WithMetrics exports ring counters under the given component name.
func WithMetrics[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(o *options[T]) {
		if registry != nil && name != "" {
			o.registry = registry
			o.name = name
		}
	}
}
