package buffer

import (
	"fmt"
	"sync"

	"github.com/c360/espflow/errors"
)

// Ring is a fixed-capacity FIFO. Writes never block.
type Ring[T any] struct {
	mu      sync.RWMutex
	items   []T
	head    int // next write position
	size    int
	stats   *Statistics
	metrics *ringMetrics
	opts    options[T]
}

// NewRing creates a ring holding at most capacity items.
func NewRing[T any](capacity int, opts ...Option[T]) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "buffer", "NewRing",
			fmt.Sprintf("capacity must be positive, got %d", capacity))
	}

	var o options[T]
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	r := &Ring[T]{
		items: make([]T, capacity),
		stats: &Statistics{},
		opts:  o,
	}
	if o.registry != nil {
		m, err := newRingMetrics(o.registry, o.name)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "NewRing", "metrics registration")
		}
		r.metrics = m
	}
	return r, nil
}

// tail is the position of the oldest item. Callers hold the lock.
func (r *Ring[T]) tail() int {
	return (r.head - r.size + len(r.items)) % len(r.items)
}

// Write appends item, dropping the oldest item when the ring is full.
func (r *Ring[T]) Write(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == len(r.items) {
		dropped := r.items[r.tail()]
		r.size--
		r.stats.drops.Add(1)
		r.metrics.drop()
		if r.opts.onDrop != nil {
			r.opts.onDrop(dropped)
		}
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	r.size++
	r.stats.writes.Add(1)
	r.metrics.write(r.size)
}

// Read removes and returns the oldest item.
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	t := r.tail()
	item := r.items[t]
	r.items[t] = zero
	r.size--
	r.metrics.setSize(r.size)
	return item, true
}

// Items returns a copy of the contents from oldest to newest without removing them.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.size)
	t := r.tail()
	for i := range out {
		out[i] = r.items[(t+i)%len(r.items)]
	}
	return out
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Clear removes every item without running the drop callback.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.items)
	r.head, r.size = 0, 0
	r.metrics.setSize(0)
}

// Stats returns the live counters.
func (r *Ring[T]) Stats() *Statistics {
	return r.stats
}

// Close unregisters the ring's metrics. The ring stays usable.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.unregister()
	r.metrics = nil
}
