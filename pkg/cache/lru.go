package cache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/c360/espflow/errors"
)

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// LRU evicts the least recently used entry once it holds more than its capacity.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*list.Element
	order    *list.List // front is most recently used
	stats    *Statistics
	metrics  *cacheMetrics
}

// NewLRU creates an LRU holding at most capacity entries.
func NewLRU[K comparable, V any](capacity int, opts ...Option[K, V]) (*LRU[K, V], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU",
			fmt.Sprintf("capacity must be positive, got %d", capacity))
	}

	var o options[K, V]
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	c := &LRU[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
		stats:    &Statistics{},
	}
	if o.registry != nil {
		m, err := newCacheMetrics(o.registry, o.name)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
		c.metrics = m
	}
	return c, nil
}

// Get returns the value for key and marks it as recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.misses.Add(1)
		c.metrics.miss()
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	c.stats.hits.Add(1)
	c.metrics.hit()
	return el.Value.(*lruEntry[K, V]).value, true
}

// Set stores value under key. It reports whether a new entry was created.
func (c *LRU[K, V]) Set(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry[K, V]).value = value
		c.order.MoveToFront(el)
		return false
	}

	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})
	if len(c.items) > c.capacity {
		back := c.order.Back()
		c.order.Remove(back)
		delete(c.items, back.Value.(*lruEntry[K, V]).key)
		c.stats.evictions.Add(1)
		c.metrics.eviction()
	}
	c.stats.size.Store(int64(len(c.items)))
	c.metrics.setSize(len(c.items))
	return true
}

// Delete removes key and reports whether it was present.
func (c *LRU[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.items, key)
	c.stats.size.Store(int64(len(c.items)))
	c.metrics.setSize(len(c.items))
	return true
}

// Clear drops every entry without running the eviction callback.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[K]*list.Element, c.capacity)
	c.order.Init()
	c.stats.size.Store(0)
	c.metrics.setSize(0)
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns the keys from most to least recently used.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*lruEntry[K, V]).key)
	}
	return keys
}

// Stats returns the live counters.
func (c *LRU[K, V]) Stats() *Statistics {
	return c.stats
}
