package buffer

import "sync/atomic"

// Statistics counts ring activity.
type Statistics struct {
	writes atomic.Int64
	drops  atomic.Int64
}

// Writes returns the number of items stored.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Drops returns the number of items lost to overflow.
func (s *Statistics) Drops() int64 { return s.drops.Load() }
