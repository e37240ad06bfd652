package engine

import "sync/atomic"

// OrdinalClock tracks the last committed ordinal of a run.
//
// The registry owns the persisted counter; the clock mirrors it so that
// progress can be read from other goroutines while a run is in flight.
//
// Thread-safety: OrdinalClock is safe for concurrent use (atomic operations).
// Only the run goroutine calls Advance.
type OrdinalClock struct {
	last atomic.Int64
}

// NewOrdinalClock creates a clock whose last committed ordinal is last.
func NewOrdinalClock(last int64) *OrdinalClock {
	c := &OrdinalClock{}
	c.last.Store(last)
	return c
}

// Peek returns the ordinal the next new record will carry.
func (c *OrdinalClock) Peek() int64 {
	return c.last.Load() + 1
}

// Advance records that ordinal was committed. Ordinals never move backwards.
func (c *OrdinalClock) Advance(ordinal int64) {
	for {
		cur := c.last.Load()
		if ordinal <= cur || c.last.CompareAndSwap(cur, ordinal) {
			return
		}
	}
}

// Current returns the last committed ordinal.
func (c *OrdinalClock) Current() int64 {
	return c.last.Load()
}
