// Package testutil provides deterministic fakes shared by package tests.
package testutil

import (
	"context"
	"sync"
	"time"
)

// ManualClock is a wall clock that only moves when told to.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current fake time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Sleeper records requested sleeps without waiting.
//
// Its Sleep method matches the signature used by retry.Policy and the
// engine's pacing hooks. It still honours cancellation so cancellation paths
// can be tested.
type Sleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
	hook   func(n int)
}

// NewSleeper creates a Sleeper. hook, if not nil, runs after every sleep
// with the 1-based sleep count.
func NewSleeper(hook func(n int)) *Sleeper {
	return &Sleeper{hook: hook}
}

// Sleep records d and returns immediately.
func (s *Sleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	n := len(s.sleeps)
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return nil
}

// Sleeps returns a copy of every recorded duration.
func (s *Sleeper) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

// Total returns the sum of recorded durations.
func (s *Sleeper) Total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total time.Duration
	for _, d := range s.sleeps {
		total += d
	}
	return total
}
