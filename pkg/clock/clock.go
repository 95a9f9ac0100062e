// Package clock provides the nanosecond time sources used by the driver agents.
//
// All driver timing (timer wheel deadlines, liveness checks, NAK delays) is expressed as
// int64 nanoseconds from an arbitrary epoch so it can be compared with plain arithmetic.
package clock

import (
	"sync/atomic"
	"time"
)

// NanoClock is a source of monotonic nanosecond timestamps.
type NanoClock interface {
	// NanoTime returns the current time in nanoseconds.
	NanoTime() int64
}

// System reads the Go monotonic clock relative to process start.
type System struct {
	start time.Time
}

// NewSystem creates a system clock anchored at the current instant.
func NewSystem() *System {
	return &System{start: time.Now()}
}

// NanoTime implements NanoClock.
func (c *System) NanoTime() int64 {
	return int64(time.Since(c.start))
}

// Simulated is a deterministic, manual-advance clock.
// It starts at the given time and only moves when Advance or Set is called.
// It is safe to read from several agent goroutines while a test advances it.
type Simulated struct {
	current atomic.Int64
}

// NewSimulated creates a simulated clock starting at startNs.
func NewSimulated(startNs int64) *Simulated {
	c := &Simulated{}
	c.current.Store(startNs)
	return c
}

// NanoTime implements NanoClock.
func (c *Simulated) NanoTime() int64 {
	return c.current.Load()
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (c *Simulated) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.current.Add(int64(d))
}

// Set moves the clock to an absolute time. Moving backwards is ignored.
func (c *Simulated) Set(ns int64) {
	for {
		cur := c.current.Load()
		if ns <= cur {
			return
		}
		if c.current.CompareAndSwap(cur, ns) {
			return
		}
	}
}
