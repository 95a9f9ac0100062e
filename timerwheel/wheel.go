// Package timerwheel implements a hashed timer wheel for the conductor's deadlines.
//
// Time is divided into ticks of fixed width and hashed into a power-of-two number of
// buckets. A timer further away than one revolution carries the number of remaining
// revolutions and is only fired when that count reaches zero. A timer is hashed to the
// first tick boundary at or after its deadline and a tick is processed once the clock
// reaches that boundary, so a timer never fires early and, when the wheel is advanced
// continuously, less than one tick late.
//
// Cancelled timers stay in their bucket until it is next visited. The wheel is owned by
// a single goroutine.
package timerwheel

import (
	"fmt"
	"math/bits"
	"slices"
	"time"

	"github.com/c360/termstream/errors"
)

// Defaults match the conductor configuration.
const (
	DefaultTickDuration  = 10 * time.Millisecond
	DefaultTicksPerWheel = 1024
)

// Action runs when a timer expires. now is the time passed to AdvanceTo.
type Action func(now int64)

// Timer is a scheduled action.
type Timer struct {
	deadline    int64
	revolutions int64
	action      Action
	cancelled   bool
	fired       bool
}

// Deadline returns the time the timer was scheduled for.
func (t *Timer) Deadline() int64 { return t.deadline }

// Active reports whether the timer is still pending.
func (t *Timer) Active() bool { return t != nil && !t.cancelled && !t.fired }

// Wheel is a timer wheel.
type Wheel struct {
	start       int64
	tick        int64
	mask        int64
	buckets     [][]*Timer
	currentTick int64
	count       int
}

// New creates a wheel whose tick zero starts at start (nanoseconds).
func New(start int64, tick time.Duration, ticksPerWheel int) (*Wheel, error) {
	if tick <= 0 {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: tick duration %s", errors.ErrInvalidConfig, tick),
			"Wheel", "New", "check tick duration")
	}
	if ticksPerWheel <= 0 || bits.OnesCount(uint(ticksPerWheel)) != 1 {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: ticks per wheel %d must be a power of two", errors.ErrInvalidConfig, ticksPerWheel),
			"Wheel", "New", "check ticks per wheel")
	}
	return &Wheel{
		start:   start,
		tick:    int64(tick),
		mask:    int64(ticksPerWheel - 1),
		buckets: make([][]*Timer, ticksPerWheel),
	}, nil
}

// ScheduleAt arranges for action to run once now >= deadline. Deadlines in the past
// fire on the next processed tick.
func (w *Wheel) ScheduleAt(deadline int64, action Action) *Timer {
	var deadlineTick int64
	if deadline > w.start {
		deadlineTick = (deadline - w.start + w.tick - 1) / w.tick
	}
	if deadlineTick < w.currentTick {
		deadlineTick = w.currentTick
	}

	t := &Timer{
		deadline:    deadline,
		revolutions: (deadlineTick - w.currentTick) / int64(len(w.buckets)),
		action:      action,
	}
	idx := deadlineTick & w.mask
	w.buckets[idx] = append(w.buckets[idx], t)
	w.count++
	return t
}

// Cancel stops a pending timer. It reports false if the timer already fired or was
// cancelled.
func (w *Wheel) Cancel(t *Timer) bool {
	if !t.Active() {
		return false
	}
	t.cancelled = true
	w.count--
	return true
}

// Reschedule cancels t, if still pending, and schedules its action at deadline.
func (w *Wheel) Reschedule(t *Timer, deadline int64) *Timer {
	w.Cancel(t)
	return w.ScheduleAt(deadline, t.action)
}

// AdvanceTo processes every tick whose boundary has been reached at now and returns the
// number of timers fired. Within a tick timers fire in deadline order.
func (w *Wheel) AdvanceTo(now int64) int {
	if now < w.start {
		return 0
	}
	target := (now - w.start) / w.tick
	if w.count == 0 {
		if target >= w.currentTick {
			w.currentTick = target + 1
		}
		return 0
	}

	fired := 0
	var due []*Timer
	for w.currentTick <= target && w.count > 0 {
		idx := w.currentTick & w.mask
		bucket := w.buckets[idx]
		kept := bucket[:0]
		due = due[:0]
		for _, t := range bucket {
			switch {
			case t.cancelled:
			case t.revolutions > 0:
				t.revolutions--
				kept = append(kept, t)
			default:
				due = append(due, t)
			}
		}
		clear(bucket[len(kept):])
		w.buckets[idx] = kept
		w.currentTick++

		slices.SortStableFunc(due, func(a, b *Timer) int {
			switch {
			case a.deadline < b.deadline:
				return -1
			case a.deadline > b.deadline:
				return 1
			default:
				return 0
			}
		})
		for _, t := range due {
			if t.cancelled {
				continue
			}
			t.fired = true
			w.count--
			fired++
			t.action(now)
		}
	}
	if w.currentTick <= target {
		w.currentTick = target + 1
	}
	return fired
}

// Count returns the number of pending timers.
func (w *Wheel) Count() int {
	return w.count
}

// CurrentTickTime returns the start time of the next tick to be processed.
func (w *Wheel) CurrentTickTime() int64 {
	return w.start + w.currentTick*w.tick
}

// TickDuration returns the tick width in nanoseconds.
func (w *Wheel) TickDuration() int64 {
	return w.tick
}
