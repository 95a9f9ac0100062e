package timerwheel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/errors"
)

const ms = int64(time.Millisecond)

func newWheel(t *testing.T, ticks int) *Wheel {
	t.Helper()
	w, err := New(0, 10*time.Millisecond, ticks)
	require.NoError(t, err)
	return w
}

func TestNew_Validation(t *testing.T) {
	_, err := New(0, 0, 1024)
	assert.True(t, errors.IsFatal(err))

	_, err = New(0, time.Millisecond, 1000)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestWheel_NeverFiresEarly(t *testing.T) {
	w := newWheel(t, DefaultTicksPerWheel)

	var firedAt int64 = -1
	w.ScheduleAt(25*ms, func(now int64) { firedAt = now })

	for now := int64(0); now < 25*ms; now += ms {
		assert.Equal(t, 0, w.AdvanceTo(now), "fired early at %d", now)
	}
	for now := 25 * ms; firedAt < 0; now += ms {
		w.AdvanceTo(now)
	}
	assert.GreaterOrEqual(t, firedAt, 25*ms)
	assert.Less(t, firedAt, 25*ms+w.TickDuration())
	assert.Equal(t, 0, w.Count())
}

func TestWheel_DeadlineOrderWithinTick(t *testing.T) {
	w := newWheel(t, 16)

	var order []int
	w.ScheduleAt(19*ms, func(int64) { order = append(order, 3) })
	w.ScheduleAt(11*ms, func(int64) { order = append(order, 1) })
	w.ScheduleAt(15*ms, func(int64) { order = append(order, 2) })
	w.ScheduleAt(5*ms, func(int64) { order = append(order, 0) })

	assert.Equal(t, 4, w.AdvanceTo(20*ms))
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestWheel_MultipleRevolutions(t *testing.T) {
	w := newWheel(t, 8) // 80ms per revolution

	fired := map[string]int64{}
	w.ScheduleAt(30*ms, func(now int64) { fired["short"] = now })
	w.ScheduleAt(190*ms, func(now int64) { fired["long"] = now })
	w.ScheduleAt(11*time.Second.Nanoseconds(), func(now int64) { fired["liveness"] = now })

	for now := int64(0); now <= 12*time.Second.Nanoseconds(); now += 5 * ms {
		w.AdvanceTo(now)
		for _, at := range fired {
			assert.LessOrEqual(t, at, now)
		}
	}

	assert.Equal(t, 30*ms, fired["short"])
	assert.Equal(t, 190*ms, fired["long"], "same bucket as short but two revolutions later")
	assert.Equal(t, 11*time.Second.Nanoseconds(), fired["liveness"])
}

func TestWheel_CancelIsLazy(t *testing.T) {
	w := newWheel(t, 16)

	fired := false
	timer := w.ScheduleAt(50*ms, func(int64) { fired = true })
	require.True(t, timer.Active())
	assert.Equal(t, 1, w.Count())

	assert.True(t, w.Cancel(timer))
	assert.False(t, w.Cancel(timer))
	assert.False(t, timer.Active())
	assert.Equal(t, 0, w.Count())
	assert.Len(t, w.buckets[5], 1, "cancelled entry stays until its bucket is visited")

	w.ScheduleAt(500*ms, func(int64) {})
	w.AdvanceTo(60 * ms)
	assert.False(t, fired)
	assert.Empty(t, w.buckets[5])
}

func TestWheel_Reschedule(t *testing.T) {
	w := newWheel(t, DefaultTicksPerWheel)

	var fires []int64
	timer := w.ScheduleAt(10*time.Second.Nanoseconds(), func(now int64) { fires = append(fires, now) })

	w.AdvanceTo(9 * time.Second.Nanoseconds())
	timer = w.Reschedule(timer, 19*time.Second.Nanoseconds())

	w.AdvanceTo(11 * time.Second.Nanoseconds())
	assert.Empty(t, fires, "original deadline was cancelled")
	assert.True(t, timer.Active())
	assert.Equal(t, 19*time.Second.Nanoseconds(), timer.Deadline())

	w.AdvanceTo(19 * time.Second.Nanoseconds())
	assert.Equal(t, []int64{19 * time.Second.Nanoseconds()}, fires)
	assert.False(t, timer.Active())
}

func TestWheel_RearmFromAction(t *testing.T) {
	w := newWheel(t, 16)

	var fires []int64
	var tick Action
	tick = func(now int64) {
		fires = append(fires, now)
		if len(fires) < 3 {
			w.ScheduleAt(now+100*ms, tick)
		}
	}
	w.ScheduleAt(100*ms, tick)

	for now := int64(0); now <= time.Second.Nanoseconds(); now += 10 * ms {
		w.AdvanceTo(now)
	}
	assert.Equal(t, []int64{100 * ms, 200 * ms, 300 * ms}, fires)
}

func TestWheel_PastDeadline(t *testing.T) {
	w := newWheel(t, 16)
	w.AdvanceTo(100 * ms)

	fired := false
	w.ScheduleAt(50*ms, func(int64) { fired = true })
	assert.Equal(t, 1, w.AdvanceTo(110*ms))
	assert.True(t, fired)
	assert.Equal(t, 110*ms, w.CurrentTickTime()-w.TickDuration())
}
