package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSimulated_Advance(t *testing.T) {
	c := NewSimulated(100)
	assert.Equal(t, int64(100), c.NanoTime())

	c.Advance(50 * time.Nanosecond)
	assert.Equal(t, int64(150), c.NanoTime())

	c.Advance(-time.Second)
	assert.Equal(t, int64(150), c.NanoTime(), "negative advance is ignored")
}

func TestSimulated_SetNeverMovesBackwards(t *testing.T) {
	c := NewSimulated(int64(time.Second))

	c.Set(int64(2 * time.Second))
	assert.Equal(t, int64(2*time.Second), c.NanoTime())

	c.Set(int64(time.Second))
	assert.Equal(t, int64(2*time.Second), c.NanoTime())
}

func TestSystem_Monotonic(t *testing.T) {
	c := NewSystem()
	first := c.NanoTime()
	second := c.NanoTime()
	assert.GreaterOrEqual(t, second, first)
	assert.GreaterOrEqual(t, first, int64(0))
}
