package loss

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/errors"
)

func dropPattern(g Generator, frames int) []bool {
	out := make([]bool, frames)
	frame := make([]byte, 64)
	for i := range out {
		frame[0] = byte(i)
		out[i] = g.ShouldDrop(frame)
	}
	return out
}

func TestRandom_Deterministic(t *testing.T) {
	a, err := New(0.2, 12345)
	require.NoError(t, err)
	b, err := New(0.2, 12345)
	require.NoError(t, err)

	first := dropPattern(a, 10000)
	second := dropPattern(b, 10000)
	assert.Equal(t, first, second)
	assert.Equal(t, a.Dropped(), b.Dropped())

	// Roughly the configured rate.
	assert.InDelta(t, 2000, a.Dropped(), 300)

	c, err := New(0.2, 54321)
	require.NoError(t, err)
	assert.NotEqual(t, first, dropPattern(c, 10000))
}

func TestRandom_SeedFromClock(t *testing.T) {
	r := NewRandom(0.5, RandomSeed)
	assert.NotEqual(t, RandomSeed, r.Seed())

	replay := NewRandom(0.5, r.Seed())
	assert.Equal(t, dropPattern(r, 100), dropPattern(replay, 100))
}

func TestNew(t *testing.T) {
	g, err := New(0, RandomSeed)
	require.NoError(t, err)
	assert.IsType(t, None{}, g)
	assert.False(t, g.ShouldDrop(nil))
	assert.Zero(t, g.Dropped())

	g, err = New(1, 7)
	require.NoError(t, err)
	assert.True(t, g.ShouldDrop(nil))

	for _, rate := range []float64{-0.1, 1.5} {
		_, err := New(rate, 1)
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	}
}
