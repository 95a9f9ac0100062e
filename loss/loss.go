// Package loss injects deterministic frame loss for fault testing.
//
// A Generator is consulted inline for every inbound frame. None never drops. Random
// drops each frame with a fixed probability from a seeded source, so two runs with the
// same seed over the same frame sequence drop exactly the same frames.
package loss

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/c360/termstream/errors"
)

// RandomSeed asks for a seed taken from the clock.
const RandomSeed int64 = -1

// Generator decides whether an inbound frame is dropped.
type Generator interface {
	ShouldDrop(frame []byte) bool
	// Dropped returns the number of frames dropped so far.
	Dropped() int64
}

// None never drops.
type None struct{}

// ShouldDrop implements Generator.
func (None) ShouldDrop([]byte) bool { return false }

// Dropped implements Generator.
func (None) Dropped() int64 { return 0 }

// Random drops frames with probability rate.
type Random struct {
	rate    float64
	seed    int64
	rng     *rand.Rand
	dropped atomic.Int64
}

// NewRandom creates a random generator. A seed of RandomSeed is replaced by one derived
// from the clock.
func NewRandom(rate float64, seed int64) *Random {
	if seed == RandomSeed {
		seed = time.Now().UnixNano()
	}
	return &Random{
		rate: rate,
		seed: seed,
		rng:  rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
	}
}

// ShouldDrop implements Generator. It must be called from one goroutine.
func (r *Random) ShouldDrop([]byte) bool {
	if r.rng.Float64() < r.rate {
		r.dropped.Add(1)
		return true
	}
	return false
}

// Dropped implements Generator.
func (r *Random) Dropped() int64 {
	return r.dropped.Load()
}

// Seed returns the seed in use, useful for replaying a run started with RandomSeed.
func (r *Random) Seed() int64 {
	return r.seed
}

// New returns None for a zero rate and Random otherwise.
func New(rate float64, seed int64) (Generator, error) {
	if rate < 0 || rate > 1 {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: loss rate %v outside [0, 1]", errors.ErrInvalidConfig, rate),
			"loss", "New", "check loss rate")
	}
	if rate == 0 {
		return None{}, nil
	}
	return NewRandom(rate, seed), nil
}
