package agent

import (
	"fmt"
	"runtime"
	"time"

	"github.com/c360/termstream/errors"
)

// IdleStrategy decides what a runner does between duty cycles.
type IdleStrategy interface {
	// Idle is called after every duty cycle with the work count it returned.
	Idle(workCount int)
	// Reset returns the strategy to its initial state.
	Reset()
}

// Idle strategy names accepted by NewIdleStrategy.
const (
	IdleBusySpin = "busy_spin"
	IdleYielding = "yielding"
	IdleBackoff  = "backoff"
	IdleSleeping = "sleeping"
)

// Backoff defaults.
const (
	DefaultMaxSpins  = 20
	DefaultMaxYields = 50
	DefaultMinPark   = time.Microsecond
	DefaultMaxPark   = 100 * time.Microsecond
)

// NewIdleStrategy builds a strategy by name. Unknown names are a configuration error.
func NewIdleStrategy(name string) (IdleStrategy, error) {
	switch name {
	case IdleBusySpin:
		return BusySpin{}, nil
	case IdleYielding:
		return Yielding{}, nil
	case IdleBackoff, "":
		return NewBackoff(DefaultMaxSpins, DefaultMaxYields, DefaultMinPark, DefaultMaxPark), nil
	case IdleSleeping:
		return NewSleeping(time.Millisecond), nil
	default:
		return nil, errors.WrapFatal(fmt.Errorf("%w: unknown idle strategy %q", errors.ErrInvalidConfig, name),
			"agent", "NewIdleStrategy", "resolve idle strategy")
	}
}

// BusySpin never gives up the processor.
type BusySpin struct{}

// Idle implements IdleStrategy.
func (BusySpin) Idle(int) {}

// Reset implements IdleStrategy.
func (BusySpin) Reset() {}

// Yielding yields the processor when there was no work.
type Yielding struct{}

// Idle implements IdleStrategy.
func (Yielding) Idle(workCount int) {
	if workCount == 0 {
		runtime.Gosched()
	}
}

// Reset implements IdleStrategy.
func (Yielding) Reset() {}

// Sleeping parks for a fixed period when there was no work.
type Sleeping struct {
	period time.Duration
}

// NewSleeping creates a sleeping strategy.
func NewSleeping(period time.Duration) *Sleeping {
	return &Sleeping{period: period}
}

// Idle implements IdleStrategy.
func (s *Sleeping) Idle(workCount int) {
	if workCount == 0 {
		time.Sleep(s.period)
	}
}

// Reset implements IdleStrategy.
func (s *Sleeping) Reset() {}

type backoffState int

const (
	stateNotIdle backoffState = iota
	stateSpinning
	stateYielding
	stateParking
)

// Backoff spins, then yields, then parks with an exponentially growing period while
// the agent stays idle. Any work resets it.
type Backoff struct {
	maxSpins  int
	maxYields int
	minPark   time.Duration
	maxPark   time.Duration

	state      backoffState
	spins      int
	yields     int
	parkPeriod time.Duration
}

// NewBackoff creates a backoff strategy.
func NewBackoff(maxSpins, maxYields int, minPark, maxPark time.Duration) *Backoff {
	if minPark <= 0 {
		minPark = DefaultMinPark
	}
	if maxPark < minPark {
		maxPark = minPark
	}
	return &Backoff{
		maxSpins:   maxSpins,
		maxYields:  maxYields,
		minPark:    minPark,
		maxPark:    maxPark,
		parkPeriod: minPark,
	}
}

// Idle implements IdleStrategy.
func (b *Backoff) Idle(workCount int) {
	if workCount > 0 {
		b.Reset()
		return
	}

	switch b.state {
	case stateNotIdle:
		b.state = stateSpinning
		b.spins++
	case stateSpinning:
		b.spins++
		if b.spins > b.maxSpins {
			b.state = stateYielding
			b.yields = 0
		}
	case stateYielding:
		b.yields++
		if b.yields > b.maxYields {
			b.state = stateParking
			b.parkPeriod = b.minPark
		} else {
			runtime.Gosched()
		}
	case stateParking:
		time.Sleep(b.parkPeriod)
		b.parkPeriod *= 2
		if b.parkPeriod > b.maxPark {
			b.parkPeriod = b.maxPark
		}
	}
}

// Reset implements IdleStrategy.
func (b *Backoff) Reset() {
	b.state = stateNotIdle
	b.spins = 0
	b.yields = 0
	b.parkPeriod = b.minPark
}
