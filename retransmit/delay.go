package retransmit

import (
	"math"
	"math/rand/v2"
	"time"
)

// DelayGenerator produces the delay before a NAK or retransmission is acted on.
type DelayGenerator interface {
	// Delay returns a delay in nanoseconds.
	Delay() int64
}

type staticDelay int64

func (d staticDelay) Delay() int64 { return int64(d) }

// StaticDelay always returns d. Unicast channels use it for both the retransmit delay
// (zero) and the NAK delay.
func StaticDelay(d time.Duration) DelayGenerator {
	return staticDelay(d)
}

// OptimalMulticast spreads NAKs from a group of receivers over [0, maxBackoff] with an
// exponential distribution, so that most losses are reported by one early receiver and
// the rest see the retransmission before their own NAK is due.
type OptimalMulticast struct {
	grtt      float64
	randMax   float64
	baseX     float64
	constantT float64
	factorT   float64
	rng       *rand.Rand
}

// OptimalMulticastDelay builds the generator. Backoff is computed in units of grtt, the
// estimated group round trip time. A nil rng uses a clock seeded source.
func OptimalMulticastDelay(maxBackoff time.Duration, groupSize int, grtt time.Duration, rng *rand.Rand) *OptimalMulticast {
	if groupSize < 1 {
		groupSize = 1
	}
	if grtt <= 0 {
		grtt = time.Millisecond
	}
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}

	maxBackoffT := float64(maxBackoff) / float64(grtt)
	lambda := math.Log(float64(groupSize)) + 1
	return &OptimalMulticast{
		grtt:      float64(grtt),
		randMax:   lambda / maxBackoffT,
		baseX:     lambda / (maxBackoffT * (math.Exp(lambda) - 1)),
		constantT: maxBackoffT / lambda,
		factorT:   (math.Exp(lambda) - 1) * (maxBackoffT / lambda),
		rng:       rng,
	}
}

// Delay implements DelayGenerator.
func (g *OptimalMulticast) Delay() int64 {
	x := g.rng.Float64()*g.randMax + g.baseX
	return int64(g.constantT * math.Log(x*g.factorT) * g.grtt)
}
