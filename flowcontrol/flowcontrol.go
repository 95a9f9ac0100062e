// Package flowcontrol computes how far a sender may transmit from the status messages
// its receivers send back.
//
// A Strategy is chosen per publication from the channel kind: unicast channels track the
// single receiver's window, multicast channels are governed by the slowest live
// receiver. Strategies are owned by the sender agent and are not safe for concurrent
// use.
package flowcontrol

import (
	"fmt"
	"time"

	"github.com/c360/termstream/errors"
)

// Kind selects a Strategy implementation.
type Kind int

const (
	KindUnicast Kind = iota
	KindMulticast
)

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUnicast:
		return "unicast"
	case KindMulticast:
		return "multicast"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind resolves a configured strategy name.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "unicast", "":
		return KindUnicast, nil
	case "multicast":
		return KindMulticast, nil
	default:
		return 0, errors.WrapFatal(
			fmt.Errorf("%w: unknown flow control strategy %q", errors.ErrInvalidConfig, name),
			"flowcontrol", "ParseKind", "resolve strategy")
	}
}

// Strategy computes the sender position limit. Times are nanoseconds.
type Strategy interface {
	// OnStatusMessage applies a receiver's consumption position and window and returns
	// the new sender limit.
	OnStatusMessage(receiverID int64, position int64, window int32, now int64) int64

	// InitialWindowLength is the window the sender may use before the first status
	// message.
	InitialWindowLength(mtu int) int

	// OnIdle is called periodically and returns the current limit after any
	// housekeeping.
	OnIdle(now int64) int64

	// Limit returns the current sender limit.
	Limit() int64
}

// Params configures a Strategy.
type Params struct {
	// InitialPosition is the sender position the limit starts from.
	InitialPosition int64
	// InitialWindow is the configured initial window length.
	InitialWindow int
	// ReceiverTimeout evicts multicast receivers that stop reporting.
	ReceiverTimeout time.Duration
}

// New returns the strategy for kind.
func New(kind Kind, p Params) Strategy {
	if kind == KindMulticast {
		return NewMulticast(p)
	}
	return NewUnicast(p)
}

// Validate rejects an MTU that could never fit in the window.
func Validate(mtu, window int) error {
	if mtu > window {
		return errors.WrapFatal(
			fmt.Errorf("%w: mtu %d > window %d", errors.ErrMTUExceedsWindow, mtu, window),
			"flowcontrol", "Validate", "check mtu against window")
	}
	return nil
}

// WindowLength resolves a configured term window. Zero, or a window larger than half a
// term, falls back to half the term length.
func WindowLength(configured, termLength int) int {
	half := termLength / 2
	if configured <= 0 || configured > half {
		return half
	}
	return configured
}

func initialWindow(configured, mtu int) int {
	if configured < mtu {
		return mtu
	}
	return configured
}
