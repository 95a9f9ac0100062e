package driver

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/flowcontrol"
	"github.com/c360/termstream/logbuffer"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/retransmit"
	"github.com/c360/termstream/timerwheel"
	"github.com/c360/termstream/transport"
)

// Publication is the sending side of a stream. The client appends to its log with
// Offer or TryClaim; the sender transmits what the receivers have room for.
type Publication struct {
	registrationID int64
	clientID       uuid.UUID
	channel        transport.Channel
	sessionID      int32
	streamID       int32
	log            *logbuffer.Log
	window         int64
	metrics        *metric.DriverMetrics
	sessionLabel   string
	streamLabel    string

	state streamState

	senderPosition atomic.Int64
	senderLimit    atomic.Int64
	lastSendNs     atomic.Int64
	lastActivityNs atomic.Int64
	setupAcked     atomic.Bool

	// Owned by the sender.
	send           *sendChannel
	strategy       flowcontrol.Strategy
	retransmits    *retransmit.Handler
	senderTermID   int32
	lastSMPosition int64

	// Owned by the conductor.
	setupAttempts  int
	setupTimer     *timerwheel.Timer
	heartbeatTimer *timerwheel.Timer
	lingerTimer    *timerwheel.Timer
	lingerPosition int64
	lingerArmedNs  int64
}

// RegistrationID returns the id the conductor assigned.
func (p *Publication) RegistrationID() int64 { return p.registrationID }

// SessionID returns the session id carried by every frame.
func (p *Publication) SessionID() int32 { return p.sessionID }

// StreamID returns the stream id.
func (p *Publication) StreamID() int32 { return p.streamID }

// Channel returns the canonical channel URI.
func (p *Publication) Channel() string { return p.channel.String() }

// State returns the lifecycle state.
func (p *Publication) State() StreamState { return p.state.Load() }

// Position returns the position after the last appended message.
func (p *Publication) Position() int64 { return p.log.TailPosition() }

// SenderPosition returns how far the sender has transmitted.
func (p *Publication) SenderPosition() int64 { return p.senderPosition.Load() }

// SenderLimit returns the flow control limit. No frame starts past it, though a pad
// may carry the sender position beyond it.
func (p *Publication) SenderLimit() int64 { return p.senderLimit.Load() }

// MaxMessageLength returns the largest payload Offer accepts.
func (p *Publication) MaxMessageLength() int { return p.log.MaxMessageLength() }

// Offer appends a message, fragmenting it at the MTU. It returns the position after
// the message. Transient errors mean try again: ErrNoConnection before the first
// status message of a unicast stream, ErrBackPressured when the sender is a full
// window behind and ErrInsufficientSpace while a term is being cleaned.
func (p *Publication) Offer(payload []byte) (int64, error) {
	if err := p.checkOffer("Offer"); err != nil {
		return 0, err
	}
	pos, err := p.log.Append(payload)
	if err != nil {
		if errors.Is(err, errors.ErrInsufficientSpace) {
			p.metrics.RecordBackPressure()
		}
		return 0, err
	}
	return pos, nil
}

// TryClaim reserves room for a single-frame message of length bytes. The claim must
// be committed or aborted.
func (p *Publication) TryClaim(length int) (*logbuffer.Claim, error) {
	if err := p.checkOffer("TryClaim"); err != nil {
		return nil, err
	}
	claim, err := p.log.Claim(length)
	if err != nil && errors.Is(err, errors.ErrInsufficientSpace) {
		p.metrics.RecordBackPressure()
	}
	return claim, err
}

func (p *Publication) checkOffer(method string) error {
	switch p.state.Load() {
	case StateActive:
	case StateInit:
		return errors.WrapTransient(errors.ErrNoConnection, "Publication", method, "wait for receiver")
	default:
		return errors.WrapFatal(errors.ErrLogClosed, "Publication", method, "offer to closed publication")
	}

	if p.log.TailPosition()-p.senderPosition.Load() >= p.window {
		p.metrics.RecordBackPressure()
		return errors.WrapTransient(errors.ErrBackPressured, "Publication", method, "wait for sender")
	}
	return nil
}

func (p *Publication) multicast() bool { return p.channel.Multicast }

// sendable reports whether the sender may transmit data. A unicast stream is promoted
// to ACTIVE only once a receiver answered its SETUP.
func (p *Publication) sendable() bool {
	s := p.state.Load()
	return s == StateActive || s == StateDraining
}

func (p *Publication) updateLimit(limit int64) {
	p.senderLimit.Store(limit)
	p.metrics.SetSenderLimit(p.sessionLabel, p.streamLabel, limit)
}

// cleanPosition keeps the term before the sender's term intact so that NAKs for it
// can still be served.
func (p *Publication) cleanPosition() int64 {
	return p.senderPosition.Load() - int64(p.log.TermLength())
}

func streamLabels(sessionID, streamID int32) (string, string) {
	return strconv.FormatInt(int64(sessionID), 10), strconv.FormatInt(int64(streamID), 10)
}
