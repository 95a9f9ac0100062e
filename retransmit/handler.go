// Package retransmit schedules retransmissions requested by NAKs.
//
// Every NAK becomes an action that is DELAYED until its retransmit delay passes, is
// returned by OnTick for the sender to resend, and then LINGERs so that repeated NAKs for
// the same range, already answered, do not cause another resend. The number of actions
// per term is capped; NAKs beyond the cap are dropped and the receiver asks again on its
// own schedule.
//
// A Handler belongs to one publication and is driven by the sender agent only.
package retransmit

import (
	"slices"
	"time"
)

// State of a retransmit action.
type State int

const (
	StateDelayed State = iota + 1
	StateLingering
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDelayed:
		return "DELAYED"
	case StateLingering:
		return "LINGERING"
	default:
		return "UNKNOWN"
	}
}

// DefaultMaxRetransmits is the per-term ceiling on outstanding actions.
const DefaultMaxRetransmits = 16

// Retransmit is a range due to be resent.
type Retransmit struct {
	TermID     int32
	TermOffset int32
	Length     int32
}

type key struct {
	termID     int32
	termOffset int32
}

type action struct {
	Retransmit
	deadline int64
	state    State
}

// Config configures a Handler.
type Config struct {
	// MaxRetransmits caps outstanding actions per term.
	MaxRetransmits int
	// Delay is applied between NAK and resend.
	Delay DelayGenerator
	// Linger is how long a sent action suppresses repeated NAKs.
	Linger time.Duration
}

// Handler tracks outstanding retransmit actions.
type Handler struct {
	maxPerTerm int
	delay      DelayGenerator
	linger     int64

	actions map[key]*action
	perTerm map[int32]int

	dropped   int64
	coalesced int64
}

// NewHandler creates a handler. Zero values select the unicast defaults.
func NewHandler(cfg Config) *Handler {
	if cfg.MaxRetransmits <= 0 {
		cfg.MaxRetransmits = DefaultMaxRetransmits
	}
	if cfg.Delay == nil {
		cfg.Delay = StaticDelay(0)
	}
	if cfg.Linger <= 0 {
		cfg.Linger = 60 * time.Millisecond
	}
	return &Handler{
		maxPerTerm: cfg.MaxRetransmits,
		delay:      cfg.Delay,
		linger:     int64(cfg.Linger),
		actions:    make(map[key]*action),
		perTerm:    make(map[int32]int),
	}
}

// OnNak records a NAK. It returns true when a new action was scheduled, false when the
// NAK was coalesced into an existing action or dropped at the ceiling.
func (h *Handler) OnNak(termID, termOffset, length int32, now int64) bool {
	if length <= 0 {
		return false
	}
	k := key{termID, termOffset}
	if a, ok := h.actions[k]; ok {
		if a.state == StateDelayed && length > a.Length {
			a.Length = length
		}
		h.coalesced++
		return false
	}
	if h.perTerm[termID] >= h.maxPerTerm {
		h.dropped++
		return false
	}

	h.actions[k] = &action{
		Retransmit: Retransmit{TermID: termID, TermOffset: termOffset, Length: length},
		deadline:   now + h.delay.Delay(),
		state:      StateDelayed,
	}
	h.perTerm[termID]++
	return true
}

// OnTick returns the actions whose delay has expired, ordered by deadline, and moves
// them to LINGERING. Lingering actions past their linger deadline are removed.
func (h *Handler) OnTick(now int64) []Retransmit {
	var due []*action
	for k, a := range h.actions {
		if a.deadline > now {
			continue
		}
		switch a.state {
		case StateDelayed:
			due = append(due, a)
		case StateLingering:
			h.remove(k)
		}
	}
	if len(due) == 0 {
		return nil
	}

	slices.SortFunc(due, func(a, b *action) int {
		switch {
		case a.deadline != b.deadline:
			return cmpInt64(a.deadline, b.deadline)
		case a.TermID != b.TermID:
			return int(a.TermID - b.TermID)
		default:
			return int(a.TermOffset - b.TermOffset)
		}
	})

	out := make([]Retransmit, 0, len(due))
	for _, a := range due {
		out = append(out, a.Retransmit)
		a.state = StateLingering
		a.deadline = now + h.linger
	}
	return out
}

// OnTermRotation discards actions for terms two or more behind activeTermID; their
// contents are no longer retained by the log.
func (h *Handler) OnTermRotation(activeTermID int32) {
	for k := range h.actions {
		if activeTermID-k.termID >= 2 {
			h.remove(k)
		}
	}
}

// Pending returns the number of outstanding actions.
func (h *Handler) Pending() int {
	return len(h.actions)
}

// StateOf returns the state of the action at termID/termOffset, if any.
func (h *Handler) StateOf(termID, termOffset int32) (State, bool) {
	a, ok := h.actions[key{termID, termOffset}]
	if !ok {
		return 0, false
	}
	return a.state, true
}

// Dropped returns the number of NAKs refused at the ceiling.
func (h *Handler) Dropped() int64 {
	return h.dropped
}

// Coalesced returns the number of NAKs folded into an existing action.
func (h *Handler) Coalesced() int64 {
	return h.coalesced
}

func (h *Handler) remove(k key) {
	delete(h.actions, k)
	if n := h.perTerm[k.termID] - 1; n > 0 {
		h.perTerm[k.termID] = n
	} else {
		delete(h.perTerm, k.termID)
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
