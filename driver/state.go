package driver

import "sync/atomic"

// StreamState is the lifecycle state of a publication or connection.
type StreamState int32

// Stream states. A stream only moves forward through them.
const (
	StateInit StreamState = iota
	StateActive
	StateDraining
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// canTransition lists the legal edges of the lifecycle.
func canTransition(from, to StreamState) bool {
	switch from {
	case StateInit:
		return to == StateActive || to == StateClosed
	case StateActive:
		return to == StateDraining
	case StateDraining:
		return to == StateClosed
	default:
		return false
	}
}

// streamState is written by the conductor only and read by everyone else.
type streamState struct {
	v atomic.Int32
}

func (s *streamState) Load() StreamState {
	return StreamState(s.v.Load())
}

// transition moves to next if the edge is legal and reports whether it did.
func (s *streamState) transition(next StreamState) bool {
	current := s.Load()
	if !canTransition(current, next) {
		return false
	}
	s.v.Store(int32(next))
	return true
}
