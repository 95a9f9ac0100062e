package driver

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360/termstream/metric"
)

// EventType names a lifecycle event.
type EventType string

// Lifecycle events.
const (
	EventPublicationReady      EventType = "publication_ready"
	EventPublicationClosed     EventType = "publication_closed"
	EventSetupError            EventType = "setup_error"
	EventConnectionAvailable   EventType = "connection_available"
	EventConnectionUnavailable EventType = "connection_unavailable"
	EventConnectionClosed      EventType = "connection_closed"
	EventClientTimeout         EventType = "client_timeout"
)

const defaultEventCapacity = 256

// Event reports a lifecycle change to the client that owns the stream. ClientID is the
// zero UUID for connections, which belong to every subscriber of the stream.
type Event struct {
	Type           EventType `json:"type"`
	ClientID       uuid.UUID `json:"client_id"`
	RegistrationID int64     `json:"registration_id,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	SessionID      int32     `json:"session_id"`
	StreamID       int32     `json:"stream_id"`
	Timestamp      int64     `json:"timestamp_ns"`
	Error          string    `json:"error,omitempty"`
}

// eventSink delivers events without ever blocking the conductor. Events that do not
// fit are counted and dropped.
type eventSink struct {
	ch      chan Event
	dropped atomic.Int64
	metrics *metric.DriverMetrics
}

func newEventSink(capacity int, metrics *metric.DriverMetrics) *eventSink {
	if capacity <= 0 {
		capacity = defaultEventCapacity
	}
	return &eventSink{ch: make(chan Event, capacity), metrics: metrics}
}

func (s *eventSink) emit(e Event) {
	s.metrics.RecordLifecycleEvent(string(e.Type))
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}
