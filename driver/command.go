package driver

import (
	"github.com/google/uuid"
)

// Command is a client request to the conductor. Commands are created with the New*
// constructors so that each carries a correlation id and a reply slot.
type Command interface {
	header() *CommandHeader
}

// CommandHeader is shared by all commands.
type CommandHeader struct {
	CorrelationID uuid.UUID
	ClientID      uuid.UUID

	reply chan Reply
}

func newHeader(clientID uuid.UUID) CommandHeader {
	return CommandHeader{
		CorrelationID: uuid.New(),
		ClientID:      clientID,
		reply:         make(chan Reply, 1),
	}
}

func (h *CommandHeader) header() *CommandHeader { return h }

// Reply returns the one-slot channel the conductor answers on.
func (h *CommandHeader) Reply() <-chan Reply { return h.reply }

// complete answers the command. A command answered twice keeps its first reply.
func (h *CommandHeader) complete(r Reply) {
	r.CorrelationID = h.CorrelationID
	select {
	case h.reply <- r:
	default:
	}
}

// Reply is the conductor's answer to a command.
type Reply struct {
	CorrelationID  uuid.UUID
	RegistrationID int64
	Publication    *Publication
	Subscription   *Subscription
	Err            error
}

// AddPublication registers a publication on a channel and stream. A zero SessionID
// lets the driver choose one.
type AddPublication struct {
	CommandHeader
	Channel   string
	StreamID  int32
	SessionID int32
}

// NewAddPublication builds an AddPublication command.
func NewAddPublication(clientID uuid.UUID, channel string, streamID, sessionID int32) *AddPublication {
	return &AddPublication{CommandHeader: newHeader(clientID), Channel: channel, StreamID: streamID, SessionID: sessionID}
}

// RemovePublication drains and then closes a publication.
type RemovePublication struct {
	CommandHeader
	RegistrationID int64
}

// NewRemovePublication builds a RemovePublication command.
func NewRemovePublication(clientID uuid.UUID, registrationID int64) *RemovePublication {
	return &RemovePublication{CommandHeader: newHeader(clientID), RegistrationID: registrationID}
}

// AddSubscription subscribes to a stream on a channel.
type AddSubscription struct {
	CommandHeader
	Channel  string
	StreamID int32
}

// NewAddSubscription builds an AddSubscription command.
func NewAddSubscription(clientID uuid.UUID, channel string, streamID int32) *AddSubscription {
	return &AddSubscription{CommandHeader: newHeader(clientID), Channel: channel, StreamID: streamID}
}

// RemoveSubscription removes a subscription and its images.
type RemoveSubscription struct {
	CommandHeader
	RegistrationID int64
}

// NewRemoveSubscription builds a RemoveSubscription command.
func NewRemoveSubscription(clientID uuid.UUID, registrationID int64) *RemoveSubscription {
	return &RemoveSubscription{CommandHeader: newHeader(clientID), RegistrationID: registrationID}
}

// ClientKeepalive keeps a client's registrations alive.
type ClientKeepalive struct {
	CommandHeader
}

// NewClientKeepalive builds a ClientKeepalive command.
func NewClientKeepalive(clientID uuid.UUID) *ClientKeepalive {
	return &ClientKeepalive{CommandHeader: newHeader(clientID)}
}
