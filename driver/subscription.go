package driver

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/logbuffer"
	"github.com/c360/termstream/transport"
)

// Subscription receives a stream from every publication on a channel. Each remote
// publication appears as an Image; Poll reads them in turn.
type Subscription struct {
	registrationID int64
	clientID       uuid.UUID
	channel        transport.Channel
	streamID       int32
	receive        *receiveChannel

	images atomic.Pointer[[]*Image]
	closed atomic.Bool
	cursor int
}

func newSubscription(id int64, clientID uuid.UUID, ch transport.Channel, streamID int32) *Subscription {
	s := &Subscription{registrationID: id, clientID: clientID, channel: ch, streamID: streamID}
	empty := make([]*Image, 0)
	s.images.Store(&empty)
	return s
}

// RegistrationID returns the id the conductor assigned.
func (s *Subscription) RegistrationID() int64 { return s.registrationID }

// StreamID returns the stream id.
func (s *Subscription) StreamID() int32 { return s.streamID }

// Channel returns the canonical channel URI.
func (s *Subscription) Channel() string { return s.channel.String() }

// Images returns the current images.
func (s *Subscription) Images() []*Image { return *s.images.Load() }

// IsClosed reports whether the subscription was removed.
func (s *Subscription) IsClosed() bool { return s.closed.Load() }

// Poll reads up to fragmentLimit fragments across all images, starting with a
// different image each call. Wrap handler in a logbuffer.FragmentAssembler to receive
// whole messages. Poll is called by a single goroutine.
func (s *Subscription) Poll(fragmentLimit int, handler logbuffer.FragmentHandler) (int, error) {
	if s.closed.Load() {
		return 0, errors.WrapFatal(errors.ErrEndpointClosed, "Subscription", "Poll", "poll removed subscription")
	}

	images := *s.images.Load()
	if len(images) == 0 {
		return 0, nil
	}
	s.cursor++

	total := 0
	for i := 0; i < len(images) && total < fragmentLimit; i++ {
		img := images[(s.cursor+i)%len(images)]
		n, err := img.Poll(fragmentLimit-total, handler)
		total += n
		if err == nil || errors.Is(err, errors.ErrLogClosed) {
			continue
		}
		return total, err
	}
	return total, nil
}

func (s *Subscription) addImage(img *Image) {
	old := *s.images.Load()
	next := make([]*Image, len(old), len(old)+1)
	copy(next, old)
	next = append(next, img)
	s.images.Store(&next)
}

// removeImage drops the image for conn and returns it, or nil.
func (s *Subscription) removeImage(conn *Connection) *Image {
	old := *s.images.Load()
	next := make([]*Image, 0, len(old))
	var removed *Image
	for _, img := range old {
		if img.conn == conn {
			removed = img
			continue
		}
		next = append(next, img)
	}
	s.images.Store(&next)
	return removed
}
