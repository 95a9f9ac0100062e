package driver

import (
	"net"
	"sync/atomic"

	"github.com/c360/termstream/logbuffer"
	"github.com/c360/termstream/retransmit"
	"github.com/c360/termstream/timerwheel"
	"github.com/c360/termstream/transport"
)

// streamKey identifies a remote publication on a receive channel.
type streamKey struct {
	sessionID int32
	streamID  int32
}

// Connection is the receiving side of a remote publication. The receiver rebuilds the
// remote log into it and subscribers read it through their images.
type Connection struct {
	id          int64
	channel     transport.Channel
	key         streamKey
	log         *logbuffer.Log
	rebuilder   *logbuffer.Rebuilder
	window      int32
	controlAddr net.Addr
	receive     *receiveChannel

	state streamState

	lastFrameNs      atomic.Int64
	receiverReleased atomic.Bool

	// Owned by the receiver.
	nakDelay       retransmit.DelayGenerator
	nakRetry       int64
	nakGap         logbuffer.Gap
	nakDeadline    int64
	nakPending     bool
	smSent         bool
	smDue          bool
	lastSMNs       int64
	lastSMPosition int64

	// Owned by the conductor.
	images         []*Image
	livenessTimer  *timerwheel.Timer
	lingerTimer    *timerwheel.Timer
	lingerPosition int64
}

// SessionID returns the remote publication's session id.
func (c *Connection) SessionID() int32 { return c.key.sessionID }

// StreamID returns the stream id.
func (c *Connection) StreamID() int32 { return c.key.streamID }

// State returns the lifecycle state.
func (c *Connection) State() StreamState { return c.state.Load() }

// RebuildPosition returns the contiguous position received so far.
func (c *Connection) RebuildPosition() int64 { return c.rebuilder.Position() }

// consumptionPosition is the slowest subscriber position, or the rebuild position when
// nobody reads the stream.
func (c *Connection) consumptionPosition() int64 {
	if pos, ok := c.log.MinReaderPosition(); ok {
		return pos
	}
	return c.rebuilder.Position()
}

// Image is one subscription's view of a connection.
type Image struct {
	conn   *Connection
	reader *logbuffer.Reader
}

// SessionID returns the session id of the publication the image follows.
func (i *Image) SessionID() int32 { return i.conn.key.sessionID }

// Position returns the image's read position.
func (i *Image) Position() int64 { return i.reader.Position() }

// Closed reports whether the connection behind the image has been closed.
func (i *Image) Closed() bool { return i.conn.log.IsClosed() }

// Poll delivers up to fragmentLimit fragments to handler.
func (i *Image) Poll(fragmentLimit int, handler logbuffer.FragmentHandler) (int, error) {
	return i.reader.Poll(fragmentLimit, handler)
}
