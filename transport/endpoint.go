package transport

import (
	"net"
)

// DatagramHandler receives one datagram. The slice is only valid during the call.
type DatagramHandler func(datagram []byte, from net.Addr)

// Endpoint is a non-blocking datagram socket.
type Endpoint interface {
	// Poll delivers up to limit queued datagrams and returns how many were delivered.
	Poll(limit int, handler DatagramHandler) (int, error)
	// SendTo writes one datagram to addr.
	SendTo(datagram []byte, addr net.Addr) error
	// LocalAddr returns the bound address.
	LocalAddr() net.Addr
	Close() error
}

// SendEndpoint is the sender side of a channel. Data goes to the channel destination
// and control frames from receivers come back through Poll.
type SendEndpoint interface {
	Endpoint
	// Send writes one datagram to the channel destination.
	Send(datagram []byte) error
	// Destination returns the channel address data is sent to.
	Destination() net.Addr
}

// Network opens endpoints for channels.
type Network interface {
	// OpenReceive binds the receiving side of a channel, joining the group for
	// multicast channels.
	OpenReceive(ch Channel) (Endpoint, error)
	// OpenSend opens the sending side of a channel on an ephemeral local address.
	OpenSend(ch Channel) (SendEndpoint, error)
}
