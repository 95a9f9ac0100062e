// Package memnet is an in-memory datagram network for driver tests.
//
// Endpoints exchange copies of datagrams through FIFO mailboxes. A Filter can drop,
// and a test can hold and release, individual datagrams to script loss and reordering
// deterministically.
package memnet

import (
	"fmt"
	"net"
	"sync"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/transport"
)

// Addr is a memnet address.
type Addr string

// Network implements net.Addr.
func (Addr) Network() string { return "memnet" }

func (a Addr) String() string { return string(a) }

// Filter decides whether a datagram is delivered to the endpoint bound at to. For
// multicast it is called once per group member.
type Filter func(datagram []byte, from, to net.Addr) bool

type datagram struct {
	data []byte
	from net.Addr
}

// Network is a simulated datagram network.
type Network struct {
	mu        sync.Mutex
	endpoints map[Addr]*Endpoint
	groups    map[Addr][]*Endpoint
	nextPort  int
	filter    Filter
	held      []held

	delivered int64
	dropped   int64
}

type held struct {
	data []byte
	from net.Addr
	to   *Endpoint
}

var _ transport.Network = (*Network)(nil)

// New creates an empty network.
func New() *Network {
	return &Network{
		endpoints: make(map[Addr]*Endpoint),
		groups:    make(map[Addr][]*Endpoint),
		nextPort:  50000,
	}
}

// SetFilter installs f; nil delivers everything.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// Stats returns the number of delivered and dropped datagrams.
func (n *Network) Stats() (delivered, dropped int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delivered, n.dropped
}

// OpenReceive implements transport.Network.
func (n *Network) OpenReceive(ch transport.Channel) (transport.Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr := Addr(ch.Address())
	if ch.Multicast {
		e := n.newEndpoint(n.ephemeral())
		e.group = addr
		n.groups[addr] = append(n.groups[addr], e)
		return e, nil
	}
	if _, ok := n.endpoints[addr]; ok {
		return nil, errors.WrapTransient(fmt.Errorf("address %s already in use", addr),
			"memnet", "OpenReceive", "bind address")
	}
	return n.newEndpoint(addr), nil
}

// OpenSend implements transport.Network.
func (n *Network) OpenSend(ch transport.Channel) (transport.SendEndpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	e := n.newEndpoint(n.ephemeral())
	return &sendEndpoint{Endpoint: e, destination: Addr(ch.Address())}, nil
}

func (n *Network) ephemeral() Addr {
	n.nextPort++
	return Addr(fmt.Sprintf("memnet:%d", n.nextPort))
}

func (n *Network) newEndpoint(addr Addr) *Endpoint {
	e := &Endpoint{net: n, addr: addr}
	n.endpoints[addr] = e
	return e
}

func (n *Network) deliver(data []byte, from net.Addr, to Addr) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var targets []*Endpoint
	if members, ok := n.groups[to]; ok {
		targets = members
	} else if e, ok := n.endpoints[to]; ok {
		targets = []*Endpoint{e}
	}

	for _, e := range targets {
		if e.addr == from {
			continue
		}
		if n.filter != nil && !n.filter(data, from, e.addr) {
			n.dropped++
			continue
		}
		e.enqueue(append([]byte(nil), data...), from)
		n.delivered++
	}
	return nil
}

// Hold diverts datagrams matching f into a holding area instead of delivering them.
// Held datagrams are delivered, in order, by Release.
func (n *Network) Hold(f Filter) {
	n.SetFilter(func(data []byte, from, to net.Addr) bool {
		if !f(data, from, to) {
			return true
		}
		n.held = append(n.held, held{data: append([]byte(nil), data...), from: from, to: n.endpoints[Addr(to.String())]})
		return false
	})
}

// Release delivers every held datagram and removes any filter.
func (n *Network) Release() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = nil
	count := 0
	for _, h := range n.held {
		if h.to != nil {
			h.to.enqueue(h.data, h.from)
			count++
		}
	}
	n.held = nil
	return count
}

func (n *Network) remove(e *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, e.addr)
	if e.group != "" {
		members := n.groups[e.group]
		for i, m := range members {
			if m == e {
				members = append(members[:i], members[i+1:]...)
				break
			}
		}
		if len(members) == 0 {
			delete(n.groups, e.group)
		} else {
			n.groups[e.group] = members
		}
	}
}

// Endpoint is a memnet socket.
type Endpoint struct {
	net   *Network
	addr  Addr
	group Addr

	mu      sync.Mutex
	mailbox []datagram
	closed  bool
}

func (e *Endpoint) enqueue(data []byte, from net.Addr) {
	e.mu.Lock()
	if !e.closed {
		e.mailbox = append(e.mailbox, datagram{data: data, from: from})
	}
	e.mu.Unlock()
}

// Poll implements transport.Endpoint.
func (e *Endpoint) Poll(limit int, handler transport.DatagramHandler) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, errors.WrapFatal(errors.ErrEndpointClosed, "memnet", "Poll", "poll endpoint")
	}
	if limit > len(e.mailbox) {
		limit = len(e.mailbox)
	}
	batch := make([]datagram, limit)
	copy(batch, e.mailbox[:limit])
	e.mailbox = e.mailbox[limit:]
	e.mu.Unlock()

	for _, d := range batch {
		handler(d.data, d.from)
	}
	return len(batch), nil
}

// SendTo implements transport.Endpoint.
func (e *Endpoint) SendTo(datagram []byte, addr net.Addr) error {
	if e.isClosed() {
		return errors.WrapFatal(errors.ErrEndpointClosed, "memnet", "SendTo", "send datagram")
	}
	return e.net.deliver(datagram, e.addr, Addr(addr.String()))
}

// LocalAddr implements transport.Endpoint.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.addr
}

// Pending returns the number of datagrams waiting to be polled.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.mailbox)
}

// Close implements transport.Endpoint.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mailbox = nil
	e.mu.Unlock()
	e.net.remove(e)
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type sendEndpoint struct {
	*Endpoint
	destination Addr
}

func (s *sendEndpoint) Send(datagram []byte) error {
	return s.SendTo(datagram, s.destination)
}

func (s *sendEndpoint) Destination() net.Addr {
	return s.destination
}
