package udp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/pkg/buffer"
	"github.com/c360/termstream/transport"
)

const (
	readDeadline = 100 * time.Millisecond
	stopTimeout  = time.Second
)

type datagram struct {
	data []byte
	from *net.UDPAddr
}

type endpoint struct {
	net   *Network
	conn  *net.UDPConn
	queue buffer.Queue[datagram]

	running atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	received atomic.Int64
	dropped  atomic.Int64
}

func newEndpoint(n *Network, conn *net.UDPConn) (*endpoint, error) {
	q, err := buffer.NewOneToOne[datagram](n.cfg.QueueCapacity)
	if err != nil {
		return nil, errors.Wrap(err, "udp", "newEndpoint", "create datagram queue")
	}
	return &endpoint{
		net:   n,
		conn:  conn,
		queue: q,
		done:  make(chan struct{}),
	}, nil
}

func (e *endpoint) run() {
	e.running.Store(true)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(e.done)
		e.readLoop()
	}()
}

// readLoop copies datagrams off the socket into the queue until the endpoint closes.
func (e *endpoint) readLoop() {
	buf := make([]byte, e.net.cfg.ReadBufferLength)
	m := e.net.metrics

	for e.running.Load() {
		// Deadline lets the loop observe shutdown.
		_ = e.conn.SetReadDeadline(time.Now().Add(readDeadline))

		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if !e.running.Load() {
				return
			}
			m.recordSocketError()
			if errors.IsFatal(err) {
				e.net.logger.Warn("UDP endpoint read loop stopped", "local", e.conn.LocalAddr().String(), "error", err)
				return
			}
			e.net.warn.Warn("UDP read failed", "local", e.conn.LocalAddr().String(), "error", err)
			continue
		}

		e.received.Add(1)
		m.recordReceived(n)

		data := make([]byte, n)
		copy(data, buf[:n])
		if !e.queue.Offer(datagram{data: data, from: from}) {
			e.dropped.Add(1)
			m.recordDropped()
			e.net.warn.Warn("UDP datagram queue full, dropping", "local", e.conn.LocalAddr().String())
		}
		m.recordQueue(e.queue.Size(), e.queue.Capacity())
	}
}

func (e *endpoint) Poll(limit int, handler transport.DatagramHandler) (int, error) {
	if e.closed.Load() {
		return 0, errors.WrapFatal(errors.ErrEndpointClosed, "udp", "Poll", "poll endpoint")
	}
	return e.queue.Drain(func(d datagram) { handler(d.data, d.from) }, limit), nil
}

func (e *endpoint) SendTo(datagram []byte, addr net.Addr) error {
	if e.closed.Load() {
		return errors.WrapFatal(errors.ErrEndpointClosed, "udp", "SendTo", "send datagram")
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr.String())
		if err != nil {
			return errors.WrapInvalid(err, "udp", "SendTo", "resolve address")
		}
		udpAddr = resolved
	}
	n, err := e.conn.WriteToUDP(datagram, udpAddr)
	if err != nil {
		e.net.metrics.recordSocketError()
		return errors.WrapTransient(err, "udp", "SendTo", "write datagram")
	}
	e.net.metrics.recordSent(n)
	return nil
}

func (e *endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

func (e *endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.running.Store(false)
	err := e.conn.Close()
	e.net.forget(e)

	select {
	case <-e.done:
	case <-time.After(stopTimeout):
		return errors.WrapTransient(errors.New("read loop did not stop"), "udp", "Close", "graceful shutdown")
	}
	if err != nil {
		return errors.Wrap(err, "udp", "Close", "close socket")
	}
	return nil
}

type sendEndpoint struct {
	*endpoint
	destination *net.UDPAddr
}

func (s *sendEndpoint) Send(datagram []byte) error {
	return s.SendTo(datagram, s.destination)
}

func (s *sendEndpoint) Destination() net.Addr {
	return s.destination
}
