// Package udp implements transport.Network over UDP sockets.
//
// Each endpoint owns one socket and a reader goroutine. The reader blocks on the socket
// with a short deadline, copies each datagram and offers it to a bounded queue; the
// owning agent drains the queue with Poll and never blocks on the network. Datagrams
// arriving while the queue is full are dropped and counted, which the protocol
// recovers from like any other loss.
package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/c360/termstream/agent"
	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/pkg/retry"
	"github.com/c360/termstream/transport"
)

// Config holds socket settings.
type Config struct {
	// ReadBufferLength is the largest datagram accepted.
	ReadBufferLength int
	// SocketRcvBuf and SocketSndBuf set SO_RCVBUF and SO_SNDBUF; zero keeps the OS
	// default.
	SocketRcvBuf int
	SocketSndBuf int
	// QueueCapacity bounds datagrams waiting for Poll.
	QueueCapacity int
	// Retry governs socket binding.
	Retry retry.Config
}

// DefaultConfig returns the driver defaults.
func DefaultConfig() Config {
	return Config{
		ReadBufferLength: 4096,
		SocketRcvBuf:     128 * 1024,
		QueueCapacity:    1024,
		Retry:            retry.DefaultConfig(),
	}
}

// Deps holds runtime dependencies.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Network opens UDP endpoints.
type Network struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	warn    *agent.ThrottledLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	endpoints map[*endpoint]struct{}
}

var _ transport.Network = (*Network)(nil)

// New creates a UDP network.
func New(cfg Config, deps Deps) *Network {
	defaults := DefaultConfig()
	if cfg.ReadBufferLength <= 0 {
		cfg.ReadBufferLength = defaults.ReadBufferLength
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaults.QueueCapacity
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = defaults.Retry
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "udp-transport")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Network{
		cfg:       cfg,
		logger:    logger,
		metrics:   newMetrics(deps.MetricsRegistry, logger),
		warn:      agent.NewThrottledLogger(logger, time.Second, 5),
		ctx:       ctx,
		cancel:    cancel,
		endpoints: make(map[*endpoint]struct{}),
	}
}

// OpenReceive implements transport.Network.
func (n *Network) OpenReceive(ch transport.Channel) (transport.Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", ch.Address())
	if err != nil {
		return nil, errors.WrapInvalid(err, "udp", "OpenReceive", "resolve channel address")
	}

	var ifi *net.Interface
	if ch.Interface != "" {
		if ifi, err = lookupInterface(ch.Interface); err != nil {
			return nil, err
		}
	}

	var conn *net.UDPConn
	bind := func() error {
		var err error
		if ch.Multicast {
			conn, err = net.ListenMulticastUDP("udp", ifi, addr)
		} else {
			conn, err = net.ListenUDP("udp", addr)
		}
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		return nil
	}
	if err := retry.Do(n.ctx, n.cfg.Retry, bind); err != nil {
		return nil, errors.WrapTransient(err, "udp", "OpenReceive", "socket binding")
	}
	return n.start(conn, ch, nil)
}

// OpenSend implements transport.Network.
func (n *Network) OpenSend(ch transport.Channel) (transport.SendEndpoint, error) {
	dest, err := net.ResolveUDPAddr("udp", ch.Address())
	if err != nil {
		return nil, errors.WrapInvalid(err, "udp", "OpenSend", "resolve channel address")
	}

	local := &net.UDPAddr{}
	if ch.Interface != "" {
		ifi, err := lookupInterface(ch.Interface)
		if err != nil {
			return nil, err
		}
		if ip := interfaceIP(ifi, dest.IP.To4() != nil); ip != nil {
			local.IP = ip
		}
	}

	var conn *net.UDPConn
	bind := func() error {
		var err error
		if conn, err = net.ListenUDP("udp", local); err != nil {
			return fmt.Errorf("failed to open send socket: %w", err)
		}
		return nil
	}
	if err := retry.Do(n.ctx, n.cfg.Retry, bind); err != nil {
		return nil, errors.WrapTransient(err, "udp", "OpenSend", "socket binding")
	}

	e, err := n.start(conn, ch, dest)
	if err != nil {
		return nil, err
	}
	return &sendEndpoint{endpoint: e, destination: dest}, nil
}

func (n *Network) start(conn *net.UDPConn, ch transport.Channel, dest *net.UDPAddr) (*endpoint, error) {
	if n.cfg.SocketRcvBuf > 0 {
		if err := conn.SetReadBuffer(n.cfg.SocketRcvBuf); err != nil {
			n.logger.Warn("Could not set UDP receive buffer size",
				"buffer_size", n.cfg.SocketRcvBuf, "channel", ch.String(), "error", err)
		}
	}
	if n.cfg.SocketSndBuf > 0 {
		if err := conn.SetWriteBuffer(n.cfg.SocketSndBuf); err != nil {
			n.logger.Warn("Could not set UDP send buffer size",
				"buffer_size", n.cfg.SocketSndBuf, "channel", ch.String(), "error", err)
		}
	}

	e, err := newEndpoint(n, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	n.mu.Lock()
	n.endpoints[e] = struct{}{}
	n.mu.Unlock()

	n.logger.Debug("Opened UDP endpoint", "channel", ch.String(), "local", conn.LocalAddr().String(),
		"send", dest != nil)
	e.run()
	return e, nil
}

func (n *Network) forget(e *endpoint) {
	n.mu.Lock()
	delete(n.endpoints, e)
	n.mu.Unlock()
}

// Close stops pending binds and closes every open endpoint.
func (n *Network) Close() error {
	n.cancel()

	n.mu.Lock()
	open := make([]*endpoint, 0, len(n.endpoints))
	for e := range n.endpoints {
		open = append(open, e)
	}
	n.mu.Unlock()

	var errs []error
	for _, e := range open {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func lookupInterface(name string) (*net.Interface, error) {
	if ifi, err := net.InterfaceByName(name); err == nil {
		return ifi, nil
	}
	// Also accept an address assigned to the interface.
	ip := net.ParseIP(name)
	ifaces, err := net.Interfaces()
	if err != nil || ip == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown interface %q", errors.ErrInvalidChannel, name),
			"udp", "lookupInterface", "resolve interface")
	}
	for i := range ifaces {
		addrs, _ := ifaces[i].Addrs()
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, errors.WrapInvalid(fmt.Errorf("%w: no interface with address %s", errors.ErrInvalidChannel, name),
		"udp", "lookupInterface", "resolve interface")
}

func interfaceIP(ifi *net.Interface, v4 bool) net.IP {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if (ipnet.IP.To4() != nil) == v4 {
			return ipnet.IP
		}
	}
	return nil
}
