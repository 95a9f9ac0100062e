package driver

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/config"
	"github.com/c360/termstream/logbuffer"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/pkg/clock"
	"github.com/c360/termstream/protocol"
	"github.com/c360/termstream/transport"
	"github.com/c360/termstream/transport/memnet"
)

const (
	testChannel = "udp://127.0.0.1:40123"
	testStream  = int32(1001)
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.TermBufferLength = logbuffer.TermMinLength
	cfg.InitialWindowLength = 16 * 1024
	cfg.ClientLivenessTimeout = time.Hour
	cfg.Metrics.Enabled = false
	return cfg
}

// harness steps a driver by hand on a simulated clock over an in-memory network.
type harness struct {
	t        *testing.T
	clock    *clock.Simulated
	net      *memnet.Network
	registry *metric.MetricsRegistry
	driver   *Driver
	client   uuid.UUID
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    clock.NewSimulated(0),
		net:      memnet.New(),
		registry: metric.NewMetricsRegistry(),
		client:   uuid.New(),
	}
	d, err := New(cfg, Deps{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		MetricsRegistry: h.registry,
		Clock:           h.clock,
		Network:         h.net,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	h.driver = d
	return h
}

// step runs n duty cycles of every agent without moving the clock.
func (h *harness) step(n int) {
	for i := 0; i < n; i++ {
		h.driver.doWork()
	}
}

// advanceTo moves the clock to target in increments, stepping the agents after each.
func (h *harness) advanceTo(target, increment time.Duration) {
	for now := time.Duration(h.clock.NanoTime()); now < target; {
		now = min(now+increment, target)
		h.clock.Set(int64(now))
		h.step(3)
	}
}

func (h *harness) submit(cmd Command) Reply {
	h.t.Helper()
	require.NoError(h.t, h.driver.Submit(cmd))
	h.step(1)
	select {
	case r := <-cmd.header().Reply():
		return r
	default:
		h.t.Fatal("command not answered after one duty cycle")
		return Reply{}
	}
}

func (h *harness) addPublication(channel string, streamID int32) *Publication {
	h.t.Helper()
	r := h.submit(NewAddPublication(h.client, channel, streamID, 0))
	require.NoError(h.t, r.Err)
	require.NotNil(h.t, r.Publication)
	return r.Publication
}

func (h *harness) addSubscription(channel string, streamID int32) *Subscription {
	h.t.Helper()
	r := h.submit(NewAddSubscription(h.client, channel, streamID))
	require.NoError(h.t, r.Err)
	require.NotNil(h.t, r.Subscription)
	return r.Subscription
}

// events returns the lifecycle events emitted so far.
func (h *harness) events() []Event {
	var out []Event
	for {
		select {
		case e := <-h.driver.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

// remotePublisher speaks the wire protocol directly, standing in for a publisher on
// another host.
type remotePublisher struct {
	t        *testing.T
	endpoint transport.SendEndpoint
	setup    protocol.Setup
}

func newRemotePublisher(t *testing.T, network *memnet.Network, channel string, sessionID int32) *remotePublisher {
	t.Helper()
	ch, err := transport.ParseChannel(channel)
	require.NoError(t, err)
	ep, err := network.OpenSend(ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })
	return &remotePublisher{
		t:        t,
		endpoint: ep,
		setup: protocol.Setup{
			SessionID:     sessionID,
			StreamID:      testStream,
			InitialTermID: 7,
			ActiveTermID:  7,
			TermLength:    logbuffer.TermMinLength,
			MTU:           4096,
			InitialWindow: 16 * 1024,
		},
	}
}

func (p *remotePublisher) sendSetup() {
	p.t.Helper()
	buf := make([]byte, protocol.SetupLength)
	n, err := p.setup.Encode(buf)
	require.NoError(p.t, err)
	require.NoError(p.t, p.endpoint.Send(buf[:n]))
}

func (p *remotePublisher) sendHeartbeat(termOffset int32) {
	p.t.Helper()
	buf := make([]byte, protocol.DataHeaderLength)
	n, err := protocol.Heartbeat(buf, p.setup.SessionID, p.setup.StreamID, p.setup.ActiveTermID, termOffset)
	require.NoError(p.t, err)
	require.NoError(p.t, p.endpoint.Send(buf[:n]))
}
