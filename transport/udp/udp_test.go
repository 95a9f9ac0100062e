package udp

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/transport"
)

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func loopbackChannel(t *testing.T) transport.Channel {
	t.Helper()
	ch, err := transport.ParseChannel(fmt.Sprintf("udp://127.0.0.1:%d", freePort(t)))
	require.NoError(t, err)
	return ch
}

type received struct {
	mu   sync.Mutex
	data []string
	from []net.Addr
}

func (r *received) handler(d []byte, from net.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, string(d))
	r.from = append(r.from, from)
}

func (r *received) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.data...)
}

func TestUnicast_RoundTrip(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	n := New(DefaultConfig(), Deps{MetricsRegistry: registry})
	defer n.Close()

	ch := loopbackChannel(t)
	recv, err := n.OpenReceive(ch)
	require.NoError(t, err)
	send, err := n.OpenSend(ch)
	require.NoError(t, err)

	require.NoError(t, send.Send([]byte("data-1")))
	require.NoError(t, send.Send([]byte("data-2")))

	var got received
	require.Eventually(t, func() bool {
		_, err := recv.Poll(10, got.handler)
		require.NoError(t, err)
		return len(got.snapshot()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"data-1", "data-2"}, got.snapshot())

	// Control goes back to the sender's address.
	require.NoError(t, recv.SendTo([]byte("sm"), got.from[0]))
	var control received
	require.Eventually(t, func() bool {
		_, err := send.Poll(10, control.handler)
		require.NoError(t, err)
		return len(control.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, float64(3), testutil.ToFloat64(n.metrics.datagramsReceived))
	assert.Equal(t, float64(3), testutil.ToFloat64(n.metrics.datagramsSent))
}

func TestQueueOverflowDrops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 2
	n := New(cfg, Deps{})
	defer n.Close()

	ch := loopbackChannel(t)
	recv, err := n.OpenReceive(ch)
	require.NoError(t, err)
	send, err := n.OpenSend(ch)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, send.Send([]byte{byte(i)}))
	}

	ep := recv.(*endpoint)
	require.Eventually(t, func() bool {
		return ep.received.Load() == 10
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(8), ep.dropped.Load())

	count, err := recv.Poll(100, func([]byte, net.Addr) {})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestClose(t *testing.T) {
	n := New(DefaultConfig(), Deps{})
	recv, err := n.OpenReceive(loopbackChannel(t))
	require.NoError(t, err)

	require.NoError(t, recv.Close())
	require.NoError(t, recv.Close())

	_, err = recv.Poll(1, func([]byte, net.Addr) {})
	assert.ErrorIs(t, err, errors.ErrEndpointClosed)
	assert.NoError(t, n.Close())
}

func TestOpenReceive_AddressInUse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.InitialDelay = time.Millisecond
	n := New(cfg, Deps{})
	defer n.Close()

	ch := loopbackChannel(t)
	_, err := n.OpenReceive(ch)
	require.NoError(t, err)

	_, err = n.OpenReceive(ch)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
