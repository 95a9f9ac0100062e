package memnet

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/transport"
)

func channel(t *testing.T, uri string) transport.Channel {
	t.Helper()
	ch, err := transport.ParseChannel(uri)
	require.NoError(t, err)
	return ch
}

func collect(t *testing.T, e transport.Endpoint) ([]string, []net.Addr) {
	t.Helper()
	var data []string
	var from []net.Addr
	_, err := e.Poll(100, func(d []byte, f net.Addr) {
		data = append(data, string(d))
		from = append(from, f)
	})
	require.NoError(t, err)
	return data, from
}

func TestUnicast_RoundTrip(t *testing.T) {
	n := New()
	ch := channel(t, "udp://localhost:40123")

	recv, err := n.OpenReceive(ch)
	require.NoError(t, err)
	send, err := n.OpenSend(ch)
	require.NoError(t, err)
	assert.Equal(t, "localhost:40123", send.Destination().String())

	require.NoError(t, send.Send([]byte("one")))
	require.NoError(t, send.Send([]byte("two")))

	data, from := collect(t, recv)
	assert.Equal(t, []string{"one", "two"}, data)
	require.Len(t, from, 2)

	require.NoError(t, recv.SendTo([]byte("sm"), from[0]))
	data, _ = collect(t, send)
	assert.Equal(t, []string{"sm"}, data)

	_, err = n.OpenReceive(ch)
	assert.Error(t, err, "address already bound")
}

func TestMulticast_FanOut(t *testing.T) {
	n := New()
	ch := channel(t, "udp://224.0.1.1:40456")

	a, err := n.OpenReceive(ch)
	require.NoError(t, err)
	b, err := n.OpenReceive(ch)
	require.NoError(t, err)
	send, err := n.OpenSend(ch)
	require.NoError(t, err)

	require.NoError(t, send.Send([]byte("data")))
	da, _ := collect(t, a)
	db, _ := collect(t, b)
	assert.Equal(t, []string{"data"}, da)
	assert.Equal(t, []string{"data"}, db)

	require.NoError(t, b.Close())
	require.NoError(t, send.Send([]byte("more")))
	da, _ = collect(t, a)
	assert.Equal(t, []string{"more"}, da)

	delivered, dropped := n.Stats()
	assert.Equal(t, int64(3), delivered)
	assert.Zero(t, dropped)
}

func TestFilterAndHold(t *testing.T) {
	n := New()
	ch := channel(t, "udp://localhost:40123")
	recv, err := n.OpenReceive(ch)
	require.NoError(t, err)
	send, err := n.OpenSend(ch)
	require.NoError(t, err)

	n.SetFilter(func(d []byte, _, _ net.Addr) bool { return string(d) != "drop" })
	require.NoError(t, send.Send([]byte("keep")))
	require.NoError(t, send.Send([]byte("drop")))
	data, _ := collect(t, recv)
	assert.Equal(t, []string{"keep"}, data)

	n.Hold(func(d []byte, _, _ net.Addr) bool { return string(d) == "late" })
	require.NoError(t, send.Send([]byte("late")))
	require.NoError(t, send.Send([]byte("early")))
	data, _ = collect(t, recv)
	assert.Equal(t, []string{"early"}, data)

	assert.Equal(t, 1, n.Release())
	data, _ = collect(t, recv)
	assert.Equal(t, []string{"late"}, data)
}

func TestClosedEndpoint(t *testing.T) {
	n := New()
	recv, err := n.OpenReceive(channel(t, "udp://localhost:1"))
	require.NoError(t, err)
	require.NoError(t, recv.Close())
	require.NoError(t, recv.Close())

	_, err = recv.Poll(1, func([]byte, net.Addr) {})
	assert.ErrorIs(t, err, errors.ErrEndpointClosed)
	assert.ErrorIs(t, recv.SendTo([]byte("x"), Addr("memnet:1")), errors.ErrEndpointClosed)

	_, err = n.OpenReceive(channel(t, "udp://localhost:1"))
	assert.NoError(t, err, "address is free after close")
}
