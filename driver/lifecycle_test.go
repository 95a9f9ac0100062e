package driver

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/protocol"
)

func TestStreamState_Transitions(t *testing.T) {
	tests := []struct {
		from, to StreamState
		allowed  bool
	}{
		{StateInit, StateActive, true},
		{StateInit, StateClosed, true},
		{StateInit, StateDraining, false},
		{StateActive, StateDraining, true},
		{StateActive, StateInit, false},
		{StateActive, StateClosed, false},
		{StateDraining, StateClosed, true},
		{StateDraining, StateActive, false},
		{StateClosed, StateInit, false},
		{StateClosed, StateActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			var s streamState
			s.v.Store(int32(tt.from))
			assert.Equal(t, tt.allowed, s.transition(tt.to))
			if tt.allowed {
				assert.Equal(t, tt.to, s.Load())
			} else {
				assert.Equal(t, tt.from, s.Load())
			}
		})
	}
}

// connectRemote subscribes and lets a remote publisher announce itself at time zero.
func connectRemote(t *testing.T, h *harness) (*Subscription, *remotePublisher, *Connection) {
	t.Helper()
	sub := h.addSubscription(testChannel, testStream)
	remote := newRemotePublisher(t, h.net, testChannel, 77)
	remote.sendSetup()
	h.step(3)
	require.Len(t, sub.Images(), 1)
	conn := sub.Images()[0].conn
	require.Equal(t, StateActive, conn.State())
	return sub, remote, conn
}

func TestConnection_LivenessTimeout(t *testing.T) {
	h := newHarness(t, testConfig())
	_, _, conn := connectRemote(t, h)

	h.advanceTo(10*time.Second, 100*time.Millisecond)
	assert.Equal(t, StateActive, conn.State(), "silent for exactly the timeout")

	h.advanceTo(11*time.Second, 100*time.Millisecond)
	assert.Equal(t, StateDraining, conn.State())
	assert.Contains(t, eventTypes(h.events()), EventConnectionUnavailable)
}

func TestConnection_HeartbeatResetsLiveness(t *testing.T) {
	h := newHarness(t, testConfig())
	_, remote, conn := connectRemote(t, h)

	h.advanceTo(9*time.Second, 100*time.Millisecond)
	remote.sendHeartbeat(0)
	h.step(1)

	h.advanceTo(11*time.Second, 100*time.Millisecond)
	assert.Equal(t, StateActive, conn.State())

	h.advanceTo(19*time.Second, 100*time.Millisecond)
	assert.Equal(t, StateActive, conn.State())

	h.advanceTo(20*time.Second, 100*time.Millisecond)
	assert.Equal(t, StateDraining, conn.State())
}

func TestConnection_SetupHeldWhileConductorQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.CommandQueueCapacity = 1
	h := newHarness(t, cfg)
	sub := h.addSubscription(testChannel, testStream)
	h.step(2)

	// Both SETUPs arrive in one receiver cycle; the queue to the conductor takes one.
	newRemotePublisher(t, h.net, testChannel, 77).sendSetup()
	newRemotePublisher(t, h.net, testChannel, 78).sendSetup()
	h.step(1)
	assert.Equal(t, 1, h.driver.receiver.toConductor.Len())

	h.step(3)
	assert.Zero(t, h.driver.receiver.toConductor.Len())
	require.Len(t, sub.Images(), 2, "the held SETUP creates a connection without a resend")
	sessions := []int32{sub.Images()[0].SessionID(), sub.Images()[1].SessionID()}
	assert.ElementsMatch(t, []int32{77, 78}, sessions)
}

func TestConnection_LingerThenReclaim(t *testing.T) {
	h := newHarness(t, testConfig())
	sub, _, conn := connectRemote(t, h)

	h.advanceTo(11*time.Second, 100*time.Millisecond)
	require.Equal(t, StateDraining, conn.State())
	require.Len(t, sub.Images(), 1, "a draining connection stays readable")

	select {
	case <-conn.log.Reclaimed():
		t.Fatal("log reclaimed while lingering")
	default:
	}

	h.advanceTo(17*time.Second, 100*time.Millisecond)
	assert.Equal(t, StateClosed, conn.State())
	assert.Empty(t, sub.Images())
	assert.Empty(t, h.driver.conductor.connections)
	select {
	case <-conn.log.Reclaimed():
	default:
		t.Fatal("log not reclaimed after linger")
	}

	types := eventTypes(h.events())
	assert.Equal(t, []EventType{EventConnectionAvailable, EventConnectionUnavailable, EventConnectionClosed}, types)
}

func TestPublication_LingerThenReclaim(t *testing.T) {
	h := newHarness(t, testConfig())
	sub := h.addSubscription(testChannel, testStream)
	pub := h.addPublication(testChannel, testStream)
	h.step(6)
	require.Equal(t, StateActive, pub.State())

	for i := 0; i < 3; i++ {
		_, err := pub.Offer([]byte("payload"))
		require.NoError(t, err)
	}
	h.step(3)
	n, err := sub.Poll(10, func([]byte, protocol.DataHeader) {})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// Let the status message report the consumption before removal.
	h.advanceTo(time.Second, 50*time.Millisecond)
	r := h.submit(NewRemovePublication(h.client, pub.RegistrationID()))
	require.NoError(t, r.Err)
	assert.Equal(t, StateDraining, pub.State())

	_, err = pub.Offer([]byte("late"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLogClosed))

	h.advanceTo(5500*time.Millisecond, 50*time.Millisecond)
	assert.Equal(t, StateDraining, pub.State(), "still lingering")

	h.advanceTo(6500*time.Millisecond, 50*time.Millisecond)
	assert.Equal(t, StateClosed, pub.State())
	select {
	case <-pub.log.Reclaimed():
	default:
		t.Fatal("publication log not reclaimed")
	}
	assert.Empty(t, h.driver.conductor.publications)
	assert.Contains(t, eventTypes(h.events()), EventPublicationClosed)

	// Heartbeats stopped with the publication, so the connection times out too.
	h.advanceTo(25*time.Second, 100*time.Millisecond)
	assert.Empty(t, sub.Images())
}

func TestPublication_LingerExtendedByActivity(t *testing.T) {
	h := newHarness(t, testConfig())
	sub := h.addSubscription(testChannel, testStream)
	pub := h.addPublication(testChannel, testStream)
	h.step(6)
	require.Equal(t, StateActive, pub.State())

	// Fill more than a quarter of the receiver window so consumption produces status
	// messages that advance.
	msg := make([]byte, 1000)
	for i := 0; i < 20; i++ {
		_, err := pub.Offer(msg)
		require.NoError(t, err)
	}
	h.step(3)

	r := h.submit(NewRemovePublication(h.client, pub.RegistrationID()))
	require.NoError(t, r.Err)

	// The subscriber consumes slowly; every status message that moves forward counts as
	// activity and re-arms the linger.
	for now := 500 * time.Millisecond; now <= 8*time.Second; now += 500 * time.Millisecond {
		h.advanceTo(now, 50*time.Millisecond)
		_, err := sub.Poll(1, func([]byte, protocol.DataHeader) {})
		require.NoError(t, err)
	}
	assert.Equal(t, StateDraining, pub.State())

	h.advanceTo(20*time.Second, 100*time.Millisecond)
	assert.Equal(t, StateClosed, pub.State())
}

func TestPublication_SetupRetryCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.SetupRetryCeiling = 3
	h := newHarness(t, cfg)
	pub := h.addPublication(testChannel, testStream)

	h.advanceTo(250*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, StateInit, pub.State())

	h.advanceTo(time.Second, 10*time.Millisecond)
	assert.Equal(t, StateClosed, pub.State())
	assert.Equal(t, 3.0, setupsSent(h))

	var setupErr *Event
	for _, e := range h.events() {
		if e.Type == EventSetupError {
			setupErr = &e
		}
	}
	require.NotNil(t, setupErr)
	assert.Equal(t, pub.RegistrationID(), setupErr.RegistrationID)
	assert.Equal(t, h.client, setupErr.ClientID)
	assert.Contains(t, setupErr.Error, errors.ErrSetupTimeout.Error())

	_, err := pub.Offer([]byte("x"))
	assert.True(t, errors.IsFatal(err))
	assert.Empty(t, h.driver.conductor.sendChannels)
}

func TestPublication_MulticastActiveImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.SetupRetryCeiling = 2
	h := newHarness(t, cfg)
	pub := h.addPublication("udp://239.1.2.3:40456", testStream)

	assert.Equal(t, StateActive, pub.State())
	assert.Contains(t, eventTypes(h.events()), EventPublicationReady)

	_, err := pub.Offer([]byte("to the group"))
	require.NoError(t, err)

	// Unanswered SETUPs stop at the ceiling without closing a multicast stream.
	h.advanceTo(time.Second, 10*time.Millisecond)
	assert.Equal(t, StateActive, pub.State())
	assert.Equal(t, 2.0, setupsSent(h))
}

func TestClient_LivenessTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ClientLivenessTimeout = 5 * time.Second
	h := newHarness(t, cfg)

	sub := h.addSubscription(testChannel, testStream)
	pub := h.addPublication(testChannel, testStream)
	h.step(6)
	require.Equal(t, StateActive, pub.State())

	other := uuid.New()
	r := h.submit(NewAddSubscription(other, testChannel, testStream+1))
	require.NoError(t, r.Err)
	kept := r.Subscription

	for now := time.Second; now <= 7*time.Second; now += time.Second {
		h.advanceTo(now, 100*time.Millisecond)
		h.submit(NewClientKeepalive(other))
	}

	assert.True(t, sub.IsClosed())
	assert.Equal(t, StateDraining, pub.State())
	assert.False(t, kept.IsClosed())

	_, err := sub.Poll(1, func([]byte, protocol.DataHeader) {})
	assert.True(t, errors.Is(err, errors.ErrEndpointClosed))

	var timedOut []uuid.UUID
	for _, e := range h.events() {
		if e.Type == EventClientTimeout {
			timedOut = append(timedOut, e.ClientID)
		}
	}
	assert.Equal(t, []uuid.UUID{h.client}, timedOut)
}

func setupsSent(h *harness) float64 {
	return testutil.ToFloat64(h.registry.Driver().FramesSent.WithLabelValues(metric.FrameSetup))
}
