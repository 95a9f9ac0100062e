package driver

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/config"
	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/logbuffer"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/protocol"
	"github.com/c360/termstream/transport/memnet"
)

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.TermBufferLength = 100_000

	_, err := New(cfg, Deps{Network: memnet.New()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidTermLength))
	assert.True(t, errors.IsFatal(err))
}

func TestUnicast_SetupHandshake(t *testing.T) {
	h := newHarness(t, testConfig())
	sub := h.addSubscription(testChannel, testStream)
	pub := h.addPublication(testChannel, testStream)
	assert.Equal(t, StateInit, pub.State())

	_, err := pub.Offer([]byte("too early"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoConnection))
	assert.True(t, errors.IsTransient(err))

	h.step(6)
	assert.Equal(t, StateActive, pub.State())
	require.Len(t, sub.Images(), 1)
	assert.Equal(t, pub.SessionID(), sub.Images()[0].SessionID())
	assert.ElementsMatch(t,
		[]EventType{EventConnectionAvailable, EventPublicationReady},
		eventTypes(h.events()))

	drivers := h.registry.Driver()
	assert.Equal(t, 1.0, testutil.ToFloat64(drivers.FramesSent.WithLabelValues(metric.FrameSetup)))
	assert.GreaterOrEqual(t, testutil.ToFloat64(drivers.FramesReceived.WithLabelValues(metric.FrameStatus)), 1.0)
}

func TestPublication_OfferAndPoll(t *testing.T) {
	h := newHarness(t, testConfig())
	sub := h.addSubscription(testChannel, testStream)
	pub := h.addPublication(testChannel, testStream)
	h.step(6)
	require.Equal(t, StateActive, pub.State())

	messages := []string{"alpha", "bravo", "charlie"}
	for _, m := range messages {
		_, err := pub.Offer([]byte(m))
		require.NoError(t, err)
	}
	h.step(3)

	var got []string
	n, err := sub.Poll(10, func(payload []byte, _ protocol.DataHeader) {
		got = append(got, string(payload))
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, messages, got)
	assert.Equal(t, pub.Position(), pub.SenderPosition())
	assert.Equal(t, pub.Position(), sub.Images()[0].Position())
}

func TestFlowControl_WindowNeverExceeded(t *testing.T) {
	h := newHarness(t, testConfig())
	sub := h.addSubscription(testChannel, testStream)
	pub := h.addPublication(testChannel, testStream)
	h.step(6)
	require.Equal(t, StateActive, pub.State())
	require.Len(t, sub.Images(), 1)

	img := sub.Images()[0]
	receiverWindow := int64(img.conn.window)
	msg := make([]byte, 1000)
	sent, received := 0, 0
	handler := func([]byte, protocol.DataHeader) { received++ }

	for i := 0; i < 600; i++ {
		if _, err := pub.Offer(msg); err == nil {
			sent++
		} else {
			require.True(t,
				errors.Is(err, errors.ErrBackPressured) || errors.Is(err, errors.ErrInsufficientSpace),
				"unexpected offer error: %v", err)
		}

		h.clock.Advance(time.Millisecond)
		h.step(1)

		senderPos := pub.SenderPosition()
		require.LessOrEqual(t, senderPos, pub.SenderLimit())
		require.LessOrEqual(t, senderPos, img.Position()+receiverWindow)

		// A slow consumer keeps the window closed most of the time.
		if i%5 == 0 {
			_, err := sub.Poll(4, handler)
			require.NoError(t, err)
		}
	}

	for i := 0; i < 1000 && received < sent; i++ {
		h.clock.Advance(time.Millisecond)
		h.step(1)
		_, err := sub.Poll(64, handler)
		require.NoError(t, err)
		require.LessOrEqual(t, pub.SenderPosition(), img.Position()+receiverWindow)
	}
	assert.Equal(t, sent, received)
	assert.Greater(t, sent, 200, "the log should have rotated several terms")
	assert.Greater(t, testutil.ToFloat64(h.registry.Driver().BackPressure), 0.0)
}

func TestFlowControl_PadLargerThanReceiverWindow(t *testing.T) {
	cfg := testConfig()
	cfg.MTULength = 1024
	cfg.InitialWindowLength = 1024
	cfg.SubscriptionTermWindowLength = 1024
	h := newHarness(t, cfg)
	sub := h.addSubscription(testChannel, testStream)
	pub := h.addPublication(testChannel, testStream)
	h.step(6)
	require.Equal(t, StateActive, pub.State())

	// 128 bytes plus seven 8 KiB messages leave 8064 bytes in the term, so the eighth
	// large message pads a region eight times the receiver window.
	messages := [][]byte{bytes.Repeat([]byte{0}, 100)}
	for i := 1; i <= 20; i++ {
		messages = append(messages, bytes.Repeat([]byte{byte(i)}, 8000))
	}

	var got [][]byte
	assembler := logbuffer.NewFragmentAssembler(func(payload []byte, _ protocol.DataHeader) {
		got = append(got, append([]byte(nil), payload...))
	})
	next := 0
	for i := 0; i < 10_000 && len(got) < len(messages); i++ {
		if next < len(messages) {
			if _, err := pub.Offer(messages[next]); err == nil {
				next++
			} else {
				require.True(t,
					errors.Is(err, errors.ErrBackPressured) || errors.Is(err, errors.ErrInsufficientSpace),
					"unexpected offer error: %v", err)
			}
		}
		h.clock.Advance(time.Millisecond)
		h.step(1)
		_, err := sub.Poll(64, assembler.OnFragment)
		require.NoError(t, err)
	}

	require.Len(t, got, len(messages), "sender stalled at the term end")
	for i, m := range got {
		assert.Equal(t, messages[i], m, "message %d", i)
	}
	assert.GreaterOrEqual(t,
		testutil.ToFloat64(h.registry.Driver().FramesSent.WithLabelValues(metric.FramePad)), 1.0)
	assert.Equal(t, pub.Position(), pub.SenderPosition())
}

func TestPublication_WindowSmallerThanMTU(t *testing.T) {
	t.Run("publication rejected", func(t *testing.T) {
		cfg := testConfig()
		cfg.MTULength = 8192
		cfg.ReadBufferLength = 8192
		cfg.PublicationTermWindowLength = 4096
		h := newHarness(t, cfg)

		r := h.submit(NewAddPublication(h.client, testChannel, testStream, 0))
		require.Error(t, r.Err)
		assert.True(t, errors.Is(r.Err, errors.ErrMTUExceedsWindow))
		assert.True(t, errors.IsFatal(r.Err))
		assert.Nil(t, r.Publication)
		assert.Empty(t, h.driver.conductor.publications)
		assert.Empty(t, h.driver.conductor.sendChannels)
	})

	t.Run("setup ignored", func(t *testing.T) {
		cfg := testConfig()
		cfg.SubscriptionTermWindowLength = 4096
		h := newHarness(t, cfg)
		sub := h.addSubscription(testChannel, testStream)

		remote := newRemotePublisher(t, h.net, testChannel, 77)
		remote.setup.MTU = 8192
		remote.sendSetup()
		h.step(4)

		assert.Empty(t, sub.Images())
		assert.Empty(t, h.driver.conductor.connections)
	})
}

func TestPublication_DuplicateSession(t *testing.T) {
	h := newHarness(t, testConfig())
	r := h.submit(NewAddPublication(h.client, testChannel, testStream, 42))
	require.NoError(t, r.Err)
	assert.Equal(t, int32(42), r.Publication.SessionID())

	r = h.submit(NewAddPublication(h.client, testChannel, testStream, 42))
	require.Error(t, r.Err)
	assert.True(t, errors.IsInvalid(r.Err))

	r = h.submit(NewAddPublication(h.client, testChannel, testStream+1, 42))
	require.NoError(t, r.Err)
}

func TestRemove_UnknownRegistration(t *testing.T) {
	h := newHarness(t, testConfig())
	pub := h.addPublication(testChannel, testStream)

	tests := []struct {
		name string
		cmd  Command
	}{
		{"unknown publication", NewRemovePublication(h.client, 9999)},
		{"unknown subscription", NewRemoveSubscription(h.client, 9999)},
		{"publication of another client", NewRemovePublication(uuid.New(), pub.RegistrationID())},
	}
	for _, tt := range tests {
		r := h.submit(tt.cmd)
		require.Error(t, r.Err, tt.name)
		assert.True(t, errors.Is(r.Err, errors.ErrUnknownRegistration), tt.name)
		assert.True(t, errors.IsInvalid(r.Err), tt.name)
	}
	assert.Equal(t, StateInit, pub.State())
}

func TestConductor_FullSenderQueueDoesNotBlock(t *testing.T) {
	cfg := testConfig()
	cfg.CommandQueueCapacity = 4
	h := newHarness(t, cfg)

	const publications = 8
	for i := 0; i < publications; i++ {
		h.addPublication(testChannel, testStream+int32(i))
	}
	require.Equal(t, float64(publications), setupsSent(h))

	// Every setup retry fires in one conductor cycle, twice what the sender queue holds.
	h.clock.Set(int64(cfg.PublicationSetupTimeout))
	stepped := make(chan struct{})
	go func() {
		h.step(1)
		close(stepped)
	}()
	select {
	case <-stepped:
	case <-time.After(5 * time.Second):
		t.Fatal("duty cycle blocked on a full sender queue")
	}
	assert.Positive(t, h.driver.conductor.toSender.Len(), "overflow is held, not dropped")

	h.step(2)
	assert.Zero(t, h.driver.conductor.toSender.Len())
	assert.Equal(t, float64(2*publications), setupsSent(h), "held setups are sent in order on later cycles")
}

func TestLossRecovery_Nak(t *testing.T) {
	h := newHarness(t, testConfig())
	sub := h.addSubscription(testChannel, testStream)
	pub := h.addPublication(testChannel, testStream)
	h.step(6)
	require.Equal(t, StateActive, pub.State())

	dataFrames, dropped := 0, 0
	h.net.SetFilter(func(datagram []byte, _, _ net.Addr) bool {
		if protocol.TypeOf(datagram) != protocol.TypeData {
			return true
		}
		dataFrames++
		if dataFrames == 2 {
			dropped++
			return false
		}
		return true
	})

	var want, got []string
	handler := func(payload []byte, _ protocol.DataHeader) { got = append(got, string(payload)) }
	for i := 0; i < 5; i++ {
		m := fmt.Sprintf("message-%d", i)
		want = append(want, m)
		_, err := pub.Offer([]byte(m))
		require.NoError(t, err)
		h.step(1)
	}
	_, err := sub.Poll(10, handler)
	require.NoError(t, err)
	assert.Equal(t, want[:1], got, "delivery stops at the gap")

	h.advanceTo(500*time.Millisecond, 10*time.Millisecond)
	_, err = sub.Poll(10, handler)
	require.NoError(t, err)

	assert.Equal(t, 1, dropped)
	assert.Equal(t, want, got)
	d := h.registry.Driver()
	assert.GreaterOrEqual(t, testutil.ToFloat64(d.FramesSent.WithLabelValues(metric.FrameNak)), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(d.Retransmits), 1.0)
}

func TestLossRecovery_NakWithInvalidOffsetDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	sub := h.addSubscription(testChannel, testStream)
	pub := h.addPublication(testChannel, testStream)
	h.step(6)
	require.Equal(t, StateActive, pub.State())

	// Move past the first term so that every offset in it lies behind the sender.
	msg := make([]byte, 1000)
	for i := 0; i < 1000 && pub.SenderPosition() <= int64(logbuffer.TermMinLength); i++ {
		_, _ = pub.Offer(msg)
		h.clock.Advance(time.Millisecond)
		h.step(1)
		_, err := sub.Poll(64, func([]byte, protocol.DataHeader) {})
		require.NoError(t, err)
	}
	require.Greater(t, pub.SenderPosition(), int64(logbuffer.TermMinLength))

	d := h.registry.Driver()
	invalidBefore := testutil.ToFloat64(d.InvalidFrames)
	retransmitsBefore := testutil.ToFloat64(d.Retransmits)
	offsets := []int32{logbuffer.TermMinLength - 1, logbuffer.TermMinLength - 8, 4, -8}
	for _, off := range offsets {
		nak := protocol.Nak{
			SessionID:  pub.SessionID(),
			StreamID:   testStream,
			TermID:     pub.log.InitialTermID(),
			TermOffset: off,
			Length:     4096,
		}
		require.NotPanics(t, func() { h.driver.sender.onNak(pub, nak, h.clock.NanoTime()) }, "offset %d", off)
	}
	require.NotPanics(t, func() { h.advanceTo(time.Duration(h.clock.NanoTime())+100*time.Millisecond, 10*time.Millisecond) })

	assert.Equal(t, float64(len(offsets)), testutil.ToFloat64(d.InvalidFrames)-invalidBefore)
	assert.Equal(t, retransmitsBefore, testutil.ToFloat64(d.Retransmits))
}

func TestLossInjection_DataRecovered(t *testing.T) {
	cfg := testConfig()
	cfg.Loss.DataRate = 0.2
	cfg.Loss.DataSeed = 7
	h := newHarness(t, cfg)
	sub := h.addSubscription(testChannel, testStream)
	pub := h.addPublication(testChannel, testStream)

	// SETUP itself may be lost; the retry timer resends it.
	h.advanceTo(time.Second, 10*time.Millisecond)
	require.Equal(t, StateActive, pub.State())

	var got int
	for i := 0; i < 50; i++ {
		_, err := pub.Offer([]byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		h.step(1)
	}
	h.advanceTo(5*time.Second, 10*time.Millisecond)
	for {
		n, err := sub.Poll(100, func([]byte, protocol.DataHeader) { got++ })
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}
	assert.Equal(t, 50, got)
	assert.Greater(t, testutil.ToFloat64(h.registry.Driver().LossDrops.WithLabelValues("data")), 0.0)
}

func TestDriver_StartAndClose(t *testing.T) {
	for _, mode := range []string{config.ThreadingDedicated, config.ThreadingShared} {
		t.Run(mode, func(t *testing.T) {
			cfg := testConfig()
			cfg.ThreadingMode = mode
			d, err := New(cfg, Deps{Network: memnet.New()})
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, d.Start(ctx))
			assert.Error(t, d.Start(ctx))

			client := uuid.New()
			sub, err := d.AddSubscription(ctx, client, testChannel, testStream)
			require.NoError(t, err)
			pub, err := d.AddPublication(ctx, client, testChannel, testStream, 0)
			require.NoError(t, err)

			require.Eventually(t, func() bool { return pub.State() == StateActive }, 2*time.Second, time.Millisecond)
			_, err = pub.Offer([]byte("hello"))
			require.NoError(t, err)

			var got string
			require.Eventually(t, func() bool {
				_, _ = sub.Poll(1, func(p []byte, _ protocol.DataHeader) { got = string(p) })
				return got == "hello"
			}, 2*time.Second, time.Millisecond)

			require.Eventually(t, func() bool {
				ok, _ := d.Healthy()
				return ok
			}, time.Second, time.Millisecond)

			require.NoError(t, d.Keepalive(ctx, client))
			require.NoError(t, d.RemovePublication(ctx, client, pub.RegistrationID()))
			require.NoError(t, d.RemoveSubscription(ctx, client, sub.RegistrationID()))

			require.NoError(t, d.Close())
			require.NoError(t, d.Close())
			require.NoError(t, d.Wait())

			_, err = d.AddPublication(ctx, client, testChannel, testStream, 0)
			assert.True(t, errors.Is(err, errors.ErrDriverClosed))
			assert.True(t, pub.log.IsClosed())
		})
	}
}
