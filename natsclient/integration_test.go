//go:build integration

package natsclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_ConnectToRealNATS(t *testing.T) {
	tc := NewTestClient(t)

	assert.True(t, tc.Client.IsHealthy())
	status := tc.Client.GetStatus()
	assert.Equal(t, StatusConnected, status.Status)
	assert.Greater(t, status.RTT, time.Duration(0))
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	got := make(chan []byte, 1)
	require.NoError(t, tc.Client.Subscribe(ctx, "termstream.test", func(_ context.Context, data []byte) {
		got <- data
	}))
	require.NoError(t, tc.Client.Conn().Flush())

	require.NoError(t, tc.Client.Publish(ctx, "termstream.test", []byte("hello")))
	select {
	case data := <-got:
		assert.Equal(t, "hello", string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestIntegration_RequestReply(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, tc.Client.Reply(ctx, "termstream.echo", "workers", func(_ context.Context, subject string, data []byte) []byte {
		calls.Add(1)
		return append([]byte(subject+":"), data...)
	}))
	require.NoError(t, tc.Client.Conn().Flush())

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	reply, err := tc.Client.Request(reqCtx, "termstream.echo", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "termstream.echo:ping", string(reply))
	assert.Equal(t, int32(1), calls.Load())
}

func TestIntegration_JetStream(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := jetstream.StreamConfig{
		Name:     "TERMSTREAM_TEST",
		Subjects: []string{"journal.>"},
		MaxAge:   time.Hour,
	}
	stream, err := tc.Client.EnsureStream(ctx, cfg)
	require.NoError(t, err)

	// A second call updates the existing stream in place.
	_, err = tc.Client.EnsureStream(ctx, cfg)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, tc.Client.PublishToStream(ctx, "journal.event", []byte("x")))
	}
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.State.Msgs)
}

func TestIntegration_CloseDrains(t *testing.T) {
	tc := NewTestClient(t)
	tc.Terminate()

	assert.Equal(t, StatusDisconnected, tc.Client.Status())
	assert.ErrorIs(t, tc.Client.Publish(context.Background(), "a", nil), ErrClosed)
}
