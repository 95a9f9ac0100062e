package flowcontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/errors"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		name    string
		want    Kind
		wantErr bool
	}{
		{"unicast", KindUnicast, false},
		{"", KindUnicast, false},
		{"multicast", KindMulticast, false},
		{"max_multicast", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKind(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsFatal(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "multicast", KindMulticast.String())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(4096, 128*1024))
	assert.NoError(t, Validate(4096, 4096))

	err := Validate(8192, 4096)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMTUExceedsWindow)
	assert.True(t, errors.IsFatal(err))
}

func TestWindowLength(t *testing.T) {
	const term = 64 * 1024
	assert.Equal(t, term/2, WindowLength(0, term))
	assert.Equal(t, term/2, WindowLength(term, term))
	assert.Equal(t, 8192, WindowLength(8192, term))
}

func TestUnicast_LimitOnlyAdvances(t *testing.T) {
	s := New(KindUnicast, Params{InitialPosition: 0, InitialWindow: 1000})
	assert.Equal(t, int64(1000), s.Limit())
	assert.Equal(t, 1000, s.InitialWindowLength(512))
	assert.Equal(t, 4096, s.InitialWindowLength(4096), "initial window is at least one mtu")

	assert.Equal(t, int64(1500), s.OnStatusMessage(1, 500, 1000, 0))
	assert.Equal(t, int64(1500), s.OnStatusMessage(1, 200, 1000, 0), "stale status message")
	assert.Equal(t, int64(3000), s.OnStatusMessage(1, 2000, 1000, 0))
	assert.Equal(t, int64(3000), s.OnIdle(time.Hour.Nanoseconds()))
}

func TestMulticast_SlowestReceiverGoverns(t *testing.T) {
	const window = 1000
	s := New(KindMulticast, Params{InitialWindow: window, ReceiverTimeout: 10 * time.Second})

	s.OnStatusMessage(1, 100, window, 0)
	s.OnStatusMessage(2, 150, window, 0)
	limit := s.OnStatusMessage(3, 120, window, 0)
	assert.Equal(t, int64(100+window), limit)

	limit = s.OnStatusMessage(1, 200, window, 0)
	assert.Equal(t, int64(120+window), limit)
}

func TestMulticast_EvictsSilentReceivers(t *testing.T) {
	const window = 1000
	timeout := 10 * time.Second
	m := NewMulticast(Params{InitialWindow: window, ReceiverTimeout: timeout})

	m.OnStatusMessage(1, 100, window, 0)
	m.OnStatusMessage(2, 500, window, int64(5*time.Second))
	assert.Equal(t, int64(1100), m.Limit())

	assert.Equal(t, int64(1100), m.OnIdle(int64(10*time.Second)), "not silent past the timeout yet")
	assert.Equal(t, int64(1500), m.OnIdle(int64(11*time.Second)))
	assert.Equal(t, 1, m.Receivers())

	assert.Equal(t, int64(1500), m.OnIdle(int64(30*time.Second)), "last limit kept with no receivers")
	assert.Equal(t, 0, m.Receivers())
}
