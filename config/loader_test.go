package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoader_YAMLLayer(t *testing.T) {
	path := writeFile(t, "driver.yaml", `
term_buffer_length: 65536
mtu_length: 1408
publication_linger: 2s
status_message_timeout: 50ms
threading_mode: shared
idle_strategy:
  sender: busy_spin
flow_control:
  multicast: unicast
loss:
  data_rate: 0.1
  data_seed: 7
log_buffer:
  mapped: true
nats:
  urls: ["nats://broker:4222"]
`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	want := Default()
	want.TermBufferLength = 65536
	want.MTULength = 1408
	want.PublicationLinger = 2 * time.Second
	want.StatusMessageTimeout = 50 * time.Millisecond
	want.ThreadingMode = ThreadingShared
	want.IdleStrategy.Sender = "busy_spin"
	want.FlowControl.Multicast = "unicast"
	want.Loss.DataRate = 0.1
	want.Loss.DataSeed = 7
	want.LogBuffer.Mapped = true
	want.NATS.URLs = []string{"nats://broker:4222"}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("loaded config differs (-want +got):\n%s", diff)
	}
}

func TestLoader_LayersOverrideInOrder(t *testing.T) {
	base := writeFile(t, "base.json", `{
  "mtu_length": 1408,
  "publication_linger": "10s",
  "loss": {"control_rate": 0.2}
}`)
	override := writeFile(t, "override.yml", `
publication_linger: 1s
loss:
  control_seed: 99
`)

	l := NewLoader()
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 1408, cfg.MTULength, "first layer survives when not overridden")
	assert.Equal(t, time.Second, cfg.PublicationLinger)
	assert.Equal(t, 0.2, cfg.Loss.ControlRate, "nested maps merge key by key")
	assert.Equal(t, int64(99), cfg.Loss.ControlSeed)
	assert.Equal(t, int64(-1), cfg.Loss.DataSeed)
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := writeFile(t, "driver.yaml", "publication_linger: 2s\n")

	t.Setenv("TERMSTREAM_PUBLICATION_LINGER", "750ms")
	t.Setenv("TERMSTREAM_IDLE_STRATEGY", "sleeping")
	t.Setenv("TERMSTREAM_NATS_URLS", "nats://a:4222, nats://b:4222")
	t.Setenv("TERMSTREAM_LOSS_DATA_RATE", "0.05")
	t.Setenv("TERMSTREAM_BRIDGE_ENABLED", "true")

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 750*time.Millisecond, cfg.PublicationLinger)
	assert.Equal(t, IdleConfig{Sender: "sleeping", Receiver: "sleeping", Conductor: "sleeping"}, cfg.IdleStrategy)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 0.05, cfg.Loss.DataRate)
	assert.True(t, cfg.Bridge.Enabled)
}

func TestLoader_EnvOverrideErrors(t *testing.T) {
	t.Setenv("TERMSTREAM_MTU_LENGTH", "large")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
	assert.Contains(t, err.Error(), "TERMSTREAM_MTU_LENGTH")
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("DRIVER_MTU_LENGTH", "1408")

	l := NewLoader()
	l.SetEnvPrefix("DRIVER")
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 1408, cfg.MTULength)
}

func TestLoader_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		contain string
	}{
		{"unknown key", "a.json", `{"mtu_lenght": 4096}`, "mtu_lenght"},
		{"wrong type", "b.yaml", "mtu_length: big\n", "mtu_length"},
		{"bad duration", "c.yaml", "publication_linger: soon\n", "publication_linger"},
		{"unknown idle strategy", "d.yaml", "idle_strategy:\n  sender: spin\n", "sender"},
		{"loss rate above one", "e.json", `{"loss": {"data_rate": 2}}`, "data_rate"},
		{"malformed json", "f.json", `{"mtu_length": `, "invalid configuration"},
		{"unsupported extension", "g.toml", "mtu_length = 4096\n", "JSON or YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			_, err := NewLoader().LoadFile(path)
			require.Error(t, err)
			assert.True(t, errors.IsFatal(err), "got %v", err)
			assert.True(t, strings.Contains(err.Error(), tt.contain), "error %q should mention %q", err, tt.contain)
		})
	}
}

func TestLoader_ValidationToggle(t *testing.T) {
	path := writeFile(t, "driver.yaml", "term_buffer_length: 100000\n")

	_, err := NewLoader().LoadFile(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidTermLength))

	l := NewLoader()
	l.EnableValidation(false)
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 100000, cfg.TermBufferLength)
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := NewLoader().LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot stat")
}

func TestCheckDepth(t *testing.T) {
	doc := map[string]any{}
	node := doc
	for i := 0; i < maxDepth+2; i++ {
		child := map[string]any{}
		node["n"] = child
		node = child
	}
	assert.Error(t, checkDepth(doc, 0))
	assert.NoError(t, checkDepth(map[string]any{"a": []any{1, 2}}, 0))
}

func TestParseDurations(t *testing.T) {
	doc := map[string]any{
		"publication_linger": "1m",
		"mtu_length":         4096,
		"nats":               map[string]any{"reconnect_wait": "3s", "username": "5s"},
	}
	require.NoError(t, parseDurations(doc))

	assert.Equal(t, time.Minute.Nanoseconds(), doc["publication_linger"])
	assert.Equal(t, 4096, doc["mtu_length"])
	nats := doc["nats"].(map[string]any)
	assert.Equal(t, (3 * time.Second).Nanoseconds(), nats["reconnect_wait"])
	assert.Equal(t, "5s", nats["username"], "only known duration keys are converted")
}

func TestSchema_Embedded(t *testing.T) {
	assert.Contains(t, string(Schema()), `"term_buffer_length"`)
	require.NoError(t, validateSchema(map[string]any{"mtu_length": 1408}))
}
