package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/termstream/errors"
)

// EnvPrefix is the default prefix of environment overrides.
const EnvPrefix = "TERMSTREAM"

// durationKeys lists the keys whose string values are parsed as Go durations before
// the document is decoded into Config.
var durationKeys = map[string]bool{
	"status_message_timeout":        true,
	"publication_linger":            true,
	"connection_liveness_timeout":   true,
	"client_liveness_timeout":       true,
	"publication_setup_timeout":     true,
	"publication_heartbeat_timeout": true,
	"pending_setups_timeout":        true,
	"nak_grtt":                      true,
	"nak_max_backoff":               true,
	"nak_unicast_delay":             true,
	"retransmit_unicast_delay":      true,
	"retransmit_unicast_linger":     true,
	"conductor_tick_duration":       true,
	"reconnect_wait":                true,
	"max_age":                       true,
	"request_timeout":               true,
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  EnvPrefix,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables Config.Validate after loading. Schema checks
// on each layer always run.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment override prefix.
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, file layers and environment overrides, in that order.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "load "+path)
		}
		cfg, err = l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Loader", "Load", "apply environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads one layer, checks it against the schema and converts duration strings
// to nanoseconds so the map decodes into Config.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}
	return l.parse(data, format)
}

func (l *Loader) parse(data []byte, format string) (map[string]any, error) {
	raw := map[string]any{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
		}
	}

	if err := checkDepth(raw, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	if err := parseDurations(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	return raw, nil
}

// mergeFromMap merges a raw layer over base, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if len(override) == 0 {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for k, v := range data {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val); err != nil {
				return err
			}
		case string:
			if !durationKeys[k] {
				continue
			}
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			data[k] = d.Nanoseconds()
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := &envReader{prefix: l.envPrefix}

	env.Int("TERM_BUFFER_LENGTH", &cfg.TermBufferLength)
	env.Int("MTU_LENGTH", &cfg.MTULength)
	env.Int("INITIAL_WINDOW_LENGTH", &cfg.InitialWindowLength)
	env.Duration("STATUS_MESSAGE_TIMEOUT", &cfg.StatusMessageTimeout)
	env.Duration("PUBLICATION_LINGER", &cfg.PublicationLinger)
	env.Duration("CONNECTION_LIVENESS_TIMEOUT", &cfg.ConnectionLivenessTimeout)
	env.Duration("CLIENT_LIVENESS_TIMEOUT", &cfg.ClientLivenessTimeout)
	env.Int("SOCKET_RCVBUF", &cfg.SocketRcvBuf)
	env.Int("SOCKET_SNDBUF", &cfg.SocketSndBuf)

	env.String("THREADING_MODE", &cfg.ThreadingMode)
	var idle string
	env.String("IDLE_STRATEGY", &idle)
	if idle != "" {
		cfg.IdleStrategy = IdleConfig{Sender: idle, Receiver: idle, Conductor: idle}
	}

	env.Float("LOSS_DATA_RATE", &cfg.Loss.DataRate)
	env.Int64("LOSS_DATA_SEED", &cfg.Loss.DataSeed)
	env.Float("LOSS_CONTROL_RATE", &cfg.Loss.ControlRate)
	env.Int64("LOSS_CONTROL_SEED", &cfg.Loss.ControlSeed)
	env.Bool("LOG_BUFFER_MAPPED", &cfg.LogBuffer.Mapped)

	env.String("LOG_LEVEL", &cfg.Log.Level)
	env.String("LOG_FORMAT", &cfg.Log.Format)
	env.Bool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	env.Int("METRICS_PORT", &cfg.Metrics.Port)

	env.Strings("NATS_URLS", &cfg.NATS.URLs)
	env.String("NATS_USERNAME", &cfg.NATS.Username)
	env.String("NATS_PASSWORD", &cfg.NATS.Password)
	env.String("NATS_TOKEN", &cfg.NATS.Token)
	env.Bool("NATS_JETSTREAM_ENABLED", &cfg.NATS.JetStream.Enabled)
	env.Bool("BRIDGE_ENABLED", &cfg.Bridge.Enabled)
	env.String("BRIDGE_SUBJECT_PREFIX", &cfg.Bridge.SubjectPrefix)

	return env.err
}
