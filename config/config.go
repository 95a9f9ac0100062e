package config

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/c360/termstream/agent"
	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/flowcontrol"
	"github.com/c360/termstream/logbuffer"
	"github.com/c360/termstream/protocol"
)

// Threading modes
const (
	ThreadingDedicated = "dedicated" // Sender, receiver and conductor each get a goroutine
	ThreadingShared    = "shared"    // All three agents share one duty cycle
)

// MaxUDPPayload is the largest MTU accepted, aligned down to the frame alignment.
const MaxUDPPayload = 65504

// Config represents the complete driver configuration.
//
// Durations are written as Go duration strings ("200ms", "5s") in files and are held
// as time.Duration once loaded.
type Config struct {
	TermBufferLength             int `json:"term_buffer_length" yaml:"term_buffer_length"`
	TermBufferMaxLength          int `json:"term_buffer_max_length" yaml:"term_buffer_max_length"`
	MTULength                    int `json:"mtu_length" yaml:"mtu_length"`
	InitialWindowLength          int `json:"initial_window_length" yaml:"initial_window_length"`
	PublicationTermWindowLength  int `json:"publication_term_window_length" yaml:"publication_term_window_length"`   // 0 = half the term
	SubscriptionTermWindowLength int `json:"subscription_term_window_length" yaml:"subscription_term_window_length"` // 0 = half the term

	StatusMessageTimeout        time.Duration `json:"status_message_timeout" yaml:"status_message_timeout"`
	PublicationLinger           time.Duration `json:"publication_linger" yaml:"publication_linger"`
	ConnectionLivenessTimeout   time.Duration `json:"connection_liveness_timeout" yaml:"connection_liveness_timeout"`
	ClientLivenessTimeout       time.Duration `json:"client_liveness_timeout" yaml:"client_liveness_timeout"`
	PublicationSetupTimeout     time.Duration `json:"publication_setup_timeout" yaml:"publication_setup_timeout"`
	SetupRetryCeiling           int           `json:"setup_retry_ceiling" yaml:"setup_retry_ceiling"`
	PublicationHeartbeatTimeout time.Duration `json:"publication_heartbeat_timeout" yaml:"publication_heartbeat_timeout"`
	PendingSetupsTimeout        time.Duration `json:"pending_setups_timeout" yaml:"pending_setups_timeout"`

	NakGroupSize            int           `json:"nak_group_size" yaml:"nak_group_size"`
	NakGRTT                 time.Duration `json:"nak_grtt" yaml:"nak_grtt"`
	NakMaxBackoff           time.Duration `json:"nak_max_backoff" yaml:"nak_max_backoff"`
	NakUnicastDelay         time.Duration `json:"nak_unicast_delay" yaml:"nak_unicast_delay"`
	RetransmitUnicastDelay  time.Duration `json:"retransmit_unicast_delay" yaml:"retransmit_unicast_delay"`
	RetransmitUnicastLinger time.Duration `json:"retransmit_unicast_linger" yaml:"retransmit_unicast_linger"`
	MaxRetransmits          int           `json:"max_retransmits" yaml:"max_retransmits"`

	ConductorTickDuration  time.Duration `json:"conductor_tick_duration" yaml:"conductor_tick_duration"`
	ConductorTicksPerWheel int           `json:"conductor_ticks_per_wheel" yaml:"conductor_ticks_per_wheel"`
	CommandQueueCapacity   int           `json:"command_queue_capacity" yaml:"command_queue_capacity"`

	ReadBufferLength int `json:"read_buffer_length" yaml:"read_buffer_length"`
	SocketRcvBuf     int `json:"socket_rcvbuf" yaml:"socket_rcvbuf"`
	SocketSndBuf     int `json:"socket_sndbuf" yaml:"socket_sndbuf"` // 0 = OS default

	ThreadingMode string            `json:"threading_mode" yaml:"threading_mode"`
	IdleStrategy  IdleConfig        `json:"idle_strategy" yaml:"idle_strategy"`
	FlowControl   FlowControlConfig `json:"flow_control" yaml:"flow_control"`
	Loss          LossConfig        `json:"loss" yaml:"loss"`
	LogBuffer     LogBufferConfig   `json:"log_buffer" yaml:"log_buffer"`

	Log     LogConfig     `json:"log" yaml:"log"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	NATS    NATSConfig    `json:"nats" yaml:"nats"`
	Bridge  BridgeConfig  `json:"bridge" yaml:"bridge"`
}

// IdleConfig names the idle strategy of each agent.
type IdleConfig struct {
	Sender    string `json:"sender" yaml:"sender"`
	Receiver  string `json:"receiver" yaml:"receiver"`
	Conductor string `json:"conductor" yaml:"conductor"`
}

// FlowControlConfig selects the flow control strategy per channel kind.
type FlowControlConfig struct {
	Unicast   string `json:"unicast" yaml:"unicast"`
	Multicast string `json:"multicast" yaml:"multicast"`
}

// LossConfig configures inbound loss injection. A seed of -1 seeds from the clock.
type LossConfig struct {
	DataRate    float64 `json:"data_rate" yaml:"data_rate"`
	DataSeed    int64   `json:"data_seed" yaml:"data_seed"`
	ControlRate float64 `json:"control_rate" yaml:"control_rate"`
	ControlSeed int64   `json:"control_seed" yaml:"control_seed"`
}

// LogBufferConfig selects the term buffer allocator.
type LogBufferConfig struct {
	Mapped bool `json:"mapped" yaml:"mapped"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// NATSConfig holds NATS connection configuration
type NATSConfig struct {
	URLs          []string        `json:"urls" yaml:"urls"`
	MaxReconnects int             `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration   `json:"reconnect_wait" yaml:"reconnect_wait"`
	Username      string          `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string          `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string          `json:"token,omitempty" yaml:"token,omitempty"`
	TLS           TLSConfig       `json:"tls" yaml:"tls"`
	JetStream     JetStreamConfig `json:"jetstream" yaml:"jetstream"`
}

// TLSConfig secures the NATS connection. CAFiles are trusted in addition to the
// system pool; CertFile and KeyFile enable mutual TLS.
type TLSConfig struct {
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	CertFile           string   `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version,omitempty"` // "1.2" or "1.3"
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
}

// JetStreamConfig configures the lifecycle event journal.
type JetStreamConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Stream  string        `json:"stream" yaml:"stream"`
	MaxAge  time.Duration `json:"max_age" yaml:"max_age"` // 0 = keep forever
}

// BridgeConfig configures the NATS control bridge.
type BridgeConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	SubjectPrefix  string        `json:"subject_prefix" yaml:"subject_prefix"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// Default returns the driver defaults.
func Default() *Config {
	return &Config{
		TermBufferLength:            16 * 1024 * 1024,
		TermBufferMaxLength:         logbuffer.TermMaxLength,
		MTULength:                   4096,
		InitialWindowLength:         128 * 1024,
		StatusMessageTimeout:        200 * time.Millisecond,
		PublicationLinger:           5 * time.Second,
		ConnectionLivenessTimeout:   10 * time.Second,
		ClientLivenessTimeout:       5 * time.Second,
		PublicationSetupTimeout:     100 * time.Millisecond,
		SetupRetryCeiling:           50,
		PublicationHeartbeatTimeout: 200 * time.Millisecond,
		PendingSetupsTimeout:        time.Second,

		NakGroupSize:            10,
		NakGRTT:                 10 * time.Millisecond,
		NakMaxBackoff:           60 * time.Millisecond,
		NakUnicastDelay:         60 * time.Millisecond,
		RetransmitUnicastLinger: 60 * time.Millisecond,
		MaxRetransmits:          16,

		ConductorTickDuration:  10 * time.Millisecond,
		ConductorTicksPerWheel: 1024,
		CommandQueueCapacity:   1024,

		ReadBufferLength: 4096,
		SocketRcvBuf:     128 * 1024,

		ThreadingMode: ThreadingDedicated,
		IdleStrategy: IdleConfig{
			Sender:    agent.IdleBackoff,
			Receiver:  agent.IdleBackoff,
			Conductor: agent.IdleBackoff,
		},
		FlowControl: FlowControlConfig{
			Unicast:   flowcontrol.KindUnicast.String(),
			Multicast: flowcontrol.KindMulticast.String(),
		},
		Loss: LossConfig{
			DataSeed:    -1,
			ControlSeed: -1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			JetStream: JetStreamConfig{
				Stream: "TERMSTREAM_EVENTS",
				MaxAge: 24 * time.Hour,
			},
		},
		Bridge: BridgeConfig{
			SubjectPrefix:  "termstream",
			RequestTimeout: 2 * time.Second,
		},
	}
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{
		config: cfg,
	}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "check config")
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.NATS.URLs != nil {
		clone.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	}
	if c.NATS.TLS.CAFiles != nil {
		clone.NATS.TLS.CAFiles = append([]string(nil), c.NATS.TLS.CAFiles...)
	}
	return &clone
}

// Validate checks ranges and cross-field constraints. Every failure is a fatal
// configuration error: a driver must not start on it.
func (c *Config) Validate() error {
	if err := c.validateTerm(); err != nil {
		return err
	}
	if err := c.validateTransport(); err != nil {
		return err
	}
	if err := c.validateTimers(); err != nil {
		return err
	}
	if err := c.validateAgents(); err != nil {
		return err
	}
	return c.validateOutputs()
}

func invalid(format string, args ...any) error {
	return errors.WrapFatal(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "check configuration")
}

func isPowerOfTwo(n int) bool {
	return n > 0 && bits.OnesCount(uint(n)) == 1
}

func (c *Config) validateTerm() error {
	if c.TermBufferMaxLength < logbuffer.TermMinLength || c.TermBufferMaxLength > logbuffer.TermMaxLength {
		return invalid("term_buffer_max_length %d outside [%d, %d]",
			c.TermBufferMaxLength, logbuffer.TermMinLength, logbuffer.TermMaxLength)
	}
	if !isPowerOfTwo(c.TermBufferLength) ||
		c.TermBufferLength < logbuffer.TermMinLength || c.TermBufferLength > c.TermBufferMaxLength {
		return errors.WrapFatal(
			fmt.Errorf("%w: %d must be a power of two in [%d, %d]", errors.ErrInvalidTermLength,
				c.TermBufferLength, logbuffer.TermMinLength, c.TermBufferMaxLength),
			"Config", "Validate", "check term_buffer_length")
	}
	if c.MTULength < protocol.DataHeaderLength+protocol.FrameAlignment ||
		c.MTULength > MaxUDPPayload || c.MTULength%protocol.FrameAlignment != 0 {
		return invalid("mtu_length %d must be a multiple of %d in [%d, %d]", c.MTULength,
			protocol.FrameAlignment, protocol.DataHeaderLength+protocol.FrameAlignment, MaxUDPPayload)
	}
	if err := flowcontrol.Validate(c.MTULength, c.InitialWindowLength); err != nil {
		return err
	}
	if c.PublicationTermWindowLength < 0 || c.SubscriptionTermWindowLength < 0 {
		return invalid("term window lengths cannot be negative")
	}
	return nil
}

func (c *Config) validateTransport() error {
	if c.ReadBufferLength < c.MTULength {
		return invalid("read_buffer_length %d is smaller than mtu_length %d", c.ReadBufferLength, c.MTULength)
	}
	if c.SocketRcvBuf < 0 || c.SocketSndBuf < 0 {
		return invalid("socket buffer sizes cannot be negative")
	}
	if c.Loss.DataRate < 0 || c.Loss.DataRate > 1 {
		return invalid("loss.data_rate %v outside [0, 1]", c.Loss.DataRate)
	}
	if c.Loss.ControlRate < 0 || c.Loss.ControlRate > 1 {
		return invalid("loss.control_rate %v outside [0, 1]", c.Loss.ControlRate)
	}
	if _, err := flowcontrol.ParseKind(c.FlowControl.Unicast); err != nil {
		return err
	}
	if _, err := flowcontrol.ParseKind(c.FlowControl.Multicast); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateTimers() error {
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"status_message_timeout", c.StatusMessageTimeout},
		{"publication_linger", c.PublicationLinger},
		{"connection_liveness_timeout", c.ConnectionLivenessTimeout},
		{"client_liveness_timeout", c.ClientLivenessTimeout},
		{"publication_setup_timeout", c.PublicationSetupTimeout},
		{"publication_heartbeat_timeout", c.PublicationHeartbeatTimeout},
		{"pending_setups_timeout", c.PendingSetupsTimeout},
		{"nak_grtt", c.NakGRTT},
		{"conductor_tick_duration", c.ConductorTickDuration},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return invalid("%s must be positive, got %s", p.name, p.value)
		}
	}
	if c.NakMaxBackoff < 0 || c.NakUnicastDelay < 0 ||
		c.RetransmitUnicastDelay < 0 || c.RetransmitUnicastLinger < 0 {
		return invalid("nak and retransmit delays cannot be negative")
	}
	if c.SetupRetryCeiling < 1 {
		return invalid("setup_retry_ceiling must be at least 1, got %d", c.SetupRetryCeiling)
	}
	if c.MaxRetransmits < 1 {
		return invalid("max_retransmits must be at least 1, got %d", c.MaxRetransmits)
	}
	if c.NakGroupSize < 1 {
		return invalid("nak_group_size must be at least 1, got %d", c.NakGroupSize)
	}
	if !isPowerOfTwo(c.ConductorTicksPerWheel) {
		return invalid("conductor_ticks_per_wheel %d must be a power of two", c.ConductorTicksPerWheel)
	}
	return nil
}

func (c *Config) validateAgents() error {
	switch c.ThreadingMode {
	case ThreadingDedicated, ThreadingShared:
	default:
		return invalid("threading_mode %q must be %q or %q", c.ThreadingMode, ThreadingDedicated, ThreadingShared)
	}
	for _, name := range []string{c.IdleStrategy.Sender, c.IdleStrategy.Receiver, c.IdleStrategy.Conductor} {
		if _, err := agent.NewIdleStrategy(name); err != nil {
			return err
		}
	}
	if c.CommandQueueCapacity < 1 {
		return invalid("command_queue_capacity must be positive, got %d", c.CommandQueueCapacity)
	}
	return nil
}

func (c *Config) validateOutputs() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("log.format %q", c.Log.Format)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return invalid("metrics.port %d", c.Metrics.Port)
	}
	if c.Bridge.Enabled {
		if len(c.NATS.URLs) == 0 {
			return errors.WrapFatal(fmt.Errorf("%w: bridge enabled without nats.urls", errors.ErrMissingConfig),
				"Config", "Validate", "check bridge")
		}
		if c.Bridge.SubjectPrefix == "" {
			return invalid("bridge.subject_prefix cannot be empty")
		}
		if c.Bridge.RequestTimeout <= 0 {
			return invalid("bridge.request_timeout must be positive")
		}
	}
	if c.NATS.JetStream.Enabled && c.NATS.JetStream.Stream == "" {
		return invalid("nats.jetstream.stream cannot be empty")
	}
	if tls := c.NATS.TLS; tls.Enabled {
		if (tls.CertFile == "") != (tls.KeyFile == "") {
			return invalid("nats.tls.cert_file and nats.tls.key_file must be set together")
		}
		switch tls.MinVersion {
		case "", "1.2", "1.3":
		default:
			return invalid("nats.tls.min_version %q", tls.MinVersion)
		}
	}
	return nil
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// String returns a JSON representation with credentials redacted.
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
