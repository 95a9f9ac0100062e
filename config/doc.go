// Package config provides configuration loading and validation for the media driver.
//
// # Core Components
//
// Config: every driver tunable (term and window lengths, protocol timers, NAK and
// retransmit policy, agent idle strategies, loss injection) plus the process sections
// for logging, metrics, NATS and the control bridge.
//
// Loader: layered loading. Defaults come first, then each file layer (JSON or YAML),
// then TERMSTREAM_* environment overrides. Each layer is checked against an embedded
// JSON schema before it is merged; Config.Validate runs on the result.
//
// SafeConfig: thread-safe wrapper using RWMutex and cloning.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/driver.yaml")
//	loader.AddLayer("configs/production.yaml") // Overrides driver.yaml
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # File Format
//
// Durations are Go duration strings:
//
//	term_buffer_length: 16777216
//	mtu_length: 4096
//	publication_linger: 5s
//	status_message_timeout: 200ms
//	flow_control:
//	  multicast: multicast
//	loss:
//	  data_rate: 0.05
//	  data_seed: 7
//
// # Environment Overrides
//
// Overrides use the TERMSTREAM prefix and upper-case key names, for example
// TERMSTREAM_TERM_BUFFER_LENGTH, TERMSTREAM_PUBLICATION_LINGER=2s,
// TERMSTREAM_IDLE_STRATEGY=sleeping (all agents) and TERMSTREAM_NATS_URLS (comma
// separated).
//
// # Validation
//
// Validation failures are fatal classified errors wrapping errors.ErrInvalidConfig,
// errors.ErrInvalidTermLength or errors.ErrMTUExceedsWindow. A term length must be a
// power of two between 64 KiB and term_buffer_max_length; the MTU must fit inside the
// initial window.
package config
