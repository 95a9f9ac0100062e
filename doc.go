// Package termstream is a reliable, ordered messaging transport over UDP. A media
// driver owns the network: clients add publications and subscriptions, and the
// driver moves each stream between them through shared term logs.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│        Clients / NATS bridge        │  add/remove publication,
//	│  (commands, offers, polls, events)  │  subscription, keepalive
//	└─────────────────────────────────────┘
//	           ↓ command queue
//	┌─────────────────────────────────────┐
//	│            Conductor                │  registrations, timer wheel,
//	│  (lifecycle, liveness, linger)      │  SETUP, heartbeats, cleaning
//	└─────────────────────────────────────┘
//	      ↓ sender queue     ↓ receiver queue
//	┌────────────────┐  ┌────────────────┐
//	│     Sender     │  │    Receiver    │  DATA, PAD, SM, NAK,
//	│ (flow control, │  │ (rebuild, loss │  SETUP, HEARTBEAT frames
//	│  retransmit)   │  │  detection)    │
//	└────────────────┘  └────────────────┘
//	           ↓ datagrams ↑
//	┌─────────────────────────────────────┐
//	│       transport (udp, memnet)       │  unicast and multicast
//	└─────────────────────────────────────┘
//
// A publication appends messages to a term log; the sender transmits what flow
// control allows. The receiver rebuilds the log on the far side, reports progress
// with status messages and asks for gaps with NAKs. Subscriptions read the rebuilt
// log in order.
//
// # Packages
//
// Driver:
//   - driver: Conductor, Sender, Receiver, Publication, Subscription, Connection
//   - agent: duty cycle runner, idle strategies, composition
//   - bridge: NATS request/reply control surface, event journal, data relay
//
// Protocol and buffers:
//   - protocol: frame headers and codecs
//   - logbuffer: term logs, rebuilder, scanner, reader, fragment assembly
//   - flowcontrol: unicast and multicast sender limits
//   - retransmit: NAK and retransmit scheduling
//   - loss: deterministic loss injection for fault testing
//   - timerwheel: hashed wheel timer for the conductor
//   - transport: channel URIs, endpoints, UDP and in-memory networks
//
// Infrastructure:
//   - config: layered YAML/JSON loading, schema checks, environment overrides
//   - natsclient: NATS connection management with a circuit breaker
//   - metric: Prometheus metrics and the /metrics, /health endpoints
//   - health: agent health aggregation
//   - errors: classified errors (transient, invalid, fatal)
//
// Utilities:
//   - pkg/buffer: bounded queues between agents
//   - pkg/clock: nanosecond clocks, cached and manual
//   - pkg/retry: retry policies
//   - pkg/tlsutil: TLS configuration for the NATS connection
//
// # Binary
//
//	# Run the driver
//	termstreamd run --config driver.yaml
//
//	# Check a config file without starting anything
//	termstreamd validate --config driver.yaml
//
// Embedding the driver in a process:
//
//	d, _ := driver.New(cfg, driver.Deps{Logger: logger})
//	_ = d.Start(ctx)
//	defer d.Close()
//
//	pub, _ := d.AddPublication(ctx, clientID, "udp://10.0.0.2:40123", 1001, 0)
//	_, _ = pub.Offer([]byte("hello"))
package termstream
