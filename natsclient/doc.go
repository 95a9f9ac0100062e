// Package natsclient wraps a NATS connection with a circuit breaker. The control
// bridge uses it for request/reply, event fan-out and the JetStream event journal.
//
// # Circuit Breaker
//
// Every failed operation counts toward a threshold (default 5). When it is reached the
// circuit opens: operations fail fast with ErrCircuitOpen and the backoff doubles, up
// to the configured maximum. After the backoff the circuit half-opens and the next
// Connect may try again. A successful operation resets the breaker.
//
// # Connection Lifecycle
//
//	Disconnected → Connecting → Connected ⇄ Reconnecting
//	                    ↓
//	               CircuitOpen
//
// Reconnection is left to nats.go; the client tracks it through the connection
// handlers and reports status, reconnects and breaker state to the driver metrics
// when WithMetrics is set.
//
// # Usage
//
//	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","),
//		append(natsclient.FromConfig(cfg.NATS),
//			natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
//			natsclient.WithMetrics(registry))...)
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close(ctx)
//
//	err = client.Reply(ctx, "termstream.cmd.>", "termstream", handler)
//
// # Testing
//
// NewTestClient starts a NATS server with testcontainers. Tests that use it carry the
// integration build tag:
//
//	go test -tags integration ./natsclient/...
package natsclient
