// Package driver is the media driver: it moves streams of messages between
// publications and subscriptions over datagram channels.
//
// # Agents
//
// Three agents share the work. Each runs a non-blocking duty cycle on its own
// goroutine, or all three share one goroutine in shared threading mode:
//
//   - The Conductor owns every registration. It runs client commands, the timer wheel
//     that drives SETUP retries, heartbeats, liveness and linger, and term cleaning.
//   - The Sender transmits publication logs within the flow control limit and services
//     status messages and NAKs from receivers.
//   - The Receiver rebuilds remote logs from DATA frames and reports progress with
//     status messages, asking for lost ranges with NAKs.
//
// Agents talk over bounded queues from pkg/buffer. The conductor hands resources to
// the other agents as closures; a closure runs on the agent that drains it, so each
// field of a Publication or Connection has exactly one writing goroutine, noted on the
// struct.
//
// # Lifecycle
//
// Publications and connections move INIT → ACTIVE → DRAINING → CLOSED. A unicast
// publication becomes ACTIVE when a receiver answers its SETUP; a multicast one is
// ACTIVE at once. Removal drains: the stream lingers while receivers still make
// progress and its log is released when it closes. Lifecycle changes are reported on
// Events.
//
// # Usage
//
//	d, err := driver.New(cfg, driver.Deps{Logger: logger, MetricsRegistry: registry})
//	if err != nil {
//		return err
//	}
//	if err := d.Start(ctx); err != nil {
//		return err
//	}
//	defer d.Close()
//
//	pub, err := d.AddPublication(ctx, clientID, "udp://10.0.0.2:40123", 1001, 0)
//	...
//	pos, err := pub.Offer(payload)
//
// Clients must send Keepalive more often than client_liveness_timeout or their
// registrations are removed.
package driver
