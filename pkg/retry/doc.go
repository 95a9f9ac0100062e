// Package retry provides exponential backoff for operations that can fail transiently,
// such as binding a channel endpoint or connecting to the NATS control plane.
//
// Errors classified fatal or invalid by the errors package, or wrapped with
// NonRetryable, end the loop immediately:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    conn, err = net.ListenUDP("udp", addr)
//	    return err
//	})
//
// Backoff exposes the delay sequence on its own for loops that manage their own timing.
package retry
