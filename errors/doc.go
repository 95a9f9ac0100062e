// Package errors provides standardized error handling for termstream components.
//
// # Overview
//
// The package implements a three-class error classification: Transient (try again),
// Invalid (bad input or frame, do not retry) and Fatal (the stream or component cannot
// continue). The driver maps its error taxonomy onto these classes:
//
//   - Configuration errors at stream setup (bad term length, MTU larger than the window)
//     are Fatal for that stream only and are reported to the requesting client.
//   - Resource exhaustion in the log (ErrInsufficientSpace, ErrBackPressured) is
//     Transient: the caller retries once the window opens.
//   - Malformed or unknown frames are Invalid; they are counted and dropped.
//   - Datagram loss is never an error; it becomes retransmission work.
//
// # Error Wrapping Pattern
//
// All wrapping follows the format "component.method: action failed: cause":
//
//	if err := endpoint.Bind(); err != nil {
//	    return errors.WrapTransient(err, "Conductor", "AddSubscription", "bind endpoint")
//	}
//
// Classified errors keep the original sentinel in their chain, so errors.Is works
// through WrapTransient, WrapInvalid and WrapFatal.
package errors
