package reqmux

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by Send, Start and Stop. Wrap with %w so callers
// can errors.Is against these regardless of any added context.
var (
	// ErrTimedOut is returned when a request's deadline elapses before a
	// response arrives.
	ErrTimedOut = errors.New("reqmux: timed out")

	// ErrCancelled is returned when the caller's own cancellation signal
	// fires before the request resolves.
	ErrCancelled = errors.New("reqmux: cancelled")

	// ErrShutdown is returned when the Multiplexer is stopping, has
	// stopped, or the ReadPump died before a response was delivered.
	ErrShutdown = errors.New("reqmux: shutdown")

	// ErrDuplicateRequest is returned by Send when the request's ID
	// already has an entry pending in the PendingTable.
	ErrDuplicateRequest = errors.New("reqmux: duplicate request id")

	// ErrInvalidLifecycle is returned when Start/Send/Stop is called in a
	// LifecycleState that does not permit it.
	ErrInvalidLifecycle = errors.New("reqmux: invalid lifecycle transition")

	// ErrInvalidArgument is returned by New when the supplied Config is
	// invalid.
	ErrInvalidArgument = errors.New("reqmux: invalid argument")
)

// TransportError wraps a failure reported by the TransportAdapter, either
// for a single request (write side) or for the whole channel (read side).
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("reqmux: transport: %v", e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

func newTransportError(cause error) *TransportError {
	return &TransportError{Cause: cause}
}
