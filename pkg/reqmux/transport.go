package reqmux

import (
	"context"
	"fmt"
)

// TransportAdapter is the external collaborator the Multiplexer pumps
// drive. The core never implements it directly — see transport_uds.go and
// transport_grpc.go for reference implementations wired to a Channel's
// lifecycle below.
//
// Read may be called serially only: at most one call to Read is ever in
// flight on a given TransportAdapter (the ReadPump is its sole caller).
// Write may likewise be called serially only (the WritePump is its sole
// caller). Read and Write may proceed concurrently with each other; no
// further synchronization between the two directions is required or
// performed by the core.
type TransportAdapter interface {
	// Read blocks until the next response arrives, ctx is cancelled, or
	// the transport fails. A cancelled ctx returns promptly with
	// ctx.Err().
	Read(ctx context.Context) (*Response, error)

	// Write sends a single request, returning once it has been handed to
	// the channel — not once a response is available. Write is one
	// direction of a full-duplex channel, not a round trip. A cancelled
	// ctx returns promptly with ctx.Err().
	Write(ctx context.Context, req *Request) error
}

// Request is the opaque envelope the WritePump hands to the transport.
// Payload's shape is never interpreted by the core.
type Request struct {
	ID      ID
	Payload []byte
}

// Response is the opaque envelope the ReadPump receives from the
// transport. ID must match the Request it answers; the core performs no
// other validation of Response content (spec Non-goal (d)).
type Response struct {
	ID      ID
	Payload []byte
}

// Channel is a TransportAdapter with a connection lifecycle: something a
// caller dials up once and hands to a Multiplexer, and later tears down.
// Not part of the core's contract (the core only needs TransportAdapter),
// but every reference adapter below satisfies it.
type Channel interface {
	TransportAdapter
	Close() error
	IsHealthy() bool
}

// ChannelConfig configures a reference Channel implementation.
type ChannelConfig struct {
	Kind    string // "uds", "grpc-tcp", "grpc-uds"
	Address string // socket path or network address
	Options map[string]interface{}
}

// NewChannel constructs a reference Channel for the given configuration.
func NewChannel(cfg ChannelConfig, logger *Logger) (Channel, error) {
	switch cfg.Kind {
	case "uds", "":
		return NewUDSChannel(cfg, logger)
	case "grpc-tcp", "grpc-uds":
		return NewGRPCChannel(cfg, logger)
	default:
		return nil, fmt.Errorf("reqmux: unknown channel kind: %s", cfg.Kind)
	}
}
