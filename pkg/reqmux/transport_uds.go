package reqmux

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcflow/reqmux/internal/framing"
	"github.com/arcflow/reqmux/internal/wire"
)

// UDSChannel implements Channel over a Unix domain socket, framing each
// Request/Response as a length-prefixed wire.Envelope. Read and Write are
// called from exactly one goroutine each (the Multiplexer's ReadPump and
// WritePump), so the framer itself needs no internal locking between the
// two directions — only Close and IsHealthy need to coordinate with them.
type UDSChannel struct {
	cfg    ChannelConfig
	logger *Logger

	conn   net.Conn
	framer *framing.Framer

	closed atomic.Bool
	failed atomic.Bool
	mu     sync.Mutex
}

// NewUDSChannel dials a Unix domain socket and returns a Channel backed by
// it. cfg.Address is the socket path.
func NewUDSChannel(cfg ChannelConfig, logger *Logger) (*UDSChannel, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("reqmux: address is required for a UDS channel")
	}
	if logger == nil {
		logger = NewLogger(LoggingConfig{Level: "info", Format: "text"})
	}

	timeout := 5 * time.Second
	if v, ok := cfg.Options["timeout"].(time.Duration); ok {
		timeout = v
	}

	conn, err := ConnectToPeer(cfg.Address, timeout)
	if err != nil {
		return nil, fmt.Errorf("reqmux: failed to dial %s: %w", cfg.Address, err)
	}

	if secret, ok := cfg.Options["hmac_secret"].([]byte); ok && len(secret) > 0 {
		if err := NewHMACAuth(secret).AuthenticateClient(conn); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("reqmux: hmac handshake failed: %w", err)
		}
	}

	if secCfg, ok := cfg.Options["security_config"].(SocketSecurityConfig); ok {
		if err := VerifyPeerCredentials(conn, secCfg); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("reqmux: peer verification failed: %w", err)
		}
	}

	maxFrameSize := framing.DefaultMaxFrameSize
	if v, ok := cfg.Options["max_frame_size"].(int); ok && v > 0 {
		maxFrameSize = v
	}

	logger.Debug("uds channel connected", "address", cfg.Address)

	return &UDSChannel{
		cfg:    cfg,
		logger: logger,
		conn:   conn,
		framer: framing.NewFramerWithMaxSize(conn, maxFrameSize),
	}, nil
}

// Write encodes req as a request envelope and writes it as a single frame.
func (c *UDSChannel) Write(ctx context.Context, req *Request) error {
	if c.closed.Load() {
		return fmt.Errorf("reqmux: channel is closed")
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("reqmux: failed to set write deadline: %w", err)
		}
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}

	env := wire.NewRequestEnvelope(req.ID.String(), req.Payload)
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("reqmux: failed to marshal request envelope: %w", err)
	}

	if err := c.framer.WriteMessage(data); err != nil {
		c.failed.Store(true)
		return newTransportError(fmt.Errorf("uds write: %w", err))
	}
	return nil
}

// udsReadResult carries a framer.ReadMessage outcome from the background
// goroutine Read spawns back to the caller's select.
type udsReadResult struct {
	data []byte
	err  error
}

// Read blocks for the next framed response envelope and decodes it. The
// blocking read itself runs on its own goroutine so a cancelled ctx can be
// honored promptly (per the TransportAdapter contract in transport.go)
// even though net.Conn has no ctx-aware Read: cancellation forces the
// conn's read deadline into the past to unblock the in-flight read, then
// waits for it to actually return before clearing the deadline, so the
// connection is never left poisoned for the next call.
func (c *UDSChannel) Read(ctx context.Context) (*Response, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("reqmux: channel is closed")
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("reqmux: failed to set read deadline: %w", err)
		}
		defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	}

	resultCh := make(chan udsReadResult, 1)
	go func() {
		data, err := c.framer.ReadMessage()
		resultCh <- udsReadResult{data: data, err: err}
	}()

	var res udsReadResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		_ = c.conn.SetReadDeadline(time.Now())
		<-resultCh
		_ = c.conn.SetReadDeadline(time.Time{})
		return nil, ctx.Err()
	}

	if res.err != nil {
		c.failed.Store(true)
		return nil, newTransportError(fmt.Errorf("uds read: %w", res.err))
	}

	var env wire.Envelope
	if err := env.Unmarshal(res.data); err != nil {
		return nil, fmt.Errorf("reqmux: failed to unmarshal response envelope: %w", err)
	}

	id, err := wire.DecodeID(env.ID)
	if err != nil {
		return nil, err
	}

	if !env.OK {
		return nil, newTransportError(fmt.Errorf("peer error for request %s: %w", env.ID, env.AsError()))
	}

	return &Response{ID: ID(id), Payload: env.Payload}, nil
}

// Close tears down the underlying connection. Safe to call more than
// once; subsequent calls are no-ops.
func (c *UDSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// IsHealthy reports whether the channel is open and has not yet observed
// a transport failure on either direction.
func (c *UDSChannel) IsHealthy() bool {
	return !c.closed.Load() && !c.failed.Load()
}
