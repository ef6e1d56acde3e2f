package reqmux

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcflow/reqmux/internal/framing"
	"github.com/arcflow/reqmux/internal/wire"
)

// TestEchoHelperProcess is re-executed as a child process (see
// echoPoolOptions below) and speaks the real wire
// protocol: it frames incoming envelopes with internal/framing and echoes
// each request's payload back as a successful response, standing in for a
// real peer across Pool tests without depending on any external
// interpreter.
func TestEchoHelperProcess(t *testing.T) {
	if os.Getenv("REQMUX_WANT_ECHO_HELPER") != "1" {
		return
	}
	defer os.Exit(0)

	socketPath := os.Getenv("REQMUX_SOCKET_PATH")
	if socketPath == "" {
		os.Exit(1)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		os.Exit(1)
	}
	defer listener.Close()

	conn, err := listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	framer := framing.NewFramer(conn)
	for {
		data, err := framer.ReadMessage()
		if err != nil {
			return
		}
		var env wire.Envelope
		if err := env.Unmarshal(data); err != nil {
			continue
		}
		resp := wire.NewResponseEnvelope(env.ID, env.Payload)
		out, err := resp.Marshal()
		if err != nil {
			continue
		}
		if err := framer.WriteMessage(out); err != nil {
			return
		}
	}
}

func echoPoolOptions(t *testing.T, channels int) PoolOptions {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	socketPath := filepath.Join(t.TempDir(), "pool-test.sock")

	return PoolOptions{
		Config: PoolConfig{
			Channels:       channels,
			MaxInFlight:    10,
			HealthInterval: 50 * time.Millisecond,
		},
		MultiplexerConfig: Config{RequestTimeout: 2 * time.Second},
		Process: PeerProcessConfig{
			SocketPath:   socketPath,
			Executable:   self,
			Args:         []string{"-test.run=TestEchoHelperProcess"},
			Env:          map[string]string{"REQMUX_WANT_ECHO_HELPER": "1"},
			StartTimeout: 5 * time.Second,
		},
		ChannelKind: "uds",
	}
}

func TestPool_StartSendShutdown(t *testing.T) {
	opts := echoPoolOptions(t, 3)
	p, err := NewPool(opts, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Shutdown(context.Background()) }()

	req := &Request{ID: NewID(), Payload: []byte("hello pool")}
	resp, err := p.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.Payload, resp.Payload)

	health := p.Health()
	assert.Equal(t, 3, health.TotalSlots)
}

func TestPool_SendRoundRobinsAcrossSlots(t *testing.T) {
	opts := echoPoolOptions(t, 3)
	p, err := NewPool(opts, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Shutdown(context.Background()) }()

	seen := map[string]int{}
	for i := 0; i < 9; i++ {
		slot := p.pick()
		require.NotNil(t, slot)
		seen[slot.id]++
	}
	// With round-robin picking over 3 slots and 9 picks, each slot should
	// be chosen the same number of times.
	assert.Len(t, seen, 3)
	for _, count := range seen {
		assert.Equal(t, 3, count)
	}
}

func TestPool_ShutdownIsIdempotent(t *testing.T) {
	opts := echoPoolOptions(t, 1)
	p, err := NewPool(opts, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_SendAfterShutdownFails(t *testing.T) {
	opts := echoPoolOptions(t, 1)
	p, err := NewPool(opts, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	_, err = p.Send(context.Background(), &Request{ID: NewID(), Payload: []byte("x")})
	assert.Error(t, err)
}

func TestPool_ConfigValidation(t *testing.T) {
	_, err := NewPool(PoolOptions{Config: PoolConfig{Channels: 0}}, nil)
	assert.Error(t, err)
}

func TestPool_MetricsAggregatesAcrossSlots(t *testing.T) {
	opts := echoPoolOptions(t, 2)
	p, err := NewPool(opts, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer func() { _ = p.Shutdown(context.Background()) }()

	for i := 0; i < 4; i++ {
		_, err := p.Send(context.Background(), &Request{ID: NewID(), Payload: []byte("x")})
		require.NoError(t, err)
	}

	snap := p.Metrics()
	assert.Equal(t, uint64(4), snap.RequestsTotal)
	assert.Equal(t, uint64(4), snap.RequestsSucceeded)
}
