package reqmux

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcflow/reqmux/internal/framing"
	"github.com/arcflow/reqmux/internal/wire"
)

// serveOneEchoConnection accepts a single connection on listener and
// echoes every framed envelope it receives back as a successful response,
// standing in for a real peer process in UDSChannel tests.
func serveOneEchoConnection(t *testing.T, listener net.Listener) {
	t.Helper()
	go func() {
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
	}()
}

func TestUDSChannel_WriteReadRoundTrip(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "uds.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer listener.Close()
	serveOneEchoConnection(t, listener)

	channel, err := NewUDSChannel(ChannelConfig{Kind: "uds", Address: socketPath}, nil)
	require.NoError(t, err)
	defer channel.Close()

	req := &Request{ID: NewID(), Payload: []byte(`{"hello":"world"}`)}
	ctx := context.Background()
	require.NoError(t, channel.Write(ctx, req))

	resp, err := channel.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, req.Payload, resp.Payload)
}

func TestUDSChannel_DialFailsWithoutAddress(t *testing.T) {
	_, err := NewUDSChannel(ChannelConfig{Kind: "uds"}, nil)
	assert.Error(t, err)
}

func TestUDSChannel_DialFailsOnMissingSocket(t *testing.T) {
	_, err := NewUDSChannel(ChannelConfig{
		Kind:    "uds",
		Address: "/tmp/reqmux-does-not-exist.sock",
		Options: map[string]interface{}{"timeout": 100 * time.Millisecond},
	}, nil)
	assert.Error(t, err)
}

func TestUDSChannel_CloseIsIdempotentAndMarksUnhealthy(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "uds.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer listener.Close()
	serveOneEchoConnection(t, listener)

	channel, err := NewUDSChannel(ChannelConfig{Kind: "uds", Address: socketPath}, nil)
	require.NoError(t, err)

	assert.True(t, channel.IsHealthy())
	require.NoError(t, channel.Close())
	require.NoError(t, channel.Close())
	assert.False(t, channel.IsHealthy())
}

// TestUDSChannel_HMACHandshake exercises the optional HMAC authentication
// path wired into NewUDSChannel via ChannelConfig.Options["hmac_secret"]:
// a client holding the server's secret completes the handshake with an
// HMACListener and exchanges a request over the channel. The rejecting
// side is covered by TestUDSChannel_HMACHandshakeFailsWithWrongSecret.
func TestUDSChannel_HMACHandshake(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "uds-hmac.sock")
	rawListener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer rawListener.Close()

	secret := []byte("test-shared-secret")
	listener := NewHMACListener(rawListener, secret)
	serveOneEchoConnection(t, listener)

	channel, err := NewUDSChannel(ChannelConfig{
		Kind:    "uds",
		Address: socketPath,
		Options: map[string]interface{}{"hmac_secret": secret},
	}, nil)
	require.NoError(t, err)
	defer channel.Close()

	req := &Request{ID: NewID(), Payload: []byte("authenticated")}
	require.NoError(t, channel.Write(context.Background(), req))

	resp, err := channel.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, req.Payload, resp.Payload)
}

func TestUDSChannel_HMACHandshakeFailsWithWrongSecret(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "uds-hmac-bad.sock")
	rawListener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer rawListener.Close()

	listener := NewHMACListener(rawListener, []byte("server-secret"))
	serveOneEchoConnection(t, listener)

	_, err = NewUDSChannel(ChannelConfig{
		Kind:    "uds",
		Address: socketPath,
		Options: map[string]interface{}{"hmac_secret": []byte("wrong-secret")},
	}, nil)
	assert.Error(t, err)
}

func TestUDSChannel_ReadRespectsContextDeadline(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "uds-slow.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Accept the connection but never reply, forcing the caller's
		// Read to time out against its own context deadline.
		time.Sleep(2 * time.Second)
	}()

	channel, err := NewUDSChannel(ChannelConfig{Kind: "uds", Address: socketPath}, nil)
	require.NoError(t, err)
	defer channel.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = channel.Read(ctx)
	assert.Error(t, err)
}

// TestUDSChannel_ReadRespectsCancellation exercises the exact scenario
// spec.md §6 requires — read(cancel) -> Cancelled — against a real
// blocked UDSChannel.Read: a plain context.WithCancel context (no
// deadline) is cancelled while a peer that never replies is connected,
// and Read must return promptly with ctx.Err() rather than block for as
// long as the connection stays open.
func TestUDSChannel_ReadRespectsCancellation(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "uds-cancel.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		close(accepted)
		defer conn.Close()
		// Never reply; Read must be unblocked by ctx cancellation alone.
		time.Sleep(2 * time.Second)
	}()

	channel, err := NewUDSChannel(ChannelConfig{Kind: "uds", Address: socketPath}, nil)
	require.NoError(t, err)
	defer channel.Close()

	<-accepted

	ctx, cancel := context.WithCancel(context.Background())
	readErrCh := make(chan error, 1)
	go func() {
		_, err := channel.Read(ctx)
		readErrCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-readErrCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(1 * time.Second):
		t.Fatal("Read did not return promptly after ctx cancellation")
	}

	// The connection must still be usable for a subsequent call with a
	// fresh context — cancellation must not poison the read deadline.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = channel.Read(ctx2)
	assert.Error(t, err)
}
