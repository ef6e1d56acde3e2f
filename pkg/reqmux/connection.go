package reqmux

import (
	"context"
	"fmt"
	"net"
	"time"
)

const defaultSleepDuration = 100 * time.Millisecond

// ConnectToPeer dials the Unix domain socket a process-backed channel's
// peer listens on, retrying until it accepts a connection or timeout
// elapses. The peer process may still be starting up when the first dial
// is attempted, so transient dial failures are expected, not fatal.
func ConnectToPeer(socketPath string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to peer at %s after %v", socketPath, timeout)
		default:
			conn, err := net.Dial("unix", socketPath)
			if err == nil {
				return conn, nil
			}
			if err := sleepWithCtx(ctx, defaultSleepDuration); err != nil {
				return nil, fmt.Errorf("failed to connect to peer at %s after %v", socketPath, timeout)
			}
		}
	}
}

func sleepWithCtx(ctx context.Context, d time.Duration) error {
	// Wait a bit before retrying
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
