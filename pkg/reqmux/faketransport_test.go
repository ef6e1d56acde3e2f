package reqmux

import (
	"context"
	"sync"
	"time"
)

// fakeTransport is an in-memory TransportAdapter test double. Writes queue
// onto an internal channel; by default Read echoes each written Request
// straight back as a Response with the same ID/Payload, optionally after a
// configured delay. Tests that need custom response shaping, injected
// errors, or artificial stalls configure the relevant field/hook before
// handing the transport to New.
type fakeTransport struct {
	mu sync.Mutex

	writeDelay time.Duration
	readDelay  time.Duration

	// writeErr, if set, is returned by every Write instead of succeeding.
	writeErr error
	// readErr, if set, is returned by every Read once the queue is empty
	// (and blockReads is false), simulating a dead transport.
	readErr error
	// blockReads, when true, makes Read block until ctx is cancelled
	// instead of consuming the queue — used to simulate a stalled peer.
	blockReads bool

	// respond, if set, overrides the default echo behavior: it is called
	// with each written Request and should return the Response to hand
	// back from a subsequent Read (or nil to drop the request silently,
	// simulating a response that never arrives).
	respond func(*Request) *Response

	written  []*Request
	pending  chan *Response
	writeHook func(*Request)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		pending: make(chan *Response, 256),
	}
}

func (f *fakeTransport) Write(ctx context.Context, req *Request) error {
	if f.writeDelay > 0 {
		select {
		case <-time.After(f.writeDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	writeErr := f.writeErr
	respond := f.respond
	f.written = append(f.written, req)
	if f.writeHook != nil {
		f.writeHook(req)
	}
	f.mu.Unlock()

	if writeErr != nil {
		return writeErr
	}

	var resp *Response
	if respond != nil {
		resp = respond(req)
	} else {
		resp = &Response{ID: req.ID, Payload: req.Payload}
	}
	if resp == nil {
		return nil
	}

	select {
	case f.pending <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Read(ctx context.Context) (*Response, error) {
	if f.blockReads {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if f.readDelay > 0 {
		select {
		case <-time.After(f.readDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	select {
	case resp := <-f.pending:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	f.mu.Lock()
	readErr := f.readErr
	f.mu.Unlock()
	if readErr != nil {
		return nil, readErr
	}

	for {
		select {
		case resp := <-f.pending:
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}

		f.mu.Lock()
		readErr = f.readErr
		f.mu.Unlock()
		if readErr != nil {
			return nil, readErr
		}
	}
}

// writtenCount returns how many requests Write has observed so far.
func (f *fakeTransport) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

// injectResponse pushes a Response directly onto the pending queue without
// requiring a matching Write, used to test late/unmatched-response
// handling (spec.md §3 invariant 5).
func (f *fakeTransport) injectResponse(resp *Response) {
	f.pending <- resp
}

// failReads makes Read fail with err once the pending queue drains,
// including a Read that is already waiting on an empty queue.
func (f *fakeTransport) failReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}
