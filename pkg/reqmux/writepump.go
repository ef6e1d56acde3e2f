package reqmux

import (
	"context"
)

// writePump is the single-consumer task that drains the submission queue
// and hands each request to the transport in submission order (spec.md
// §4.2). One bad request must not kill the pump — the bulkhead rule — so a
// per-request write failure resolves only that request's entry and the
// loop continues.
//
// forceShutdown is distinct from the queue being closed: closing the queue
// is how a *graceful* stop tells the pump "no more new work, finish what's
// already buffered" (spec.md §4.1's WritePump drain rule). forceShutdown
// firing is the *forced* path (stop invoked with an already-cancelled
// cancel) — the pump abandons the queue immediately and any in-flight
// write's context is cancelled too (spec.md §4.2 point 3).
type writePump struct {
	transport TransportAdapter
	table     *pendingTable
	queue     <-chan *Request
	logger    *Logger
	metrics   *Metrics

	done chan struct{}
}

func newWritePump(transport TransportAdapter, table *pendingTable, queue <-chan *Request, logger *Logger, metrics *Metrics) *writePump {
	return &writePump{
		transport: transport,
		table:     table,
		queue:     queue,
		logger:    logger,
		metrics:   metrics,
		done:      make(chan struct{}),
	}
}

func (p *writePump) run(forceShutdown <-chan struct{}) {
	defer close(p.done)

	// One context for the whole pump lifetime, cancelled when
	// forceShutdown fires — this is "cancel=pump_shutdown" from spec.md
	// §4.2, passed to every transport.Write call.
	ctx, cancel := shutdownContext(forceShutdown)
	defer cancel()

	for {
		select {
		case req, ok := <-p.queue:
			if !ok {
				return
			}
			p.writeOne(ctx, req)
		case <-forceShutdown:
			return
		}
	}
}

func (p *writePump) writeOne(ctx context.Context, req *Request) {
	err := p.transport.Write(ctx, req)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// Cancelled by forced shutdown mid-write: any entry still
		// pending is resolved by the shutdown path itself, not here.
		return
	}

	// Transport failure writing this specific request: resolve its entry
	// (if still present) with TransportFailed and keep looping. This is
	// the bulkhead rule (spec.md §4.2 point 4) — one bad request does not
	// tear down the pump.
	p.logger.Error("write pump: request write failed", "id", req.ID.String(), "error", err)
	if entry, ok := p.table.take(req.ID); ok {
		entry.resolve(outcome{kind: outcomeTransportFailed, cause: err})
		p.metrics.recordFailure()
	}
}

// shutdownContext returns a context cancelled exactly once, when closed
// fires, spawning a single goroutine for the caller's lifetime rather than
// one per operation.
func shutdownContext(closed <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-closed
		cancel()
	}()
	return ctx, cancel
}
