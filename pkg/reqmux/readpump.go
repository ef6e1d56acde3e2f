package reqmux

// readPump is the single-consumer task that repeatedly reads responses
// from the transport and routes each to its matching PendingTable entry
// (spec.md §4.3). Unlike the write side, a read failure is channel-fatal:
// once reads stop succeeding, demultiplexing cannot recover, so the whole
// channel is torn down.
type readPump struct {
	transport TransportAdapter
	table     *pendingTable
	logger    *Logger
	metrics   *Metrics

	// onTransportFailure is invoked once, synchronously, from run's
	// goroutine when Read fails for a reason other than shutdown
	// cancellation. The Multiplexer uses it to transition to Stopping
	// (spec.md §4.3 point 4).
	onTransportFailure func(error)

	done chan struct{}
}

func newReadPump(transport TransportAdapter, table *pendingTable, logger *Logger, metrics *Metrics) *readPump {
	return &readPump{
		transport: transport,
		table:     table,
		logger:    logger,
		metrics:   metrics,
		done:      make(chan struct{}),
	}
}

func (p *readPump) run(shutdown <-chan struct{}) {
	defer close(p.done)

	ctx, cancel := shutdownContext(shutdown)
	defer cancel()

	for {
		resp, err := p.transport.Read(ctx)

		if err == nil {
			p.deliver(resp)
			continue
		}

		select {
		case <-shutdown:
			// Cancelled by shutdown (spec.md §4.3 point 3). The common
			// case is the table is already empty — a graceful stop only
			// signals shutdown once PendingTable has drained naturally
			// (spec.md §4.1's ReadPump drain rule) — but resolve
			// whatever is left regardless, so a forced stop (cancel
			// already fired on entry to stop) is covered by this same
			// path: closing shutdown unblocks the in-flight Read, and
			// this resolves every straggler with Shutdown before exiting.
			p.table.resolveAllWith(outcomeShutdown, ErrShutdown)
			return
		default:
		}

		// Transport failure: the channel is effectively dead, so every
		// pending entry is resolved with TransportFailed and the pump
		// exits (spec.md §4.3 point 4, §7's propagation policy).
		p.logger.Error("read pump: transport read failed", "error", err)
		p.table.resolveAllWith(outcomeTransportFailed, err)
		if p.onTransportFailure != nil {
			p.onTransportFailure(err)
		}
		return
	}
}

func (p *readPump) deliver(resp *Response) {
	entry, ok := p.table.take(resp.ID)
	if !ok {
		// Late arrival after timeout/cancellation/shutdown, or a
		// response for an ID this channel never saw a request for.
		// Silently discarded per spec.md §3 invariant 5 and §4.3's
		// tie-break rule — no error, no log above debug.
		p.logger.Debug("read pump: discarding response with no matching pending entry", "id", resp.ID.String())
		return
	}
	entry.resolve(outcome{kind: outcomeDelivered, response: resp})
	p.metrics.recordSuccess()
}
