package reqmux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// LifecycleState is one of Created, Running, Stopping, Stopped (spec.md
// §3). Transitions are monotonic: Created -> Running -> Stopping -> Stopped,
// with Running -> Created permitted only as the rollback of a Start call
// whose cancel fired before the pumps were armed.
type LifecycleState int32

const (
	StateCreated LifecycleState = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s LifecycleState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Multiplexer is the public facade described in spec.md §4.1: it owns the
// PendingTable, the SubmissionQueue, the WritePump and ReadPump, and the
// lifecycle state machine, and implements Start, Send and Stop.
type Multiplexer struct {
	transport TransportAdapter
	cfg       Config
	logger    *Logger
	metrics   *Metrics

	table *pendingTable
	queue chan *Request

	// submitMu gates Send's enqueue against Stop's channel close: a Send
	// holding the read lock is guaranteed to either observe state ==
	// Running and complete its channel operation before Stop's write lock
	// is granted, or to observe a post-close state and never touch the
	// channel at all. This is what makes closing queue for new
	// submissions race-free without a second "is closing" signal.
	submitMu sync.RWMutex
	state    atomic.Int32

	writePump *writePump
	readPump  *readPump

	forceShutdown     chan struct{}
	forceShutdownOnce sync.Once

	// transportFailed latches the cause reported by the ReadPump so Stop
	// and Send can surface it even after the pumps have already exited.
	transportFailedMu sync.Mutex
	transportFailed   error
}

// New constructs a Multiplexer bound to transport. cfg is validated
// immediately; an invalid RequestTimeout or SubmissionCapacity fails
// construction with ErrInvalidArgument (spec.md §6).
func New(transport TransportAdapter, cfg Config, logger *Logger) (*Multiplexer, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NewLogger(LoggingConfig{Level: "info", Format: "text"})
	}

	m := &Multiplexer{
		transport:     transport,
		cfg:           cfg,
		logger:        logger,
		metrics:       NewMetrics(),
		table:         newPendingTable(),
		queue:         make(chan *Request, cfg.SubmissionCapacity),
		forceShutdown: make(chan struct{}),
	}
	m.state.Store(int32(StateCreated))
	return m, nil
}

// State returns the current lifecycle state.
func (m *Multiplexer) State() LifecycleState {
	return LifecycleState(m.state.Load())
}

// Metrics returns this Multiplexer's request/latency counters.
func (m *Multiplexer) Metrics() *Metrics {
	return m.metrics
}

// Start transitions Created -> Running, launching the WritePump and
// ReadPump, and returns once both are armed and consuming (spec.md §4.1).
//
// Calling Start on a non-Created instance fails with ErrInvalidLifecycle.
// If ctx is cancelled before the pumps report ready, Start fails with
// ErrCancelled and the instance returns to Created with no side effects —
// the pumps that were launched are torn down before Start returns.
func (m *Multiplexer) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if !m.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return fmt.Errorf("%w: Start called in state %s", ErrInvalidLifecycle, m.State())
	}

	m.writePump = newWritePump(m.transport, m.table, m.queue, m.logger, m.metrics)
	m.readPump = newReadPump(m.transport, m.table, m.logger, m.metrics)
	m.readPump.onTransportFailure = m.handleTransportFailure

	var armWg sync.WaitGroup
	armWg.Add(2)
	go func() {
		armWg.Done()
		m.writePump.run(m.forceShutdown)
	}()
	go func() {
		armWg.Done()
		m.readPump.run(m.forceShutdown)
	}()

	armed := make(chan struct{})
	go func() {
		armWg.Wait()
		close(armed)
	}()

	select {
	case <-armed:
		m.logger.Info("multiplexer started")
		return nil
	case <-ctx.Done():
		m.triggerForceShutdown()
		<-m.writePump.done
		<-m.readPump.done
		m.forceShutdown = make(chan struct{})
		m.forceShutdownOnce = sync.Once{}
		m.state.Store(int32(StateCreated))
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// Send registers req, enqueues it for the WritePump, and waits for its
// response, timeout, cancellation, or shutdown (spec.md §4.1).
func (m *Multiplexer) Send(ctx context.Context, req *Request) (*Response, error) {
	submitted := time.Now()

	if _, ok := GetTraceID(ctx); !ok {
		ctx = WithTraceID(ctx)
	}
	m.logger.DebugContext(ctx, "send", "request_id", req.ID.String())

	if state := m.State(); state != StateRunning {
		if state == StateCreated {
			return nil, fmt.Errorf("%w: Send called before Start", ErrInvalidLifecycle)
		}
		return nil, ErrShutdown
	}

	deadlineAt := submitted.Add(m.cfg.RequestTimeout)
	entry := newPendingEntry(req.ID, deadlineAt)
	if !m.table.insert(req.ID, entry) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	m.metrics.recordSubmitted()

	if err := m.enqueue(ctx, req, entry, deadlineAt); err != nil {
		return nil, err
	}

	resp, err := m.await(ctx, entry)
	m.metrics.RecordLatency(time.Since(submitted))
	return resp, err
}

// enqueue places req on the SubmissionQueue, racing the caller's
// cancellation against the request's own deadline (spec.md §4.1 point 3).
// On either firing first, it removes the entry and fails accordingly.
func (m *Multiplexer) enqueue(ctx context.Context, req *Request, entry *pendingEntry, deadlineAt time.Time) error {
	m.submitMu.RLock()
	defer m.submitMu.RUnlock()

	if m.State() != StateRunning {
		m.table.take(req.ID)
		return ErrShutdown
	}

	timer := time.NewTimer(time.Until(deadlineAt))
	defer timer.Stop()

	select {
	case m.queue <- req:
		return nil
	case <-ctx.Done():
		m.table.take(req.ID)
		m.metrics.recordCancelled()
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-timer.C:
		m.table.take(req.ID)
		m.metrics.recordTimeout()
		return fmt.Errorf("%w: request timeout after %v", ErrTimedOut, m.cfg.RequestTimeout)
	}
}

// await waits for entry's completion slot to resolve, or for the caller's
// own cancel to fire first (spec.md §4.1 point 5): on caller cancellation,
// the caller's resolver wins even if a response is in flight — the
// request may still reach the transport and any late response is silently
// discarded by the ReadPump.
func (m *Multiplexer) await(ctx context.Context, entry *pendingEntry) (*Response, error) {
	deadline := time.Until(entry.deadlineAt)
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case o := <-entry.ch:
		return m.outcomeToResult(o)
	case <-ctx.Done():
		if taken, ok := m.table.take(entry.id); ok {
			taken.resolve(outcome{kind: outcomeCancelled})
			m.metrics.recordCancelled()
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		// Lost the race to some other resolver; take its outcome.
		return m.outcomeToResult(<-entry.ch)
	case <-timer.C:
		if taken, ok := m.table.take(entry.id); ok {
			taken.resolve(outcome{kind: outcomeTimedOut})
			m.metrics.recordTimeout()
			return nil, fmt.Errorf("%w: request timeout after %v", ErrTimedOut, m.cfg.RequestTimeout)
		}
		return m.outcomeToResult(<-entry.ch)
	}
}

func (m *Multiplexer) outcomeToResult(o outcome) (*Response, error) {
	switch o.kind {
	case outcomeDelivered:
		return o.response, nil
	case outcomeTimedOut:
		return nil, fmt.Errorf("%w: request timeout after %v", ErrTimedOut, m.cfg.RequestTimeout)
	case outcomeCancelled:
		return nil, ErrCancelled
	case outcomeShutdown:
		return nil, ErrShutdown
	case outcomeTransportFailed:
		return nil, newTransportError(o.cause)
	default:
		return nil, fmt.Errorf("reqmux: unknown outcome kind %d", o.kind)
	}
}

// handleTransportFailure is the ReadPump's onTransportFailure callback: it
// transitions the Multiplexer to Stopping and asks the WritePump to stop
// too, since a dead channel has nothing left to write to (spec.md §4.3
// point 4, §7).
func (m *Multiplexer) handleTransportFailure(cause error) {
	m.transportFailedMu.Lock()
	if m.transportFailed == nil {
		m.transportFailed = cause
	}
	m.transportFailedMu.Unlock()

	m.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	m.triggerForceShutdown()
}

func (m *Multiplexer) triggerForceShutdown() {
	m.forceShutdownOnce.Do(func() {
		close(m.forceShutdown)
	})
}

// Stop transitions Running -> Stopping -> Stopped (spec.md §4.1).
//
// Graceful path (cancel never fires): closes the SubmissionQueue to new
// submissions, waits for the WritePump to drain everything already
// enqueued, then waits for the ReadPump to retrieve every outstanding
// response (or for PendingTable to empty out on its own), then signals the
// ReadPump to stop and transitions to Stopped.
//
// Forced path (cancel fires, whether already fired on entry or mid-drain):
// bypasses the WritePump drain, resolves every still-pending entry with
// Shutdown, asks both pumps to stop immediately, and returns ErrCancelled.
func (m *Multiplexer) Stop(ctx context.Context) error {
	state := m.State()
	if state == StateStopped {
		return fmt.Errorf("%w: Stop called in state %s", ErrInvalidLifecycle, state)
	}
	if state == StateCreated {
		return fmt.Errorf("%w: Stop called before Start", ErrInvalidLifecycle)
	}

	// Close the SubmissionQueue to new submissions. Holding submitMu
	// ensures no Send is mid-enqueue when we flip the state and close the
	// channel (see the doc comment on submitMu).
	if state == StateRunning {
		m.submitMu.Lock()
		m.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
		close(m.queue)
		m.submitMu.Unlock()
	}

	if err := ctx.Err(); err != nil {
		return m.forcedStop(err)
	}

	// Graceful path: wait for the WritePump to drain the queue, then for
	// the ReadPump to retrieve every outstanding response, racing the
	// caller's cancel the whole time.
	writeDone := make(chan struct{})
	go func() {
		select {
		case <-m.writePump.done:
		case <-m.forceShutdown:
		}
		close(writeDone)
	}()

	select {
	case <-writeDone:
	case <-ctx.Done():
		return m.forcedStop(ctx.Err())
	}

drain:
	for !m.table.isEmpty() {
		select {
		case <-ctx.Done():
			return m.forcedStop(ctx.Err())
		case <-m.forceShutdown:
			// The ReadPump already hit a transport failure and resolved
			// everything; fall through to the normal join below.
			break drain
		case <-time.After(readDrainPollInterval):
		}
	}

	m.triggerForceShutdown()
	<-m.readPump.done

	m.state.Store(int32(StateStopped))
	m.logger.Info("multiplexer stopped")
	return nil
}

// readDrainPollInterval bounds how long Stop's graceful drain loop can go
// between checking ctx and the PendingTable, without busy-spinning.
const readDrainPollInterval = 10 * time.Millisecond

// forcedStop implements spec.md §4.1's forced path: resolve every
// remaining entry with Shutdown, stop both pumps immediately, and report
// ErrCancelled.
func (m *Multiplexer) forcedStop(cause error) error {
	m.table.resolveAllWith(outcomeShutdown, ErrShutdown)
	m.triggerForceShutdown()
	if m.writePump != nil {
		<-m.writePump.done
	}
	if m.readPump != nil {
		<-m.readPump.done
	}
	m.state.Store(int32(StateStopped))
	m.logger.Warn("multiplexer stop cancelled, forced shutdown", "cause", cause)
	return fmt.Errorf("%w: %v", ErrCancelled, cause)
}
