package reqmux

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Metrics tracks per-Multiplexer request counters and a bounded latency
// window for percentile queries. Grounded on the teacher's PoolMetrics
// (pool_metrics.go), narrowed to what a single multiplexed channel needs;
// Pool aggregates one of these per channel (see pool_metrics.go in this
// package).
type Metrics struct {
	RequestsTotal     atomic.Uint64
	RequestsSucceeded atomic.Uint64
	RequestsFailed    atomic.Uint64
	RequestsTimedOut  atomic.Uint64
	RequestsCancelled atomic.Uint64

	QueueDepth atomic.Int32

	latencyMu    sync.RWMutex
	latencies    []time.Duration
	maxLatencies int
}

const defaultMaxLatencySamples = 10000

// NewMetrics creates an empty Metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{
		maxLatencies: defaultMaxLatencySamples,
		latencies:    make([]time.Duration, 0, defaultMaxLatencySamples),
	}
}

func (m *Metrics) recordSuccess() {
	if m == nil {
		return
	}
	m.RequestsSucceeded.Inc()
}

func (m *Metrics) recordFailure() {
	if m == nil {
		return
	}
	m.RequestsFailed.Inc()
}

func (m *Metrics) recordTimeout() {
	if m == nil {
		return
	}
	m.RequestsTimedOut.Inc()
}

func (m *Metrics) recordCancelled() {
	if m == nil {
		return
	}
	m.RequestsCancelled.Inc()
}

func (m *Metrics) recordSubmitted() {
	if m == nil {
		return
	}
	m.RequestsTotal.Inc()
}

// RecordLatency records the time a Send call took end to end, dropping the
// oldest sample once maxLatencies is reached.
func (m *Metrics) RecordLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()

	if len(m.latencies) >= m.maxLatencies {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, d)
}

// Percentile returns the latency at the given percentile (0-100) across
// the current latency window, or 0 if no samples have been recorded.
func (m *Metrics) Percentile(p float64) time.Duration {
	if m == nil {
		return 0
	}
	m.latencyMu.RLock()
	defer m.latencyMu.RUnlock()

	if len(m.latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)-1) * p / 100.0)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Snapshot is a point-in-time copy of a Metrics' counters.
type Snapshot struct {
	RequestsTotal     uint64
	RequestsSucceeded uint64
	RequestsFailed    uint64
	RequestsTimedOut  uint64
	RequestsCancelled uint64
	QueueDepth        int32
	P50               time.Duration
	P99               time.Duration
}

// Snapshot captures the current counters and latency percentiles.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		RequestsTotal:     m.RequestsTotal.Load(),
		RequestsSucceeded: m.RequestsSucceeded.Load(),
		RequestsFailed:    m.RequestsFailed.Load(),
		RequestsTimedOut:  m.RequestsTimedOut.Load(),
		RequestsCancelled: m.RequestsCancelled.Load(),
		QueueDepth:        m.QueueDepth.Load(),
		P50:               m.Percentile(50),
		P99:               m.Percentile(99),
	}
}
