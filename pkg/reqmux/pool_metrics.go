package reqmux

import "time"

// PoolMetricsSnapshot aggregates each slot's Metrics snapshot into pool-
// wide totals. Percentiles are the max across slots rather than a true
// merged distribution — good enough to flag "some channel is slow"
// without each slot exporting its raw latency samples.
type PoolMetricsSnapshot struct {
	Slots             int
	RequestsTotal     uint64
	RequestsSucceeded uint64
	RequestsFailed    uint64
	RequestsTimedOut  uint64
	RequestsCancelled uint64
	QueueDepth        int32
	P50               time.Duration
	P99               time.Duration
	Timestamp         time.Time
}

func aggregateSlotMetrics(slots []*poolSlot) PoolMetricsSnapshot {
	snap := PoolMetricsSnapshot{
		Slots:     len(slots),
		Timestamp: time.Now(),
	}

	for _, slot := range slots {
		if slot.mux == nil {
			continue
		}
		s := slot.mux.Metrics().Snapshot()
		snap.RequestsTotal += s.RequestsTotal
		snap.RequestsSucceeded += s.RequestsSucceeded
		snap.RequestsFailed += s.RequestsFailed
		snap.RequestsTimedOut += s.RequestsTimedOut
		snap.RequestsCancelled += s.RequestsCancelled
		snap.QueueDepth += s.QueueDepth
		if s.P50 > snap.P50 {
			snap.P50 = s.P50
		}
		if s.P99 > snap.P99 {
			snap.P99 = s.P99
		}
	}

	return snap
}
