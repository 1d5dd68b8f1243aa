package shards

import (
	"sync"

	"nerdkernel/internal/types"
)

// ReportBuffer collects shard reports and heartbeats between cycle
// boundaries. It is safe for concurrent use.
type ReportBuffer struct {
	mu         sync.Mutex
	reports    []Report
	heartbeats map[types.Value]int64
	notify     chan struct{}
}

// NewReportBuffer creates an empty buffer.
func NewReportBuffer() *ReportBuffer {
	return &ReportBuffer{
		heartbeats: make(map[types.Value]int64),
		notify:     make(chan struct{}, 1),
	}
}

// Push buffers a report and wakes the cycle driver.
func (b *ReportBuffer) Push(r Report) {
	b.mu.Lock()
	b.reports = append(b.reports, r)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Heartbeat records that a shard was alive at millis. Only the latest
// heartbeat per shard is kept.
func (b *ReportBuffer) Heartbeat(shard types.Value, millis int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if millis > b.heartbeats[shard] {
		b.heartbeats[shard] = millis
	}
}

// Drain returns and clears the buffered reports.
func (b *ReportBuffer) Drain() []Report {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.reports
	b.reports = nil
	return out
}

// Len returns the number of buffered reports.
func (b *ReportBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reports)
}

// Notify fires after a report is pushed.
func (b *ReportBuffer) Notify() <-chan struct{} { return b.notify }

// HeartbeatFacts returns shard_heartbeat(Shard, Millis) for every shard seen.
func (b *ReportBuffer) HeartbeatFacts() []types.Fact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Fact, 0, len(b.heartbeats))
	for s, ms := range b.heartbeats {
		out = append(out, types.NewFact("shard_heartbeat", s, types.Int(ms)))
	}
	types.SortFacts(out)
	return out
}

// forget drops the heartbeat of a shard type with nothing left running.
func (b *ReportBuffer) forget(shards []types.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range shards {
		delete(b.heartbeats, s)
	}
}
