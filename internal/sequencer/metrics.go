package sequencer

import (
	"sync/atomic"

	"github.com/harrowgate/sharedmap/internal/sharedmap"
)

// metrics.go holds process-wide atomic counters for the sequencer,
// surfaced as a JSON snapshot over GET /metrics.

// Metrics holds process-wide counters for a sequencer's lifetime.
type Metrics struct {
	setTotal     atomic.Uint64
	deleteTotal  atomic.Uint64
	clearTotal   atomic.Uint64
	dedupHits    atomic.Uint64
	acksTotal    atomic.Uint64
	rollbacks    atomic.Uint64
	stashReplays atomic.Uint64
}

// NewMetrics returns a zeroed counter set.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) IncPublish(t sharedmap.OpType) {
	switch t {
	case sharedmap.OpSet:
		m.setTotal.Add(1)
	case sharedmap.OpDelete:
		m.deleteTotal.Add(1)
	case sharedmap.OpClear:
		m.clearTotal.Add(1)
	}
}

func (m *Metrics) IncDedup()       { m.dedupHits.Add(1) }
func (m *Metrics) IncAck()         { m.acksTotal.Add(1) }
func (m *Metrics) IncRollback()    { m.rollbacks.Add(1) }
func (m *Metrics) IncStashReplay() { m.stashReplays.Add(1) }

// MetricsSnapshot is a point-in-time, JSON-friendly copy of the counters.
type MetricsSnapshot struct {
	SetTotal     uint64 `json:"set_total"`
	DeleteTotal  uint64 `json:"delete_total"`
	ClearTotal   uint64 `json:"clear_total"`
	DedupHits    uint64 `json:"dedup_hits"`
	AcksTotal    uint64 `json:"acks_total"`
	Rollbacks    uint64 `json:"rollbacks"`
	StashReplays uint64 `json:"stash_replays"`
}

// Snapshot returns the current value of every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		SetTotal:     m.setTotal.Load(),
		DeleteTotal:  m.deleteTotal.Load(),
		ClearTotal:   m.clearTotal.Load(),
		DedupHits:    m.dedupHits.Load(),
		AcksTotal:    m.acksTotal.Load(),
		Rollbacks:    m.rollbacks.Load(),
		StashReplays: m.stashReplays.Load(),
	}
}
