package sequencer

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/harrowgate/sharedmap/internal/sharedmap"
)

// session.go is the transport/sequencer collaborator the kernel requires:
// a sharedmap.Submitter that persists in-flight ops to a StashLog, hands
// them to a Broker for total ordering, and drives the kernel's
// TryProcess/TrySubmit/TryApplyStashed/Rollback callbacks from a single
// cooperative Pump, honoring the single-cooperative-executor contract the
// kernel documents on sharedmap.Map.

type inFlightOp struct {
	op   sharedmap.Op
	meta sharedmap.LocalMetadata
}

// ClientSession is one client's connection to a Broker.
type ClientSession struct {
	mu            sync.Mutex
	id            string
	broker        *Broker
	wal           *StashLog
	log           *zap.Logger
	metrics       *Metrics
	kernel        *sharedmap.Map
	attached      bool
	nextClientSeq uint64
	inFlight      map[uint64]inFlightOp
	inbox         []sharedmap.SequencedMessage
}

// NewClientSession opens walPath (creating it if absent) and returns a
// session seeded with whatever ops were still unacknowledged when it was
// last closed. Those ops are not yet visible to any kernel until Attach is
// called.
func NewClientSession(id string, walPath string, broker *Broker, log *zap.Logger, metrics *Metrics) (*ClientSession, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	w, entries, err := OpenStashLog(walPath, log)
	if err != nil {
		return nil, fmt.Errorf("sequencer: open session %s: %w", id, err)
	}

	s := &ClientSession{
		id:       id,
		broker:   broker,
		wal:      w,
		log:      log.With(zap.String("session", id)),
		metrics:  metrics,
		inFlight: make(map[uint64]inFlightOp, len(entries)),
	}
	for _, e := range entries {
		s.inFlight[e.ClientSeq] = inFlightOp{op: e.Op}
		if e.ClientSeq >= s.nextClientSeq {
			s.nextClientSeq = e.ClientSeq + 1
		}
	}
	return s, nil
}

// Close releases the session's stash log. The kernel it was attached to is
// left untouched.
func (s *ClientSession) Close() error {
	return s.wal.Close()
}

// Attach binds a fresh kernel to this session and replays every stashed op
// into it via TryApplyStashed, as recovery after a process restart would:
// the kernel never saw these ops before, so each one is re-applied as if
// freshly authored locally, with a brand new pending id.
func (s *ClientSession) Attach(m *sharedmap.Map) error {
	s.mu.Lock()
	stale := s.inFlight
	s.mu.Unlock()

	ordered := make([]uint64, 0, len(stale))
	for seq := range stale {
		ordered = append(ordered, seq)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	rebuilt := make(map[uint64]inFlightOp, len(ordered))
	for _, seq := range ordered {
		entry := stale[seq]
		meta, err := m.TryApplyStashed(entry.op)
		if err != nil {
			return fmt.Errorf("sequencer: replay stashed op (client_seq=%d): %w", seq, err)
		}
		s.metrics.IncStashReplay()
		rebuilt[seq] = inFlightOp{op: entry.op, meta: meta}
	}

	s.mu.Lock()
	s.kernel = m
	s.inFlight = rebuilt
	s.attached = true
	s.mu.Unlock()

	s.broker.Subscribe(s.id, s)
	return nil
}

// Reconnect re-attaches the same live kernel after a transient disconnect
// (the kernel instance, and therefore its pending table, never went away).
// Every op this session still has in flight is resubmitted through the
// kernel's own TrySubmit, which rotates its pending id and calls back into
// Submit with fresh metadata, so each resubmitted op re-enters inFlight
// under a new client sequence number, and the superseded entries are
// dropped here and compacted out of the stash log.
//
// Resubmission runs in client-sequence order: the kernel pops the front of
// a key's pending FIFO on resubmit, so two in-flight ops on the same key
// must rotate oldest first.
func (s *ClientSession) Reconnect(m *sharedmap.Map) error {
	s.mu.Lock()
	s.kernel = m
	ordered := make([]uint64, 0, len(s.inFlight))
	for seq := range s.inFlight {
		ordered = append(ordered, seq)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	resubmit := make([]inFlightOp, 0, len(ordered))
	for _, seq := range ordered {
		resubmit = append(resubmit, s.inFlight[seq])
		delete(s.inFlight, seq)
	}
	s.attached = true
	s.mu.Unlock()

	s.broker.Subscribe(s.id, s)

	for _, f := range resubmit {
		if _, err := m.TrySubmit(f.op, f.meta); err != nil {
			return fmt.Errorf("sequencer: resubmit on reconnect: %w", err)
		}
	}

	s.mu.Lock()
	live := s.liveEntriesLocked()
	s.mu.Unlock()
	if err := s.wal.Compact(live); err != nil {
		return fmt.Errorf("sequencer: compact stash log on reconnect: %w", err)
	}
	return nil
}

// Detach marks the session offline without discarding its in-flight ops:
// they remain stashed until the next Attach or Reconnect.
func (s *ClientSession) Detach() {
	s.mu.Lock()
	s.attached = false
	s.kernel = nil
	s.mu.Unlock()
	s.broker.Unsubscribe(s.id)
}

// RollbackAll unwinds every op this session still has in flight, tail
// first, per the kernel's LIFO rollback contract. Used when the transport
// decides a disconnected session's unsent work should be abandoned rather
// than stashed for later replay.
func (s *ClientSession) RollbackAll(m *sharedmap.Map) error {
	s.mu.Lock()
	ordered := make([]uint64, 0, len(s.inFlight))
	for seq := range s.inFlight {
		ordered = append(ordered, seq)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] > ordered[j] })
	s.mu.Unlock()

	for _, seq := range ordered {
		s.mu.Lock()
		f, ok := s.inFlight[seq]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := m.Rollback(f.op, f.meta); err != nil {
			return fmt.Errorf("sequencer: rollback client_seq=%d: %w", seq, err)
		}
		s.metrics.IncRollback()
		s.mu.Lock()
		delete(s.inFlight, seq)
		s.mu.Unlock()
	}
	return s.wal.Compact(nil)
}

// Submit implements sharedmap.Submitter. It persists op as stashed, assigns
// it a client sequence number, and publishes it to the broker for
// sequencing; delivery back to this kernel happens asynchronously via Pump.
func (s *ClientSession) Submit(op sharedmap.Op, meta sharedmap.LocalMetadata) {
	s.mu.Lock()
	seq := s.nextClientSeq
	s.nextClientSeq++
	s.inFlight[seq] = inFlightOp{op: op, meta: meta}
	s.mu.Unlock()

	if err := s.wal.Append(StashEntry{ClientSeq: seq, Op: op}); err != nil {
		s.log.Error("append stash entry", zap.Error(err))
	}
	s.broker.Publish(s.id, seq, op)
}

// IsAttached implements sharedmap.Submitter.
func (s *ClientSession) IsAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Deliver implements Subscriber: it queues msg for the next Pump rather
// than calling into the kernel immediately, since Deliver can be invoked
// from inside Submit (the publisher's own broadcast) and the kernel is not
// reentrant mid-call.
func (s *ClientSession) Deliver(msg sharedmap.SequencedMessage) {
	s.mu.Lock()
	s.inbox = append(s.inbox, msg)
	s.mu.Unlock()
}

// Pump drains every message queued since the last call and feeds it through
// the kernel's TryProcess, acknowledging and compacting the stash log for
// anything that turns out to be this session's own op coming back.
func (s *ClientSession) Pump() error {
	s.mu.Lock()
	inbox := s.inbox
	s.inbox = nil
	m := s.kernel
	s.mu.Unlock()

	if m == nil {
		return nil
	}

	for _, msg := range inbox {
		local := msg.ClientID == s.id
		var metaPtr *sharedmap.LocalMetadata

		if local {
			s.mu.Lock()
			f, ok := s.inFlight[msg.ClientSequenceNumber]
			s.mu.Unlock()
			if !ok {
				// Already acknowledged via an earlier dedup-replayed delivery.
				continue
			}
			meta := f.meta
			metaPtr = &meta
		}

		handled, err := m.TryProcess(msg, local, metaPtr)
		if err != nil {
			return fmt.Errorf("sequencer: process sequenced message: %w", err)
		}
		if !handled || !local {
			continue
		}

		s.metrics.IncAck()
		s.mu.Lock()
		delete(s.inFlight, msg.ClientSequenceNumber)
		live := s.liveEntriesLocked()
		s.mu.Unlock()
		if err := s.wal.Compact(live); err != nil {
			return fmt.Errorf("sequencer: compact stash log: %w", err)
		}
	}
	return nil
}

func (s *ClientSession) liveEntriesLocked() []StashEntry {
	out := make([]StashEntry, 0, len(s.inFlight))
	for seq, f := range s.inFlight {
		out = append(out, StashEntry{ClientSeq: seq, Op: f.op})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientSeq < out[j].ClientSeq })
	return out
}
