package sequencer

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/harrowgate/sharedmap/internal/sharedmap"
)

func newTestSession(t *testing.T, id string, broker *Broker) *ClientSession {
	t.Helper()
	walPath := filepath.Join(t.TempDir(), id+".wal")
	sess, err := NewClientSession(id, walPath, broker, zap.NewNop(), NewMetrics())
	if err != nil {
		t.Fatalf("NewClientSession(%s): %v", id, err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// TestSetIsAcknowledgedThroughPump exercises the full local round trip: Set
// submits through the session, the broker sequences it, and Pump delivers
// the ack back into the same kernel.
func TestSetIsAcknowledgedThroughPump(t *testing.T) {
	broker := NewBroker(zap.NewNop(), nil)
	sess := newTestSession(t, "alice", broker)

	m := sharedmap.New(sharedmap.WithSubmitter(sess))
	if err := sess.Attach(m); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := m.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := sess.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}

	v, ok := m.Get("k")
	if !ok || v != "v" {
		t.Fatalf("Get(k) = %v, %v; want v, true", v, ok)
	}

	sess.mu.Lock()
	inFlight := len(sess.inFlight)
	sess.mu.Unlock()
	if inFlight != 0 {
		t.Fatalf("in-flight count = %d after ack, want 0", inFlight)
	}
}

// TestBroadcastReachesOtherSession verifies that an op submitted by one
// session is delivered, via the broker, to a second session attached to a
// different kernel.
func TestBroadcastReachesOtherSession(t *testing.T) {
	broker := NewBroker(zap.NewNop(), nil)
	alice := newTestSession(t, "alice", broker)
	bob := newTestSession(t, "bob", broker)

	mAlice := sharedmap.New(sharedmap.WithSubmitter(alice))
	mBob := sharedmap.New(sharedmap.WithSubmitter(bob))
	if err := alice.Attach(mAlice); err != nil {
		t.Fatalf("Attach(alice): %v", err)
	}
	if err := bob.Attach(mBob); err != nil {
		t.Fatalf("Attach(bob): %v", err)
	}

	if err := mAlice.Set("shared", 42.0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := alice.Pump(); err != nil {
		t.Fatalf("alice.Pump: %v", err)
	}
	if err := bob.Pump(); err != nil {
		t.Fatalf("bob.Pump: %v", err)
	}

	v, ok := mBob.Get("shared")
	if !ok || v != 42.0 {
		t.Fatalf("bob Get(shared) = %v, %v; want 42, true", v, ok)
	}
}

// TestAttachReplaysStashedOpsAsLocal models a process restart: a session is
// opened against a WAL that already has an unacked op recorded, and Attach
// must apply it to the fresh kernel as a local edit before anything else
// happens.
func TestAttachReplaysStashedOpsAsLocal(t *testing.T) {
	broker := NewBroker(zap.NewNop(), nil)
	walPath := filepath.Join(t.TempDir(), "carol.wal")

	sess, err := NewClientSession("carol", walPath, broker, zap.NewNop(), NewMetrics())
	if err != nil {
		t.Fatalf("NewClientSession: %v", err)
	}
	value, _ := sharedmap.PassthroughSerializer{}.Encode("stashed-value")
	if err := sess.wal.Append(StashEntry{
		ClientSeq: 0,
		Op:        sharedmap.Op{Type: sharedmap.OpSet, Key: "recovered", Value: sharedmap.SerializedValue{Kind: sharedmap.KindPlain, Value: value}},
	}); err != nil {
		t.Fatalf("seed wal: %v", err)
	}
	_ = sess.Close()

	sess2, err := NewClientSession("carol", walPath, broker, zap.NewNop(), NewMetrics())
	if err != nil {
		t.Fatalf("reopen NewClientSession: %v", err)
	}
	t.Cleanup(func() { _ = sess2.Close() })

	m := sharedmap.New(sharedmap.WithSubmitter(sess2))
	if err := sess2.Attach(m); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	v, ok := m.Get("recovered")
	if !ok || v != "stashed-value" {
		t.Fatalf("Get(recovered) = %v, %v; want stashed-value, true", v, ok)
	}
}

// TestReconnectResubmitsInFlightOps models a transient disconnect on the
// same kernel instance: Detach, then Reconnect, must resubmit whatever was
// still unacknowledged and the ack must still land.
func TestReconnectResubmitsInFlightOps(t *testing.T) {
	broker := NewBroker(zap.NewNop(), nil)
	sess := newTestSession(t, "dan", broker)

	m := sharedmap.New(sharedmap.WithSubmitter(sess))
	if err := sess.Attach(m); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := m.Set("k", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// Simulate a disconnect before the ack was ever pumped.
	sess.Detach()

	if err := sess.Reconnect(m); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if err := sess.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}

	v, ok := m.Get("k")
	if !ok || v != "v1" {
		t.Fatalf("Get(k) = %v, %v; want v1, true", v, ok)
	}
}

// TestRollbackAllUndoesUnsentOp exercises the transport-initiated rollback
// path: a session that decides to abandon its in-flight work reverts the
// kernel to its pre-submit state and empties its stash.
func TestRollbackAllUndoesUnsentOp(t *testing.T) {
	broker := NewBroker(zap.NewNop(), nil)
	sess := newTestSession(t, "erin", broker)

	m := sharedmap.New(sharedmap.WithSubmitter(sess))
	if err := sess.Attach(m); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := m.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if m.Has("k") != true {
		t.Fatal("expected k to exist immediately after Set")
	}

	if err := sess.RollbackAll(m); err != nil {
		t.Fatalf("RollbackAll: %v", err)
	}
	if m.Has("k") {
		t.Fatal("expected k to be gone after rollback")
	}

	sess.mu.Lock()
	inFlight := len(sess.inFlight)
	sess.mu.Unlock()
	if inFlight != 0 {
		t.Fatalf("in-flight count = %d after rollback, want 0", inFlight)
	}
}

// TestDuplicateClientSeqIsDeduped asserts that publishing the same
// (clientID, clientSeq) pair twice does not mint a second sequence number,
// the scenario a spurious resubmit-without-a-new-id would hit.
func TestDuplicateClientSeqIsDeduped(t *testing.T) {
	broker := NewBroker(zap.NewNop(), nil)
	op := sharedmap.Op{Type: sharedmap.OpDelete, Key: "k"}

	first := broker.Publish("frank", 0, op)
	second := broker.Publish("frank", 0, op)

	if first.SequenceNumber != second.SequenceNumber {
		t.Fatalf("sequence numbers differ on duplicate publish: %d vs %d", first.SequenceNumber, second.SequenceNumber)
	}
}
