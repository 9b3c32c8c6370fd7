package sharedmap

import "testing"

// recordingSubmitter is a minimal Submitter used by the kernel tests: it
// just remembers every (op, metadata) pair handed to it, playing the role
// of the transport in scenarios that don't need a real sequencer.
type recordingSubmitter struct {
	attached bool
	calls    []submitCall
}

type submitCall struct {
	op   Op
	meta LocalMetadata
}

func (s *recordingSubmitter) Submit(op Op, meta LocalMetadata) {
	s.calls = append(s.calls, submitCall{op: op, meta: meta})
}

func (s *recordingSubmitter) IsAttached() bool { return s.attached }

func (s *recordingSubmitter) last() submitCall {
	return s.calls[len(s.calls)-1]
}

func newAttachedMap(opts ...Option) (*Map, *recordingSubmitter) {
	sub := &recordingSubmitter{attached: true}
	full := append([]Option{WithSubmitter(sub)}, opts...)
	return New(full...), sub
}

func mustValue(t *testing.T, v any) SerializedValue {
	t.Helper()
	lv := fromUser(v)
	sv, err := (&Map{serializer: PassthroughSerializer{}}).toWire(lv)
	if err != nil {
		t.Fatalf("encode %v: %v", v, err)
	}
	return sv
}

// ack builds a SequencedMessage acknowledging op at sequence seq and feeds
// it back into m as a local ack, returning any error TryProcess reports.
func ack(t *testing.T, m *Map, op Op, meta LocalMetadata, seq uint64) error {
	t.Helper()
	msg := SequencedMessage{Contents: op, SequenceNumber: seq, ClientID: "self", ClientSequenceNumber: seq}
	handled, err := m.TryProcess(msg, true, &meta)
	if !handled {
		t.Fatalf("TryProcess(local ack) not handled for op %+v", op)
	}
	return err
}

func remote(t *testing.T, m *Map, op Op, seq uint64) error {
	t.Helper()
	msg := SequencedMessage{Contents: op, SequenceNumber: seq, ClientID: "peer", ClientSequenceNumber: seq}
	handled, err := m.TryProcess(msg, false, nil)
	if !handled {
		t.Fatalf("TryProcess(remote) not handled for op %+v", op)
	}
	return err
}

// Scenario 1: back-pressure on remote set.
func TestBackPressureOnRemoteSet(t *testing.T) {
	m, sub := newAttachedMap()

	if err := m.Set("x", 1); err != nil {
		t.Fatalf("Set: %v", err)
	}
	submitted := sub.last()

	if err := remote(t, m, Op{Type: OpSet, Key: "x", Value: mustValue(t, 2)}, 1); err != nil {
		t.Fatalf("remote set: %v", err)
	}
	if v, _ := m.Get("x"); v != 1 {
		t.Fatalf("Get(x) = %v, want 1 (remote must not overwrite pending local write)", v)
	}

	if err := ack(t, m, submitted.op, submitted.meta, 2); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if v, _ := m.Get("x"); v != 1 {
		t.Fatalf("Get(x) after ack = %v, want 1", v)
	}
	if ids := m.pending.pendingIDsFor("x"); len(ids) != 0 {
		t.Fatalf("pending ids for x after ack = %v, want none", ids)
	}
}

// Scenario 2: clear shields remote deltas.
func TestClearShieldsRemoteDeltas(t *testing.T) {
	m, sub := newAttachedMap()

	if err := m.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	submitted := sub.last()

	if err := remote(t, m, Op{Type: OpSet, Key: "y", Value: mustValue(t, 9)}, 1); err != nil {
		t.Fatalf("remote set: %v", err)
	}
	if m.Has("y") {
		t.Fatal("remote set during pending clear must not apply")
	}

	if err := ack(t, m, submitted.op, submitted.meta, 2); err != nil {
		t.Fatalf("ack clear: %v", err)
	}
	if len(m.Keys()) != 0 {
		t.Fatalf("Keys() after clear ack = %v, want empty", m.Keys())
	}
}

// Scenario 3: clear-except-pending.
func TestClearExceptPending(t *testing.T) {
	m, sub := newAttachedMap()

	if err := m.Set("a", 1); err != nil {
		t.Fatalf("Set(a): %v", err)
	}
	aSubmit := sub.last()
	if err := ack(t, m, aSubmit.op, aSubmit.meta, 1); err != nil {
		t.Fatalf("ack a: %v", err)
	}

	if err := m.Set("b", 2); err != nil {
		t.Fatalf("Set(b): %v", err)
	}

	var sawClear bool
	unsub := m.Events().OnClear(func(local bool) { sawClear = true })
	defer unsub()

	if err := remote(t, m, Op{Type: OpClear}, 2); err != nil {
		t.Fatalf("remote clear: %v", err)
	}

	keys := m.Keys()
	if len(keys) != 1 || keys[0] != "b" {
		t.Fatalf("Keys() after clear-except-pending = %v, want [b]", keys)
	}
	v, ok := m.Get("b")
	if !ok || v != 2 {
		t.Fatalf("Get(b) = %v, %v; want 2, true", v, ok)
	}
	if sawClear {
		t.Fatal("clear-except-pending must not emit a ClearListener event")
	}
}

// Scenario 4: rollback of a set that added a brand new key.
func TestRollbackSetAdd(t *testing.T) {
	m, sub := newAttachedMap()

	if err := m.Set("k", 7); err != nil {
		t.Fatalf("Set: %v", err)
	}
	submitted := sub.last()
	if submitted.meta.Kind != MetaAdd {
		t.Fatalf("metadata kind = %v, want add", submitted.meta.Kind)
	}
	if submitted.meta.ID != 0 {
		t.Fatalf("first pending id = %v, want 0", submitted.meta.ID)
	}

	if err := m.Rollback(submitted.op, submitted.meta); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if m.Has("k") {
		t.Fatal("Rollback of add must remove the key")
	}
	if ids := m.pending.pendingIDsFor("k"); len(ids) != 0 {
		t.Fatalf("pending ids for k after rollback = %v, want none", ids)
	}

	// ids do not un-issue: the next id continues from where the counter left off.
	if err := m.Set("k2", 1); err != nil {
		t.Fatalf("Set(k2): %v", err)
	}
	if got := sub.last().meta.ID; got != 1 {
		t.Fatalf("next pending id = %v, want 1", got)
	}
}

// Scenario 5: rollback of a set that edited an existing, already-acked key.
func TestRollbackSetEdit(t *testing.T) {
	m, sub := newAttachedMap()

	if err := m.Set("k", 1); err != nil {
		t.Fatalf("Set(k, 1): %v", err)
	}
	first := sub.last()
	if err := ack(t, m, first.op, first.meta, 1); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if err := m.Set("k", 2); err != nil {
		t.Fatalf("Set(k, 2): %v", err)
	}
	edit := sub.last()
	if edit.meta.Kind != MetaEdit {
		t.Fatalf("metadata kind = %v, want edit", edit.meta.Kind)
	}
	if edit.meta.PreviousValue == nil || edit.meta.PreviousValue.Payload != 1 {
		t.Fatalf("PreviousValue = %+v, want payload 1", edit.meta.PreviousValue)
	}

	if err := m.Rollback(edit.op, edit.meta); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if v, _ := m.Get("k"); v != 1 {
		t.Fatalf("Get(k) after rollback = %v, want 1", v)
	}
}

// Scenario 6: resubmit on reconnect rotates the pending id.
func TestResubmitOnReconnect(t *testing.T) {
	m, sub := newAttachedMap()

	if err := m.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	original := sub.last()
	if original.meta.ID != 0 {
		t.Fatalf("initial id = %v, want 0", original.meta.ID)
	}

	handled, err := m.TrySubmit(original.op, original.meta)
	if !handled || err != nil {
		t.Fatalf("TrySubmit: handled=%v err=%v", handled, err)
	}

	resubmitted := sub.last()
	if resubmitted.meta.ID != 1 {
		t.Fatalf("resubmitted id = %v, want 1", resubmitted.meta.ID)
	}
	if resubmitted.meta.PreviousValue != original.meta.PreviousValue {
		t.Fatalf("resubmit must carry forward the same PreviousValue pointer")
	}
	if ids := m.pending.pendingIDsFor("k"); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("pending ids for k = %v, want [1]", ids)
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	m := New()
	if err := m.Set("", 1); err != ErrInvalidKey {
		t.Fatalf("Set(\"\", 1) error = %v, want ErrInvalidKey", err)
	}
	if m.Has("") {
		t.Fatal("Set with invalid key must not mutate the store")
	}
	if _, err := m.Delete(""); err != ErrInvalidKey {
		t.Fatalf("Delete(\"\") error = %v, want ErrInvalidKey", err)
	}
}

// A set issued before a local clear still drains its pending id when its ack
// arrives during the clear's pending window; otherwise the key would stay
// shielded from remote ops after the clear itself acks.
func TestKeyAckUnderPendingClearDrainsPendingID(t *testing.T) {
	m, sub := newAttachedMap()

	if err := m.Set("x", 1); err != nil {
		t.Fatalf("Set: %v", err)
	}
	setSubmit := sub.last()
	if err := m.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	clearSubmit := sub.last()

	if err := ack(t, m, setSubmit.op, setSubmit.meta, 1); err != nil {
		t.Fatalf("ack set: %v", err)
	}
	if ids := m.pending.pendingIDsFor("x"); len(ids) != 0 {
		t.Fatalf("pending ids for x after ack under pending clear = %v, want none", ids)
	}

	if err := ack(t, m, clearSubmit.op, clearSubmit.meta, 2); err != nil {
		t.Fatalf("ack clear: %v", err)
	}

	// With all pending state drained, a remote set on x must now apply.
	if err := remote(t, m, Op{Type: OpSet, Key: "x", Value: mustValue(t, 5)}, 3); err != nil {
		t.Fatalf("remote set: %v", err)
	}
	if v, ok := m.Get("x"); !ok || v != 5.0 {
		t.Fatalf("Get(x) = %v, %v; want 5, true", v, ok)
	}
}

func TestDeleteReturnsPriorExistence(t *testing.T) {
	m := New()
	existed, err := m.Delete("missing")
	if err != nil || existed {
		t.Fatalf("Delete(missing) = %v, %v; want false, nil", existed, err)
	}

	_ = m.Set("present", 1)
	existed, err = m.Delete("present")
	if err != nil || !existed {
		t.Fatalf("Delete(present) = %v, %v; want true, nil", existed, err)
	}
}

func TestOrderPreservedAcrossOverwriteAndReinsert(t *testing.T) {
	m := New()
	_ = m.Set("a", 1)
	_ = m.Set("b", 2)
	_ = m.Set("a", 3) // overwrite must not move "a"
	if got := m.Keys(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Keys() after overwrite = %v, want [a b]", got)
	}

	_, _ = m.Delete("a")
	_ = m.Set("a", 4) // reinsert goes to the end
	if got := m.Keys(); len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Fatalf("Keys() after delete+reinsert = %v, want [b a]", got)
	}
}

func TestPendingIDMismatchIsFatal(t *testing.T) {
	m, sub := newAttachedMap()
	_ = m.Set("k", 1)
	submitted := sub.last()

	bogus := submitted.meta
	bogus.ID = submitted.meta.ID + 99

	msg := SequencedMessage{Contents: submitted.op, SequenceNumber: 1}
	_, err := m.TryProcess(msg, true, &bogus)
	if err == nil {
		t.Fatal("TryProcess with mismatched pending id: want error, got nil")
	}
	var fe *FatalError
	if !asFatal(err, &fe) {
		t.Fatalf("error = %v, want *FatalError", err)
	}

	// The kernel is now unusable: even an unrelated call surfaces the same error.
	if err := m.Set("other", 1); err == nil {
		t.Fatal("Set after a fatal invariant violation: want error, got nil")
	}
}

func asFatal(err error, target **FatalError) bool {
	fe, ok := err.(*FatalError)
	if ok {
		*target = fe
	}
	return ok
}

func TestUnsupportedOpIsNotAnError(t *testing.T) {
	m := New()
	handled, err := m.TryProcess(SequencedMessage{Contents: Op{Type: "rename"}}, false, nil)
	if handled || err != nil {
		t.Fatalf("TryProcess(unknown op) = %v, %v; want false, nil", handled, err)
	}
}

func TestApplyStashedReplaysAsLocal(t *testing.T) {
	m, sub := newAttachedMap()

	op := Op{Type: OpSet, Key: "stashed", Value: mustValue(t, "v")}
	meta, err := m.TryApplyStashed(op)
	if err != nil {
		t.Fatalf("TryApplyStashed: %v", err)
	}
	if meta.Kind != MetaAdd {
		t.Fatalf("metadata kind = %v, want add", meta.Kind)
	}
	if v, ok := m.Get("stashed"); !ok || v != "v" {
		t.Fatalf("Get(stashed) = %v, %v; want v, true", v, ok)
	}
	if len(sub.calls) != 0 {
		t.Fatal("TryApplyStashed must not itself call Submit; the caller resubmits separately")
	}
	if ids := m.pending.pendingIDsFor("stashed"); len(ids) != 1 {
		t.Fatalf("pending ids for stashed = %v, want one entry", ids)
	}
}
