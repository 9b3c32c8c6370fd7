package sharedmap

import "fmt"

// OpType tags a wire operation. These are the three ops the kernel can
// submit and process; TrySubmit/TryProcess return handled=false for
// anything else, which is not an error.
type OpType string

const (
	OpSet    OpType = "set"
	OpDelete OpType = "delete"
	OpClear  OpType = "clear"
)

// Op is a wire operation, as submitted to or received from the transport.
// Key is empty for OpClear. Value is only meaningful for OpSet.
type Op struct {
	Type  OpType
	Key   string
	Value SerializedValue
}

// SequencedMessage is the envelope the sequencer wraps an op in once it has
// been given a total order.
type SequencedMessage struct {
	Contents             Op
	SequenceNumber       uint64
	ClientID             string
	ClientSequenceNumber uint64
}

// LocalMetaKind tags the shape of LocalMetadata carried alongside a
// submitted op.
type LocalMetaKind string

const (
	MetaClear LocalMetaKind = "clear"
	MetaAdd   LocalMetaKind = "add"
	MetaEdit  LocalMetaKind = "edit"
)

// LocalMetadata is the opaque-to-the-transport bookkeeping the kernel hands
// to Submit alongside an op, and expects back verbatim on ack, resubmit, and
// rollback.
type LocalMetadata struct {
	Kind LocalMetaKind
	ID   PendingID

	// PreviousValue is set for MetaEdit: the value the key held (for set) or
	// was about to lose (for delete) immediately before this op applied.
	PreviousValue *LocalValue

	// PreviousMap is set for MetaClear: a snapshot of the store immediately
	// before the clear, reinserted verbatim by rollback.
	PreviousMap *orderedStore
}

// Submitter is the transport collaborator the kernel requires. The
// kernel never talks to a network; it only ever calls Submit and checks
// IsAttached.
type Submitter interface {
	Submit(op Op, metadata LocalMetadata)
	IsAttached() bool
}

// noopSubmitter is used when a Map is constructed without a Submitter: ops
// apply locally but are never submitted, and IsAttached is always false.
type noopSubmitter struct{}

func (noopSubmitter) Submit(Op, LocalMetadata) {}
func (noopSubmitter) IsAttached() bool { return false }

// Entry is a (key, value) pair as returned by Entries().
type Entry struct {
	Key   string
	Value any
}

// Map is the map kernel. It holds the live key -> value store, decides
// when a remote op must be applied, ignored, or superseded by pending local
// edits, and supports rollback, resubmit, and stashed-op replay.
//
// A Map is not safe for concurrent use. It is meant to run on a single
// cooperative executor: all public methods run to completion without
// suspension, and the transport calls TryProcess/TrySubmit/Rollback/
// TryApplyStashed from that same executor.
type Map struct {
	store       *orderedStore
	pending     pendingTable
	attribution *attributionIndex // nil unless attribution tracking is enabled
	events      *eventSurface

	submitter  Submitter
	serializer Serializer
	handle     Handle

	failure error
}

// Option configures a Map at construction time.
type Option func(*Map)

// WithAttribution enables the attribution index.
func WithAttribution() Option {
	return func(m *Map) { m.attribution = newAttributionIndex() }
}

// WithSubmitter wires the transport collaborator. Without one, the Map
// behaves as permanently detached: edits apply locally and are never
// submitted.
func WithSubmitter(s Submitter) Option {
	return func(m *Map) { m.submitter = s }
}

// WithSerializer wires the collaborator that resolves Shared handles.
// Without one, PassthroughSerializer is used, which resolves no Shared
// value: it hands back the handle descriptor's plain JSON decoding.
func WithSerializer(s Serializer) Option {
	return func(m *Map) { m.serializer = s }
}

// WithHandle sets the identity passed to Serializer.Decode when resolving an
// inbound Shared value.
func WithHandle(h Handle) Option {
	return func(m *Map) { m.handle = h }
}

// New constructs an empty Map.
func New(opts ...Option) *Map {
	m := &Map{
		store:      newOrderedStore(),
		pending:    newPendingTable(),
		events:     newEventSurface(),
		submitter:  noopSubmitter{},
		serializer: PassthroughSerializer{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events exposes the subscription surface.
func (m *Map) Events() *eventSurface { return m.events }

func (m *Map) isAttached() bool {
	return m.submitter != nil && m.submitter.IsAttached()
}

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}

// Get returns the current value at key and whether it is present.
func (m *Map) Get(key string) (any, bool) {
	lv, ok := m.store.get(key)
	if !ok {
		return nil, false
	}
	return lv.Payload, true
}

// Has reports whether key is currently present.
func (m *Map) Has(key string) bool {
	return m.store.has(key)
}

// Keys returns a snapshot of keys in insertion order as of this call.
func (m *Map) Keys() []string {
	return m.store.orderedKeys()
}

// Values returns a snapshot of values in insertion order as of this call.
func (m *Map) Values() []any {
	entries := m.store.orderedEntries()
	out := make([]any, len(entries))
	for i, e := range entries {
		out[i] = e.value.Payload
	}
	return out
}

// Entries returns a snapshot of (key, value) pairs in insertion order.
func (m *Map) Entries() []Entry {
	entries := m.store.orderedEntries()
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Key: e.key, Value: e.value.Payload}
	}
	return out
}

// ForEach walks a snapshot of entries in insertion order, stopping early if
// fn returns false.
func (m *Map) ForEach(fn func(key string, value any) bool) {
	for _, e := range m.store.orderedEntries() {
		if !fn(e.key, e.value.Payload) {
			return
		}
	}
}

// GetAttribution returns the attribution entry for key, if attribution is
// enabled and the key has one.
func (m *Map) GetAttribution(key string) (Attribution, bool) {
	if m.attribution == nil {
		return Attribution{}, false
	}
	return m.attribution.get(key)
}

// GetAllAttribution returns a snapshot of the whole attribution index, or
// nil if attribution is not enabled.
func (m *Map) GetAllAttribution() map[string]Attribution {
	if m.attribution == nil {
		return nil
	}
	return m.attribution.all()
}

// Set inserts or overwrites key with value, applying it locally and, if
// attached, submitting a set op.
func (m *Map) Set(key string, value any) error {
	if err := m.checkAlive(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	lv := fromUser(value)
	prev, existed := m.store.get(key)
	m.store.set(key, lv)
	m.events.emitValueChanged(ValueChangedEvent{Key: key, PreviousValue: prevPtr(prev, existed)}, true)

	if !m.isAttached() {
		return nil
	}

	wire, err := m.toWire(lv)
	if err != nil {
		return err
	}

	id := m.pending.nextID()
	m.pending.pushKey(key, id)

	var meta LocalMetadata
	if existed {
		meta = LocalMetadata{Kind: MetaEdit, ID: id, PreviousValue: &prev}
	} else {
		meta = LocalMetadata{Kind: MetaAdd, ID: id}
	}
	m.submitter.Submit(Op{Type: OpSet, Key: key, Value: wire}, meta)
	return nil
}

// Delete removes key if present, applying it locally and, if attached,
// submitting a delete op. Returns whether the key existed.
func (m *Map) Delete(key string) (bool, error) {
	if err := m.checkAlive(); err != nil {
		return false, err
	}
	if err := validateKey(key); err != nil {
		return false, err
	}

	prev, existed := m.store.get(key)
	if !existed {
		return false, nil
	}
	m.store.delete(key)
	m.events.emitValueChanged(ValueChangedEvent{Key: key, PreviousValue: &prev}, true)

	if !m.isAttached() {
		return true, nil
	}

	id := m.pending.nextID()
	m.pending.pushKey(key, id)
	meta := LocalMetadata{Kind: MetaEdit, ID: id, PreviousValue: &prev}
	m.submitter.Submit(Op{Type: OpDelete, Key: key}, meta)
	return true, nil
}

// Clear empties the store, applying it locally and, if attached,
// submitting a clear op carrying a snapshot of the prior contents for
// rollback.
func (m *Map) Clear() error {
	if err := m.checkAlive(); err != nil {
		return err
	}

	previousMap := m.store.clone()
	m.store.clear()
	m.events.emitClear(true)

	if !m.isAttached() {
		return nil
	}

	id := m.pending.nextID()
	m.pending.pushClear(id)
	meta := LocalMetadata{Kind: MetaClear, ID: id, PreviousMap: previousMap}
	m.submitter.Submit(Op{Type: OpClear}, meta)
	return nil
}

// TrySubmit resubmits a previously submitted op after reconnection, rotating
// its pending id. It returns handled=false (no error) for an op type the
// kernel does not recognize.
func (m *Map) TrySubmit(op Op, meta LocalMetadata) (handled bool, err error) {
	if err := m.checkAlive(); err != nil {
		return false, err
	}
	switch op.Type {
	case OpSet, OpDelete:
		return true, m.resubmitKeyOp(op, meta)
	case OpClear:
		return true, m.resubmitClearOp(op, meta)
	default:
		return false, nil
	}
}

func (m *Map) resubmitKeyOp(op Op, meta LocalMetadata) error {
	if err := m.pending.popKeyFront(op.Key, meta.ID); err != nil {
		return m.fatal(err)
	}
	newID := m.pending.nextID()
	m.pending.pushKey(op.Key, newID)
	newMeta := meta
	newMeta.ID = newID
	m.submitter.Submit(op, newMeta)
	return nil
}

func (m *Map) resubmitClearOp(op Op, meta LocalMetadata) error {
	if err := m.pending.popClearFront(meta.ID); err != nil {
		return m.fatal(err)
	}
	newID := m.pending.nextID()
	m.pending.pushClear(newID)
	newMeta := meta
	newMeta.ID = newID
	m.submitter.Submit(op, newMeta)
	return nil
}

// TryApplyStashed replays a persisted op as if it were freshly issued
// locally: applies its effect, allocates a fresh pending id, and returns the
// metadata the transport should hold onto for this op going forward.
func (m *Map) TryApplyStashed(op Op) (LocalMetadata, error) {
	if err := m.checkAlive(); err != nil {
		return LocalMetadata{}, err
	}
	switch op.Type {
	case OpSet:
		lv, err := m.fromWire(op.Value)
		if err != nil {
			return LocalMetadata{}, ErrUnknownValueKind
		}
		prev, existed := m.store.get(op.Key)
		m.store.set(op.Key, lv)
		m.events.emitValueChanged(ValueChangedEvent{Key: op.Key, PreviousValue: prevPtr(prev, existed)}, true)

		id := m.pending.nextID()
		m.pending.pushKey(op.Key, id)
		if existed {
			return LocalMetadata{Kind: MetaEdit, ID: id, PreviousValue: &prev}, nil
		}
		return LocalMetadata{Kind: MetaAdd, ID: id}, nil

	case OpDelete:
		prev, _ := m.store.get(op.Key)
		m.store.delete(op.Key)
		m.events.emitValueChanged(ValueChangedEvent{Key: op.Key, PreviousValue: &prev}, true)

		id := m.pending.nextID()
		m.pending.pushKey(op.Key, id)
		return LocalMetadata{Kind: MetaEdit, ID: id, PreviousValue: &prev}, nil

	case OpClear:
		previousMap := m.store.clone()
		m.store.clear()
		m.events.emitClear(true)

		id := m.pending.nextID()
		m.pending.pushClear(id)
		return LocalMetadata{Kind: MetaClear, ID: id, PreviousMap: previousMap}, nil

	default:
		return LocalMetadata{}, ErrUnknownOpKind
	}
}

// TryProcess applies a sequenced message, or determines it must be dropped
// because this replica's own pending writes supersede it. local reports
// whether msg is the ack of one of our own submissions; meta must be the
// exact LocalMetadata this Map produced for that submission when local is
// true, and is ignored otherwise. Returns handled=false (no error) for an op
// type the kernel does not recognize.
func (m *Map) TryProcess(msg SequencedMessage, local bool, meta *LocalMetadata) (handled bool, err error) {
	if err := m.checkAlive(); err != nil {
		return false, err
	}
	switch msg.Contents.Type {
	case OpSet, OpDelete:
		return true, m.processKeyOp(msg, local, meta)
	case OpClear:
		return true, m.processClearOp(msg, local, meta)
	default:
		return false, nil
	}
}

func (m *Map) processKeyOp(msg SequencedMessage, local bool, meta *LocalMetadata) error {
	op := msg.Contents
	apply, err := m.needProcessKeyOperation(op.Key, local, msg, meta)
	if err != nil {
		return err
	}
	if !apply {
		return nil
	}
	switch op.Type {
	case OpSet:
		lv, err := m.fromWire(op.Value)
		if err != nil {
			return err
		}
		prev, existed := m.store.get(op.Key)
		m.store.set(op.Key, lv)
		if m.attribution != nil {
			m.attribution.set(op.Key, msg.SequenceNumber)
		}
		m.events.emitValueChanged(ValueChangedEvent{Key: op.Key, PreviousValue: prevPtr(prev, existed)}, false)
	case OpDelete:
		prev, existed := m.store.get(op.Key)
		if !existed {
			return nil
		}
		m.store.delete(op.Key)
		if m.attribution != nil {
			m.attribution.set(op.Key, msg.SequenceNumber)
		}
		m.events.emitValueChanged(ValueChangedEvent{Key: op.Key, PreviousValue: &prev}, false)
	}
	return nil
}

// needProcessKeyOperation decides whether an inbound set/delete must be
// applied, and along the way performs the pending-table bookkeeping
// (popping an acknowledged local id, updating attribution) that only has
// meaning on the "do not apply" paths.
func (m *Map) needProcessKeyOperation(key string, local bool, msg SequencedMessage, meta *LocalMetadata) (bool, error) {
	if m.pending.hasPendingClear() {
		firstClear, _ := m.pending.firstPendingClear()
		if local {
			if meta == nil {
				return false, m.fatal(fmt.Errorf("%w: local key ack with no metadata under pending clear", ErrInvariantViolation))
			}
			if !(meta.ID < firstClear) {
				return false, m.fatal(fmt.Errorf("%w: local key op id %v not before pending clear id %v", ErrInvariantViolation, meta.ID, firstClear))
			}
			// The ack still drains this op's pending id; otherwise the key
			// stays shielded from remote ops after the clear itself acks.
			if err := m.pending.popKeyFront(key, meta.ID); err != nil {
				return false, m.fatal(err)
			}
		}
		return false, nil
	}

	if ids := m.pending.pendingIDsFor(key); len(ids) > 0 {
		if local {
			if meta == nil {
				return false, m.fatal(fmt.Errorf("%w: local key ack with no metadata", ErrInvariantViolation))
			}
			if err := m.pending.popKeyFront(key, meta.ID); err != nil {
				return false, m.fatal(err)
			}
			if m.attribution != nil {
				m.attribution.set(key, msg.SequenceNumber)
			}
		}
		return false, nil
	}

	if local {
		return false, m.fatal(fmt.Errorf("%w: local key op with no pending id", ErrInvariantViolation))
	}
	return true, nil
}

func (m *Map) processClearOp(msg SequencedMessage, local bool, meta *LocalMetadata) error {
	if local {
		if meta == nil || meta.Kind != MetaClear {
			return m.fatal(fmt.Errorf("%w: local clear ack with mismatched metadata", ErrInvariantViolation))
		}
		if err := m.pending.popClearFront(meta.ID); err != nil {
			return m.fatal(err)
		}
		if m.attribution != nil {
			m.attribution.clear()
		}
		return nil
	}

	if m.pending.hasPendingKeys() {
		m.clearExceptPending()
		return nil
	}

	m.store.clear()
	if m.attribution != nil {
		m.attribution.clear()
	}
	m.events.emitClear(false)
	return nil
}

// clearExceptPending handles a remote clear arriving while local writes are
// still pending: snapshot the keys with pending local edits, empty the
// store, then reinsert that snapshot. Each reinsertion is an effective set
// and fires ValueChanged (local=true, since these are our own authored
// values); the clear itself is not observable as a ClearListener event.
func (m *Map) clearExceptPending() {
	keep := m.pending.pendingKeys()
	snapshot := m.store.entriesMatching(keep)
	m.store.clear()
	for _, e := range snapshot {
		m.store.set(e.key, e.value)
		m.events.emitValueChanged(ValueChangedEvent{Key: e.key, PreviousValue: nil}, true)
	}
}

// Rollback reverts the local effect of a single previously submitted op,
// using the metadata that op's submission returned, and removes its pending
// id. Any (op, meta) pairing other than clear/clear, set/add, or
// set-or-delete/edit is a usage error.
func (m *Map) Rollback(op Op, meta LocalMetadata) error {
	if err := m.checkAlive(); err != nil {
		return err
	}

	switch {
	case op.Type == OpClear && meta.Kind == MetaClear:
		if meta.PreviousMap == nil {
			return m.fatal(fmt.Errorf("%w: clear rollback without previous_map", ErrUsageError))
		}
		for _, e := range meta.PreviousMap.orderedEntries() {
			m.store.set(e.key, e.value)
			m.events.emitValueChanged(ValueChangedEvent{Key: e.key, PreviousValue: nil}, true)
		}
		if err := m.pending.popClearBack(meta.ID); err != nil {
			return m.fatal(err)
		}
		return nil

	case op.Type == OpSet && meta.Kind == MetaAdd:
		prev, existed := m.store.get(op.Key)
		m.store.delete(op.Key)
		if existed {
			m.events.emitValueChanged(ValueChangedEvent{Key: op.Key, PreviousValue: &prev}, true)
		}
		if err := m.pending.popKeyBack(op.Key, meta.ID); err != nil {
			return m.fatal(err)
		}
		return nil

	case (op.Type == OpSet || op.Type == OpDelete) && meta.Kind == MetaEdit:
		if meta.PreviousValue == nil {
			return m.fatal(fmt.Errorf("%w: edit rollback without previous_value", ErrUsageError))
		}
		m.store.set(op.Key, *meta.PreviousValue)
		m.events.emitValueChanged(ValueChangedEvent{Key: op.Key, PreviousValue: nil}, true)
		if err := m.pending.popKeyBack(op.Key, meta.ID); err != nil {
			return m.fatal(err)
		}
		return nil

	default:
		return m.fatal(fmt.Errorf("%w: rollback of %s op with %s metadata", ErrUsageError, op.Type, meta.Kind))
	}
}

func prevPtr(prev LocalValue, existed bool) *LocalValue {
	if !existed {
		return nil
	}
	return &prev
}
