package sharedmap

import "fmt"

// PendingID identifies a locally submitted, not-yet-acknowledged op. IDs are
// issued by a single monotonic counter per Map instance and are unique within
// that instance; they never un-issue (rollback removes the pending-table
// entry, not the id's place in the sequence).
type PendingID int64

// pendingTable tracks per-key FIFOs of pending set/delete ids, plus a FIFO
// of pending clear ids, backed by a single monotonic counter.
//
// Invariant: every issued id lives in exactly one place, a key's list or
// the clear list, until it is popped.
type pendingTable struct {
	counter int64 // last issued id; starts at -1 so the first id is 0.
	byKey   map[string][]PendingID
	clears  []PendingID
}

func newPendingTable() pendingTable {
	return pendingTable{
		counter: -1,
		byKey:   make(map[string][]PendingID),
	}
}

func (p *pendingTable) nextID() PendingID {
	p.counter++
	return PendingID(p.counter)
}

func (p *pendingTable) pushKey(key string, id PendingID) {
	p.byKey[key] = append(p.byKey[key], id)
}

// popKeyFront removes the oldest pending id for key and asserts it matches
// expected. A mismatch is a protocol bug: acks must arrive in submission
// order for a given key.
func (p *pendingTable) popKeyFront(key string, expected PendingID) error {
	ids := p.byKey[key]
	if len(ids) == 0 || ids[0] != expected {
		return fmt.Errorf("%w: key %q front pending id = %v, want %v", ErrInvariantViolation, key, frontOrNil(ids), expected)
	}
	p.setKeyIDs(key, ids[1:])
	return nil
}

// popKeyBack removes the newest pending id for key (the tail), used by
// rollback: a local op is always rolled back in the reverse order it was
// submitted, so it is always the tail of the FIFO that unwinds first.
func (p *pendingTable) popKeyBack(key string, expected PendingID) error {
	ids := p.byKey[key]
	if len(ids) == 0 || ids[len(ids)-1] != expected {
		return fmt.Errorf("%w: key %q back pending id = %v, want %v", ErrInvariantViolation, key, backOrNil(ids), expected)
	}
	p.setKeyIDs(key, ids[:len(ids)-1])
	return nil
}

func (p *pendingTable) setKeyIDs(key string, ids []PendingID) {
	if len(ids) == 0 {
		delete(p.byKey, key)
		return
	}
	p.byKey[key] = ids
}

func (p *pendingTable) pushClear(id PendingID) {
	p.clears = append(p.clears, id)
}

func (p *pendingTable) popClearFront(expected PendingID) error {
	if len(p.clears) == 0 || p.clears[0] != expected {
		return fmt.Errorf("%w: clear front pending id = %v, want %v", ErrInvariantViolation, frontOrNil(p.clears), expected)
	}
	p.clears = p.clears[1:]
	return nil
}

func (p *pendingTable) popClearBack(expected PendingID) error {
	if len(p.clears) == 0 || p.clears[len(p.clears)-1] != expected {
		return fmt.Errorf("%w: clear back pending id = %v, want %v", ErrInvariantViolation, backOrNil(p.clears), expected)
	}
	p.clears = p.clears[:len(p.clears)-1]
	return nil
}

func (p *pendingTable) hasPendingClear() bool {
	return len(p.clears) > 0
}

func (p *pendingTable) firstPendingClear() (PendingID, bool) {
	if len(p.clears) == 0 {
		return 0, false
	}
	return p.clears[0], true
}

func (p *pendingTable) pendingIDsFor(key string) []PendingID {
	return p.byKey[key]
}

func (p *pendingTable) hasPendingKeys() bool {
	return len(p.byKey) > 0
}

// pendingKeys returns the set of keys with at least one pending id, in no
// particular order; callers that need store order intersect this against the
// store's iteration order.
func (p *pendingTable) pendingKeys() map[string]bool {
	out := make(map[string]bool, len(p.byKey))
	for k := range p.byKey {
		out[k] = true
	}
	return out
}

func frontOrNil(ids []PendingID) any {
	if len(ids) == 0 {
		return nil
	}
	return ids[0]
}

func backOrNil(ids []PendingID) any {
	if len(ids) == 0 {
		return nil
	}
	return ids[len(ids)-1]
}
