package sharedmap

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// snapshotEntry is one (key, wire entry) pair of a Snapshot, kept in the
// order it was produced or read.
type snapshotEntry struct {
	Key   string
	Entry wireEntry
}

// wireEntry is a single stored value as it appears in a snapshot: its kind,
// payload, and optional attribution.
type wireEntry struct {
	Type        ValueKind        `json:"type"`
	Value       json.RawMessage  `json:"value"`
	Attribution *wireAttribution `json:"attribution,omitempty"`
}

// wireAttribution is the snapshot encoding of an attribution entry. The "op"
// tag is part of the accepted schema; seq is the only field consumed on the
// way back in.
type wireAttribution struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
}

// Snapshot is the flat, order-preserving snapshot schema produced by
// Serialize and consumed by Populate. encoding/json's map marshaling sorts
// keys, which would break the insertion-order guarantee; Snapshot instead
// marshals and unmarshals its entries by hand, in the order they were
// appended/read.
type Snapshot struct {
	entries []snapshotEntry
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range s.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(e.Entry)
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("sharedmap: expected JSON object, got %v", tok)
	}
	var entries []snapshotEntry
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("sharedmap: expected string key, got %v", keyTok)
		}
		var entry wireEntry
		if err := dec.Decode(&entry); err != nil {
			return err
		}
		entries = append(entries, snapshotEntry{Key: key, Entry: entry})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	s.entries = entries
	return nil
}

// directorySnapshot is the nested, directory-compatible schema: only
// Storage is consumed here; Subdirectories and Ci are accepted and ignored
// at this layer.
type directorySnapshot struct {
	Storage        Snapshot        `json:"storage"`
	Subdirectories json.RawMessage `json:"subdirectories,omitempty"`
	Ci             json.RawMessage `json:"ci,omitempty"`
}

// directoryTopLevelKeys are the only keys a nested snapshot is allowed to
// carry; a payload using any other top-level key is treated as the flat
// schema instead, even if it happens to also have a key named "storage" (an
// application-level key named "storage" is free to exist under the flat
// schema as long as it doesn't also look like a nested payload on every
// other key).
var directoryTopLevelKeys = map[string]bool{
	"storage":        true,
	"subdirectories": true,
	"ci":             true,
}

// Serialize emits the current store as a flat, order-preserving snapshot:
// each key maps to {type, value[, attribution]}, attribution present only
// if enabled and set for that key.
func (m *Map) Serialize() (Snapshot, error) {
	entries := m.store.orderedEntries()
	out := make([]snapshotEntry, 0, len(entries))
	for _, e := range entries {
		wire, err := m.toSnapshot(e.value)
		if err != nil {
			return Snapshot{}, err
		}
		we := wireEntry{Type: wire.Kind, Value: wire.Value}
		if m.attribution != nil {
			if a, ok := m.attribution.get(e.key); ok {
				we.Attribution = &wireAttribution{Type: "op", Seq: a.Seq}
			}
		}
		out = append(out, snapshotEntry{Key: e.key, Entry: we})
	}
	return Snapshot{entries: out}, nil
}

// Populate replaces the store from a snapshot produced by Serialize, or
// from the nested directory-compatible schema. Decoding happens fully
// before any mutation: a decode failure leaves the Map unchanged.
func (m *Map) Populate(raw json.RawMessage) error {
	flat, err := normalizeSnapshot(raw)
	if err != nil {
		return err
	}

	newStore := newOrderedStore()
	var newAttribution *attributionIndex
	if m.attribution != nil {
		newAttribution = newAttributionIndex()
	}

	for _, e := range flat.entries {
		lv, err := m.fromWire(SerializedValue{Kind: e.Entry.Type, Value: e.Entry.Value})
		if err != nil {
			return ErrUnknownValueKind
		}
		newStore.set(e.Key, lv)
		if newAttribution != nil && e.Entry.Attribution != nil {
			newAttribution.set(e.Key, e.Entry.Attribution.Seq)
		}
	}

	m.store = newStore
	if m.attribution != nil {
		m.attribution = newAttribution
	}
	return nil
}

// normalizeSnapshot lifts either accepted input schema into the canonical
// flat Snapshot.
func normalizeSnapshot(raw json.RawMessage) (Snapshot, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Snapshot{}, err
	}

	looksNested := false
	for k := range probe {
		if directoryTopLevelKeys[k] {
			looksNested = true
		} else {
			looksNested = false
			break
		}
	}
	if _, hasStorage := probe["storage"]; !looksNested || !hasStorage {
		var flat Snapshot
		if err := json.Unmarshal(raw, &flat); err != nil {
			return Snapshot{}, err
		}
		return flat, nil
	}

	var dir directorySnapshot
	if err := json.Unmarshal(raw, &dir); err != nil {
		return Snapshot{}, err
	}
	return dir.Storage, nil
}
