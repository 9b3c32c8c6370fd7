package sharedmap

import (
	"encoding/json"
)

// ValueKind tags a stored value as a plain JSON-round-trippable payload or a
// handle to another replicated object that the host's serializer resolves.
type ValueKind string

const (
	KindPlain  ValueKind = "Plain"
	KindShared ValueKind = "Shared"
)

// SerializedValue is the wire/snapshot shape of a value: a kind tag plus its
// raw JSON payload (a handle descriptor, for Shared).
type SerializedValue struct {
	Kind  ValueKind       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// LocalValue is the internal stored form every value is wrapped into before
// it reaches the store.
type LocalValue struct {
	Kind    ValueKind
	Payload any // Plain: arbitrary JSON-able value. Shared: a *HandleRef if set locally, else what Serializer.Decode returned.
}

// HandleRef is the handle descriptor carried by a Shared value before it is
// resolved through the Serializer.
type HandleRef struct {
	URL string `json:"url"`
}

// Handle is the identity a Serializer uses to resolve an inbound handle
// against the hosting object.
type Handle interface {
	AbsolutePath() string
}

// Serializer is the collaborator that round-trips payloads containing
// handles. The kernel never constructs one; it is supplied by the host.
type Serializer interface {
	Encode(v any) (json.RawMessage, error)
	Decode(raw json.RawMessage, handle Handle) (any, error)
}

// PassthroughSerializer is the default Serializer for hosts that never embed
// shared handles: Encode/Decode round-trip plain JSON values only. Decode
// ignores the handle and does not resolve anything: a Shared value's handle
// descriptor comes back as its plain JSON decoding (e.g. a map with "url").
type PassthroughSerializer struct{}

func (PassthroughSerializer) Encode(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

func (PassthroughSerializer) Decode(raw json.RawMessage, _ Handle) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// fromUser wraps a value the caller passed to Set. A *HandleRef is recognized
// as a shared reference; anything else is treated as plain.
func fromUser(v any) LocalValue {
	if ref, ok := v.(*HandleRef); ok {
		return LocalValue{Kind: KindShared, Payload: ref}
	}
	if ref, ok := v.(HandleRef); ok {
		return LocalValue{Kind: KindShared, Payload: &ref}
	}
	return LocalValue{Kind: KindPlain, Payload: v}
}

// fromWire decodes an inbound SerializedValue into a LocalValue. An
// unrecognized kind is a hard error: the message is malformed.
func (m *Map) fromWire(w SerializedValue) (LocalValue, error) {
	switch w.Kind {
	case KindPlain:
		var v any
		if len(w.Value) > 0 {
			if err := json.Unmarshal(w.Value, &v); err != nil {
				return LocalValue{}, err
			}
		}
		return LocalValue{Kind: KindPlain, Payload: v}, nil
	case KindShared:
		resolved, err := m.serializer.Decode(w.Value, m.handle)
		if err != nil {
			return LocalValue{}, err
		}
		return LocalValue{Kind: KindShared, Payload: resolved}, nil
	default:
		return LocalValue{}, ErrUnknownValueKind
	}
}

// toWire encodes a LocalValue for transmission over the wire.
func (m *Map) toWire(lv LocalValue) (SerializedValue, error) {
	return m.encode(lv)
}

// toSnapshot encodes a LocalValue for the serialize() snapshot. Plain and
// Shared values use the same encoding on the wire and in a snapshot; only the
// collaborator that decodes the result differs (populate vs. process).
func (m *Map) toSnapshot(lv LocalValue) (SerializedValue, error) {
	return m.encode(lv)
}

func (m *Map) encode(lv LocalValue) (SerializedValue, error) {
	switch lv.Kind {
	case KindPlain:
		raw, err := json.Marshal(lv.Payload)
		if err != nil {
			return SerializedValue{}, err
		}
		return SerializedValue{Kind: KindPlain, Value: raw}, nil
	case KindShared:
		raw, err := m.serializer.Encode(lv.Payload)
		if err != nil {
			return SerializedValue{}, err
		}
		return SerializedValue{Kind: KindShared, Value: raw}, nil
	default:
		return SerializedValue{}, ErrUnknownValueKind
	}
}
