package sharedmap

import "sort"

// RangeEntry is one interval of a RangeMap: [Start, Start+Length) all
// mapping to Value.
type RangeEntry struct {
	Start  int64
	Length int64
	Value  any
}

func (e RangeEntry) end() int64 { return e.Start + e.Length }

// RangeMap is a sorted list of non-overlapping (start, length, value)
// intervals over non-negative integer keys, used elsewhere in the system as
// an auxiliary index (e.g. to track which byte/character ranges of a
// sequence carry which attribution or annotation).
//
// Invariants held after every call: entries are sorted by Start, no entry is
// empty (Length >= 1), and entries[i].end() <= entries[i+1].Start.
type RangeMap struct {
	entries []RangeEntry
}

// NewRangeMap returns an empty range map.
func NewRangeMap() *RangeMap {
	return &RangeMap{}
}

// searchIndex returns the index of the first entry whose end is strictly
// greater than pos, i.e. the first entry that could possibly contain or
// follow pos.
func (r *RangeMap) searchIndex(pos int64) int {
	return sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].end() > pos
	})
}

// GetFromRange returns the value covering start (nil if start falls in a
// gap) and the length of the uniform-value prefix of [start, start+length),
// which never exceeds length and stops at the first boundary.
func (r *RangeMap) GetFromRange(start, length int64) (value any, outLength int64) {
	if length <= 0 {
		return nil, 0
	}
	idx := r.searchIndex(start)
	if idx >= len(r.entries) || r.entries[idx].Start > start {
		// start is in a gap (or past the last entry): uniform "nothing" up
		// to the next entry's start, or to the end of the query.
		queryEnd := start + length
		if idx < len(r.entries) && r.entries[idx].Start < queryEnd {
			return nil, r.entries[idx].Start - start
		}
		return nil, length
	}

	e := r.entries[idx]
	remaining := e.end() - start
	if remaining >= length {
		return e.Value, length
	}
	return e.Value, remaining
}

// GetFirstEntryFromRange returns the first entry intersecting the half-open
// range [start, start+length), if any.
func (r *RangeMap) GetFirstEntryFromRange(start, length int64) (RangeEntry, bool) {
	if length <= 0 {
		return RangeEntry{}, false
	}
	idx := r.searchIndex(start)
	if idx >= len(r.entries) {
		return RangeEntry{}, false
	}
	e := r.entries[idx]
	if e.Start >= start+length {
		return RangeEntry{}, false
	}
	return e, true
}

// SetInRange assigns value to every key in [start, start+length). A nil
// value is equivalent to DeleteFromRange. Otherwise, the whole overlapping
// region is cleared first (trimming or splitting the entries at its edges,
// exactly as DeleteFromRange would) and a single new entry is inserted in
// its place, which is what produces a three-way split when the new range
// falls strictly inside one existing entry.
func (r *RangeMap) SetInRange(start, length int64, value any) {
	if length <= 0 {
		return
	}
	if value == nil {
		r.DeleteFromRange(start, length)
		return
	}
	r.DeleteFromRange(start, length)
	r.insert(RangeEntry{Start: start, Length: length, Value: value})
}

// DeleteFromRange removes every key in [start, start+length) from the map,
// trimming or splitting entries at the edges of the deleted region.
func (r *RangeMap) DeleteFromRange(start, length int64) {
	if length <= 0 {
		return
	}
	qEnd := start + length

	out := make([]RangeEntry, 0, len(r.entries))
	for _, e := range r.entries {
		eEnd := e.end()
		switch {
		case eEnd <= start || e.Start >= qEnd:
			// No overlap at all: keep as-is.
			out = append(out, e)

		case e.Start >= start && eEnd <= qEnd:
			// Fully covered by the deletion: drop it.

		case e.Start < start && eEnd > qEnd:
			// The deletion is strictly interior: split into prefix + suffix.
			out = append(out, RangeEntry{Start: e.Start, Length: start - e.Start, Value: e.Value})
			out = append(out, RangeEntry{Start: qEnd, Length: eEnd - qEnd, Value: e.Value})

		case e.Start < start:
			// Overlaps only the tail of e: trim e's right edge.
			out = append(out, RangeEntry{Start: e.Start, Length: start - e.Start, Value: e.Value})

		default:
			// Overlaps only the head of e: trim e's left edge.
			out = append(out, RangeEntry{Start: qEnd, Length: eEnd - qEnd, Value: e.Value})
		}
	}
	r.entries = out
}

// insert places e into the sorted entry slice. Callers are responsible for
// having already cleared e's range via DeleteFromRange, so no overlap check
// is needed here.
func (r *RangeMap) insert(e RangeEntry) {
	idx := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].Start >= e.Start
	})
	r.entries = append(r.entries, RangeEntry{})
	copy(r.entries[idx+1:], r.entries[idx:])
	r.entries[idx] = e
}

// Entries returns a snapshot of the map's entries, sorted by Start.
func (r *RangeMap) Entries() []RangeEntry {
	out := make([]RangeEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
