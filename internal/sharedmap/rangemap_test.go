package sharedmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRangeMapSplitScenario walks a set-split-delete sequence through every
// splitting case a single entry can hit.
func TestRangeMapSplitScenario(t *testing.T) {
	r := NewRangeMap()
	assert.Empty(t, r.Entries())

	r.SetInRange(10, 5, "A")
	assert.Equal(t, []RangeEntry{{Start: 10, Length: 5, Value: "A"}}, r.Entries())

	r.SetInRange(12, 1, "B")
	assert.Equal(t, []RangeEntry{
		{Start: 10, Length: 2, Value: "A"},
		{Start: 12, Length: 1, Value: "B"},
		{Start: 13, Length: 2, Value: "A"},
	}, r.Entries())

	r.DeleteFromRange(11, 2)
	assert.Equal(t, []RangeEntry{
		{Start: 10, Length: 1, Value: "A"},
		{Start: 13, Length: 2, Value: "A"},
	}, r.Entries())
}

func TestRangeMapSetNilDeletes(t *testing.T) {
	r := NewRangeMap()
	r.SetInRange(0, 10, "A")
	r.SetInRange(3, 4, nil)
	assert.Equal(t, []RangeEntry{
		{Start: 0, Length: 3, Value: "A"},
		{Start: 7, Length: 3, Value: "A"},
	}, r.Entries())
}

func TestRangeMapGetFromRangeGapAndBoundary(t *testing.T) {
	r := NewRangeMap()
	r.SetInRange(10, 5, "A") // [10,15)

	value, length := r.GetFromRange(0, 10)
	assert.Nil(t, value)
	assert.Equal(t, int64(10), length, "gap before the first entry runs exactly up to it")

	value, length = r.GetFromRange(10, 3)
	assert.Equal(t, "A", value)
	assert.Equal(t, int64(3), length, "query length never exceeds the request")

	value, length = r.GetFromRange(12, 10)
	assert.Equal(t, "A", value)
	assert.Equal(t, int64(3), length, "query stops at the entry's own boundary")

	value, length = r.GetFromRange(20, 5)
	assert.Nil(t, value)
	assert.Equal(t, int64(5), length, "a gap past the last entry runs the full query length")
}

func TestRangeMapGetFirstEntryFromRange(t *testing.T) {
	r := NewRangeMap()
	r.SetInRange(10, 5, "A")
	r.SetInRange(20, 5, "B")

	e, ok := r.GetFirstEntryFromRange(0, 12)
	require.True(t, ok)
	assert.Equal(t, RangeEntry{Start: 10, Length: 5, Value: "A"}, e)

	_, ok = r.GetFirstEntryFromRange(0, 10)
	assert.False(t, ok, "a range that ends exactly at an entry's start does not intersect it")

	_, ok = r.GetFirstEntryFromRange(100, 5)
	assert.False(t, ok)
}

func TestRangeMapNonOverlapInvariant(t *testing.T) {
	r := NewRangeMap()
	r.SetInRange(0, 100, "base")
	r.SetInRange(10, 5, "A")
	r.SetInRange(50, 20, "B")
	r.DeleteFromRange(12, 3)
	r.SetInRange(40, 30, "C")

	entries := r.Entries()
	for i := 0; i < len(entries); i++ {
		assert.GreaterOrEqual(t, entries[i].Length, int64(1), "no entry may be empty")
		if i > 0 {
			assert.LessOrEqual(t, entries[i-1].end(), entries[i].Start, "entries must be sorted and non-overlapping")
		}
	}
}

func TestRangeMapSplitInterior(t *testing.T) {
	r := NewRangeMap()
	r.SetInRange(0, 10, "A")
	r.DeleteFromRange(3, 2) // interior deletion splits into [0,3) and [5,10)

	assert.Equal(t, []RangeEntry{
		{Start: 0, Length: 3, Value: "A"},
		{Start: 5, Length: 5, Value: "A"},
	}, r.Entries())
}
