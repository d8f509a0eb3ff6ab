// Package interval provides the coalescing range sets and reference counted
// ranges used to track guest memory state.
package interval

import (
	"github.com/google/gapid/core/math/interval"
)

// Span is a half-open [Start, End) range of guest addresses.
type Span = interval.U64Span

// Set is an ordered set of non-overlapping, coalesced address ranges.
// The zero value is an empty set ready for use.
type Set struct {
	spans interval.U64SpanList
}

// NewSet returns a set holding the given ranges.
func NewSet(spans ...Span) *Set {
	s := &Set{}
	for _, sp := range spans {
		s.Add(sp.Start, sp.End)
	}
	return s
}

// Add inserts [start, end), joining it with touching or overlapping ranges.
func (s *Set) Add(start, end uint64) {
	if start >= end {
		return
	}
	interval.Merge(&s.spans, Span{Start: start, End: end}, true)
}

// AddSet inserts every range of o.
func (s *Set) AddSet(o *Set) {
	for _, sp := range o.spans {
		s.Add(sp.Start, sp.End)
	}
}

// Subtract removes [start, end), splitting ranges that straddle it.
func (s *Set) Subtract(start, end uint64) {
	if start >= end || len(s.spans) == 0 {
		return
	}
	interval.Remove(&s.spans, Span{Start: start, End: end})
}

// SubtractSet removes every range of o.
func (s *Set) SubtractSet(o *Set) {
	if o == s {
		s.Clear()
		return
	}
	for _, sp := range o.spans {
		s.Subtract(sp.Start, sp.End)
	}
}

// Intersects reports whether any byte of [start, end) is in the set.
func (s *Set) Intersects(start, end uint64) bool {
	if start >= end {
		return false
	}
	_, count := interval.Intersect(&s.spans, Span{Start: start, End: end})
	return count > 0
}

// Contains reports whether every byte of [start, end) is in the set.
func (s *Set) Contains(start, end uint64) bool {
	if start >= end {
		return true
	}
	first, count := interval.Intersect(&s.spans, Span{Start: start, End: end})
	if count != 1 {
		return false
	}
	sp := s.spans[first]
	return sp.Start <= start && sp.End >= end
}

// ForEachInRange calls fn with every range of the set clipped to [start, end),
// in ascending order. fn may modify the set.
func (s *Set) ForEachInRange(start, end uint64, fn func(start, end uint64)) {
	if start >= end {
		return
	}
	first, count := interval.Intersect(&s.spans, Span{Start: start, End: end})
	if count == 0 {
		return
	}
	clipped := make([]Span, 0, count)
	for _, sp := range s.spans[first : first+count] {
		lo, hi := max(sp.Start, start), min(sp.End, end)
		if lo < hi {
			clipped = append(clipped, Span{Start: lo, End: hi})
		}
	}
	for _, sp := range clipped {
		fn(sp.Start, sp.End)
	}
}

// ForEach calls fn with every range in ascending order. fn may modify the set.
func (s *Set) ForEach(fn func(start, end uint64)) {
	if len(s.spans) == 0 {
		return
	}
	spans := append([]Span(nil), s.spans...)
	for _, sp := range spans {
		fn(sp.Start, sp.End)
	}
}

// Spans returns a copy of the ranges in ascending order.
func (s *Set) Spans() []Span {
	return append([]Span(nil), s.spans...)
}

// Empty reports whether the set holds no ranges.
func (s *Set) Empty() bool { return len(s.spans) == 0 }

// Len returns the number of disjoint ranges.
func (s *Set) Len() int { return len(s.spans) }

// Bytes returns the total number of addresses covered.
func (s *Set) Bytes() uint64 {
	var total uint64
	for _, sp := range s.spans {
		total += sp.End - sp.Start
	}
	return total
}

// Clear removes every range.
func (s *Set) Clear() { s.spans = s.spans[:0] }

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	return &Set{spans: append(interval.U64SpanList(nil), s.spans...)}
}
