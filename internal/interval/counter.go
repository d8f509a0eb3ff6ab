package interval

import (
	"github.com/google/gapid/core/math/interval"
)

type countedSpan struct {
	span  Span
	count int
}

// countedList implements interval.List over the counter segments.
type countedList []countedSpan

func (l countedList) Length() int { return len(l) }

func (l countedList) GetSpan(index int) Span { return l[index].span }

// OverlapCounter associates a reference count with address ranges.
// Ranges whose count drops to zero are removed.
type OverlapCounter struct {
	segs countedList
}

// Add increases the count of every byte in [start, end) by delta.
func (c *OverlapCounter) Add(start, end uint64, delta int) {
	c.apply(start, end, delta)
}

// Remove decreases the count of every byte in [start, end) by delta, never
// going below zero.
func (c *OverlapCounter) Remove(start, end uint64, delta int) {
	c.apply(start, end, -delta)
}

// Count returns the count at addr.
func (c *OverlapCounter) Count(addr uint64) int {
	i := interval.Search(c.segs, func(sp Span) bool { return sp.End > addr })
	if i < len(c.segs) && c.segs[i].span.Start <= addr {
		return c.segs[i].count
	}
	return 0
}

// ForEachInRange calls fn for every counted range clipped to [start, end).
func (c *OverlapCounter) ForEachInRange(start, end uint64, fn func(start, end uint64, count int)) {
	if start >= end {
		return
	}
	first, n := c.find(start, end)
	if n == 0 {
		return
	}
	segs := append(countedList(nil), c.segs[first:first+n]...)
	for _, seg := range segs {
		lo, hi := max(seg.span.Start, start), min(seg.span.End, end)
		if lo < hi {
			fn(lo, hi, seg.count)
		}
	}
}

// Empty reports whether no range has a positive count.
func (c *OverlapCounter) Empty() bool { return len(c.segs) == 0 }

// Clear drops every range.
func (c *OverlapCounter) Clear() { c.segs = c.segs[:0] }

// find returns the index of the first segment ending after start and the
// number of consecutive segments starting before end.
func (c *OverlapCounter) find(start, end uint64) (int, int) {
	first := interval.Search(c.segs, func(sp Span) bool { return sp.End > start })
	n := 0
	for first+n < len(c.segs) && c.segs[first+n].span.Start < end {
		n++
	}
	return first, n
}

func (c *OverlapCounter) apply(start, end uint64, delta int) {
	if start >= end || delta == 0 {
		return
	}
	first, n := c.find(start, end)

	out := make(countedList, 0, 2*n+2)
	push := func(lo, hi uint64, count int) {
		if lo >= hi || count <= 0 {
			return
		}
		if k := len(out) - 1; k >= 0 && out[k].span.End == lo && out[k].count == count {
			out[k].span.End = hi
			return
		}
		out = append(out, countedSpan{span: Span{Start: lo, End: hi}, count: count})
	}

	cur := start
	for _, seg := range c.segs[first : first+n] {
		if seg.span.Start < start {
			push(seg.span.Start, start, seg.count)
		}
		if cur < seg.span.Start {
			push(cur, seg.span.Start, delta)
		}
		lo, hi := max(seg.span.Start, start), min(seg.span.End, end)
		push(lo, hi, seg.count+delta)
		if seg.span.End > end {
			push(end, seg.span.End, seg.count)
		}
		cur = hi
	}
	push(cur, end, delta)

	tail := append(countedList(nil), c.segs[first+n:]...)
	c.segs = append(append(c.segs[:first], out...), tail...)
}
