// Package tracker records which guest bytes were last written by the CPU and
// which by the GPU.
package tracker

import (
	"github.com/ourfavoritefruits/yuzu-sub001/internal/interval"
)

// DefaultPageBits gives 64 KiB tracking pages.
const DefaultPageBits = 16

// MemoryTracker tracks modification state at byte granularity. Memory that
// has never been uploaded is CPU-modified.
type MemoryTracker struct {
	pageBits uint

	uploaded     interval.Set // host copy matches guest memory
	gpuModified  interval.Set
	cachedWrites interval.Set
	preflushable interval.Set
}

// New creates a tracker whose page-level helpers use 1<<pageBits byte pages.
func New(pageBits uint) *MemoryTracker {
	if pageBits == 0 {
		pageBits = DefaultPageBits
	}
	return &MemoryTracker{pageBits: pageBits}
}

func (t *MemoryTracker) PageBits() uint   { return t.pageBits }
func (t *MemoryTracker) PageSize() uint64 { return 1 << t.pageBits }

// AlignOut rounds [addr, addr+size) outward to tracking pages.
func (t *MemoryTracker) AlignOut(addr, size uint64) (start, end uint64) {
	mask := t.PageSize() - 1
	start = addr &^ mask
	end = (addr + size + mask) &^ mask
	return start, end
}

// IsRegionCpuModified reports whether any byte changed on the CPU since it
// was last uploaded.
func (t *MemoryTracker) IsRegionCpuModified(addr, size uint64) bool {
	if size == 0 {
		return false
	}
	return !t.uploaded.Contains(addr, addr+size)
}

// IsRegionGpuModified reports whether any byte holds GPU writes not yet
// downloaded.
func (t *MemoryTracker) IsRegionGpuModified(addr, size uint64) bool {
	return t.gpuModified.Intersects(addr, addr+size)
}

func (t *MemoryTracker) IsRegionPreflushable(addr, size uint64) bool {
	return t.preflushable.Intersects(addr, addr+size)
}

// MarkRegionAsCpuModified records a CPU write, dropping any pending GPU state.
func (t *MemoryTracker) MarkRegionAsCpuModified(addr, size uint64) {
	end := addr + size
	t.uploaded.Subtract(addr, end)
	t.gpuModified.Subtract(addr, end)
	t.preflushable.Subtract(addr, end)
}

// MarkRegionAsGpuModified records a GPU write. CPU data not uploaded yet
// stays pending so a shader reading the range before writing it sees it.
func (t *MemoryTracker) MarkRegionAsGpuModified(addr, size uint64) {
	t.gpuModified.Add(addr, addr+size)
}

// MarkRegionAsPreflushable flags a range whose downloads may be issued early.
func (t *MemoryTracker) MarkRegionAsPreflushable(addr, size uint64) {
	t.preflushable.Add(addr, addr+size)
}

// UnmarkRegionAsPreflushable clears the preflushable flag.
func (t *MemoryTracker) UnmarkRegionAsPreflushable(addr, size uint64) {
	t.preflushable.Subtract(addr, addr+size)
}

// CachedCpuWrite records a CPU write whose effect is deferred until
// FlushCachedWrites.
func (t *MemoryTracker) CachedCpuWrite(addr, size uint64) {
	t.cachedWrites.Add(addr, addr+size)
}

// HasCachedWrites reports whether deferred CPU writes are pending.
func (t *MemoryTracker) HasCachedWrites() bool {
	return !t.cachedWrites.Empty()
}

// FlushCachedWrites turns every cached write into a CPU modification and
// returns the affected ranges.
func (t *MemoryTracker) FlushCachedWrites() []interval.Span {
	spans := t.cachedWrites.Spans()
	for _, sp := range spans {
		t.MarkRegionAsCpuModified(sp.Start, sp.End-sp.Start)
	}
	t.cachedWrites.Clear()
	return spans
}

// ForEachUploadRange calls fn with each coalesced CPU-modified range inside
// [addr, addr+size). With clear set the ranges are marked uploaded. Calling
// it again yields whatever remains.
func (t *MemoryTracker) ForEachUploadRange(addr, size uint64, clear bool, fn func(start, size uint64)) {
	for _, sp := range t.UploadRanges(addr, size) {
		if clear {
			t.uploaded.Add(sp.Start, sp.End)
		}
		fn(sp.Start, sp.End-sp.Start)
	}
}

// UploadRanges returns the CPU-modified ranges inside [addr, addr+size).
func (t *MemoryTracker) UploadRanges(addr, size uint64) []interval.Span {
	if size == 0 {
		return nil
	}
	end := addr + size
	var dirty []interval.Span
	cursor := addr
	t.uploaded.ForEachInRange(addr, end, func(start, stop uint64) {
		if cursor < start {
			dirty = append(dirty, interval.Span{Start: cursor, End: start})
		}
		cursor = stop
	})
	if cursor < end {
		dirty = append(dirty, interval.Span{Start: cursor, End: end})
	}
	return dirty
}

// ForEachDownloadRange calls fn with each coalesced GPU-modified range inside
// [addr, addr+size). With clear set the ranges stop being GPU-modified.
func (t *MemoryTracker) ForEachDownloadRange(addr, size uint64, clear bool, fn func(start, size uint64)) {
	if size == 0 {
		return
	}
	end := addr + size
	t.gpuModified.ForEachInRange(addr, end, func(start, stop uint64) {
		if clear {
			t.gpuModified.Subtract(start, stop)
			t.preflushable.Subtract(start, stop)
		}
		fn(start, stop-start)
	})
}

// GpuModifiedBytes returns the number of bytes awaiting download.
func (t *MemoryTracker) GpuModifiedBytes() uint64 {
	return t.gpuModified.Bytes()
}
