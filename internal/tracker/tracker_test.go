package tracker

import (
	"reflect"
	"testing"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/interval"
)

func collect(fn func(func(start, size uint64))) []interval.Span {
	var out []interval.Span
	fn(func(start, size uint64) {
		out = append(out, interval.Span{Start: start, End: start + size})
	})
	return out
}

func TestUntrackedMemoryIsCpuModified(t *testing.T) {
	tr := New(DefaultPageBits)
	if !tr.IsRegionCpuModified(0x1000, 0x100) {
		t.Error("fresh memory should be CPU-modified")
	}
	if tr.IsRegionGpuModified(0x1000, 0x100) {
		t.Error("fresh memory should not be GPU-modified")
	}
}

func TestUploadRangesClear(t *testing.T) {
	tr := New(DefaultPageBits)

	got := collect(func(fn func(uint64, uint64)) { tr.ForEachUploadRange(0x1000, 0x100, true, fn) })
	if want := []interval.Span{{Start: 0x1000, End: 0x1100}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("first upload = %v, want %v", got, want)
	}
	if tr.IsRegionCpuModified(0x1000, 0x100) {
		t.Error("range should be clean after clearing upload")
	}

	tr.MarkRegionAsCpuModified(0x1010, 0x10)
	tr.MarkRegionAsCpuModified(0x1080, 0x8)

	// Without clear the sequence can be restarted and yields the same ranges
	want := []interval.Span{{Start: 0x1010, End: 0x1020}, {Start: 0x1080, End: 0x1088}}
	for i := 0; i < 2; i++ {
		got = collect(func(fn func(uint64, uint64)) { tr.ForEachUploadRange(0x1000, 0x100, false, fn) })
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("pass %d: upload = %v, want %v", i, got, want)
		}
	}
}

func TestGpuWriteKeepsPendingUpload(t *testing.T) {
	tr := New(DefaultPageBits)
	tr.ForEachUploadRange(0x2000, 0x20, true, func(uint64, uint64) {})
	tr.MarkRegionAsGpuModified(0x2000, 0x40)

	if !tr.IsRegionGpuModified(0x2000, 1) {
		t.Error("expected GPU-modified")
	}
	got := tr.UploadRanges(0x2000, 0x40)
	if want := []interval.Span{{Start: 0x2020, End: 0x2040}}; !reflect.DeepEqual(got, want) {
		t.Errorf("upload = %v, want %v", got, want)
	}

	tr.MarkRegionAsCpuModified(0x2010, 0x10)
	if tr.IsRegionGpuModified(0x2010, 0x10) {
		t.Error("CPU write should drop GPU state")
	}
	if !tr.IsRegionGpuModified(0x2000, 0x10) || !tr.IsRegionGpuModified(0x2020, 0x20) {
		t.Error("GPU state outside the CPU write must survive")
	}
}

func TestDownloadRanges(t *testing.T) {
	tr := New(DefaultPageBits)
	tr.MarkRegionAsGpuModified(0x1000, 0x40)
	tr.MarkRegionAsGpuModified(0x1100, 0x40)

	got := collect(func(fn func(uint64, uint64)) { tr.ForEachDownloadRange(0x1020, 0x100, false, fn) })
	want := []interval.Span{{Start: 0x1020, End: 0x1040}, {Start: 0x1100, End: 0x1120}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("download = %v, want %v", got, want)
	}
	if tr.GpuModifiedBytes() != 0x80 {
		t.Errorf("non-clearing iteration changed state: %#x bytes", tr.GpuModifiedBytes())
	}

	tr.ForEachDownloadRange(0x1000, 0x200, true, func(uint64, uint64) {})
	if tr.IsRegionGpuModified(0x1000, 0x200) {
		t.Error("clearing iteration should drop GPU state")
	}
}

func TestCachedWrites(t *testing.T) {
	tr := New(DefaultPageBits)
	tr.ForEachUploadRange(0, 0x10000, true, func(uint64, uint64) {})
	tr.MarkRegionAsGpuModified(0x100, 0x100)

	tr.CachedCpuWrite(0x180, 0x10)
	if !tr.HasCachedWrites() {
		t.Fatal("expected cached writes")
	}
	if tr.IsRegionCpuModified(0x180, 0x10) {
		t.Error("cached writes take effect only when flushed")
	}

	spans := tr.FlushCachedWrites()
	if len(spans) != 1 || spans[0].Start != 0x180 {
		t.Errorf("unexpected flushed spans %v", spans)
	}
	if !tr.IsRegionCpuModified(0x180, 0x10) || tr.IsRegionGpuModified(0x180, 0x10) {
		t.Error("flushed write should be CPU-modified")
	}
	if tr.HasCachedWrites() {
		t.Error("flush should clear cached writes")
	}
}

func TestAlignOut(t *testing.T) {
	tr := New(DefaultPageBits)
	tests := []struct {
		addr, size, start, end uint64
	}{
		{0x1000, 0x40, 0, 0x10000},
		{0x10000, 0x10000, 0x10000, 0x20000},
		{0xffff, 2, 0, 0x20000},
	}
	for _, tt := range tests {
		start, end := tr.AlignOut(tt.addr, tt.size)
		if start != tt.start || end != tt.end {
			t.Errorf("AlignOut(%#x, %#x) = [%#x, %#x), want [%#x, %#x)", tt.addr, tt.size, start, end, tt.start, tt.end)
		}
	}
}
