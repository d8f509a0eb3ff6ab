package gpu

import (
	"testing"
)

func TestStagingPoolRing(t *testing.T) {
	rt := newTestRuntime(t)
	pool := rt.staging

	ref, err := pool.Allocate(100, true)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if len(ref.Mapped) != 100 {
		t.Errorf("expected 100 mapped bytes, got %d", len(ref.Mapped))
	}
	if ref.Offset%StagingAlignment != 0 {
		t.Errorf("offset %d is not %d-byte aligned", ref.Offset, StagingAlignment)
	}

	second, err := pool.Allocate(100, true)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if second.Offset < ref.Offset+100 {
		t.Errorf("allocations overlap: %d then %d", ref.Offset, second.Offset)
	}

	stats := pool.Stats()
	if stats.Allocations != 2 || stats.RingHits != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}

	free := pool.FreeBytes()
	pool.Tick()
	if pool.FreeBytes() <= free {
		t.Errorf("Tick should release frame allocations: %d -> %d", free, pool.FreeBytes())
	}
}

func TestStagingPoolDedicatedFallback(t *testing.T) {
	rt := newTestRuntime(t)
	pool := rt.staging

	// Larger than the 4 KiB ring
	ref, err := pool.Allocate(8192, false)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if ref.Buffer == pool.backing {
		t.Error("expected a dedicated buffer")
	}
	if ref.Offset != 0 || len(ref.Mapped) != 8192 {
		t.Errorf("unexpected dedicated ref offset=%d len=%d", ref.Offset, len(ref.Mapped))
	}
	if pool.Stats().Dedicated != 1 {
		t.Errorf("expected 1 dedicated allocation, got %d", pool.Stats().Dedicated)
	}

	pool.Release(ref)
	if pool.Stats().Frees != 1 {
		t.Errorf("expected 1 free, got %d", pool.Stats().Frees)
	}
}

func TestStagingPoolDeferredSurvivesTick(t *testing.T) {
	rt := newTestRuntime(t)

	ref, err := rt.DownloadStagingBuffer(256, true)
	if err != nil {
		t.Fatalf("DownloadStagingBuffer failed: %v", err)
	}
	ref.Mapped[0] = 0xaa
	rt.TickFrame()

	// A deferred allocation is still owned, so a new one must not alias it
	other, err := rt.UploadStagingBuffer(256)
	if err != nil {
		t.Fatalf("UploadStagingBuffer failed: %v", err)
	}
	other.Mapped[0] = 0x55
	if ref.Mapped[0] != 0xaa {
		t.Error("deferred staging memory was reused before release")
	}
	rt.FreeDeferredStagingBuffer(ref)
}

func TestStagingPoolZeroSize(t *testing.T) {
	rt := newTestRuntime(t)
	ref, err := rt.UploadStagingBuffer(0)
	if err != nil {
		t.Fatalf("zero-size allocation failed: %v", err)
	}
	if len(ref.Mapped) != 0 {
		t.Errorf("expected empty mapping, got %d bytes", len(ref.Mapped))
	}
	if rt.staging.Stats().Allocations != 0 {
		t.Error("zero-size allocations should not be counted")
	}
}
