package scenario

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/buffercache"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
)

func newRunner(t *testing.T, name string, opts gpu.MemoryRuntimeOptions) *Runner {
	t.Helper()
	if opts.StagingSize == 0 {
		opts.StagingSize = 8 << 20
	}
	rt, err := gpu.NewMemoryRuntime(opts)
	if err != nil {
		t.Fatalf("NewMemoryRuntime: %v", err)
	}
	r, err := New(name, buffercache.DefaultParams(), rt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := r.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return r
}

func TestBundledScenarios(t *testing.T) {
	scripts, err := filepath.Glob("../../scenarios/*.lua")
	if err != nil || len(scripts) == 0 {
		t.Fatalf("no scenarios found: %v", err)
	}
	modes := []struct {
		name string
		opts gpu.MemoryRuntimeOptions
	}{
		{"immediate", gpu.MemoryRuntimeOptions{}},
		{"async", gpu.DefaultMemoryRuntimeOptions()},
	}
	for _, script := range scripts {
		for _, mode := range modes {
			t.Run(filepath.Base(script)+"/"+mode.name, func(t *testing.T) {
				r := newRunner(t, script, mode.opts)
				res, err := r.RunFile(context.Background(), script)
				if err != nil {
					t.Fatalf("run: %v", err)
				}
				if res.Expectations == 0 {
					t.Error("scenario checked nothing")
				}
			})
		}
	}
}

func TestExpectFailure(t *testing.T) {
	r := newRunner(t, "failing", gpu.MemoryRuntimeOptions{})
	_, err := r.RunString(context.Background(), `
map(0x10000, 0x10000, 0x100000)
fill(0x20000, 4, 1)
expect(read(0x20000, 1) == string.char(2), "byte is two")
`)
	if err == nil || !strings.Contains(err.Error(), "byte is two") {
		t.Fatalf("expected expectation failure, got %v", err)
	}
}

func TestGPUWriteRoundTrip(t *testing.T) {
	r := newRunner(t, "roundtrip", gpu.MemoryRuntimeOptions{MappedUploads: true, MemoryMaps: true})
	res, err := r.RunString(context.Background(), `
map(0x10000, 0x10000, 0x100000)
fill(0x21000, 0x100, 9)
gpu_write(0x21000, 0x10, 0xab)
expect(gpu_modified(0x21000, 0x10), "marked")
expect(read(0x21000, 1) == string.char(0xab), "downloaded on read")
expect(read(0x21010, 1) == string.char(9), "neighbour intact")
`)
	if err != nil {
		t.Fatal(err)
	}
	if res.Expectations != 3 {
		t.Errorf("expectations = %d, want 3", res.Expectations)
	}
	if res.Stats.Downloads == 0 {
		t.Error("read should have downloaded GPU data")
	}
}

func TestUnmappedDMAFails(t *testing.T) {
	r := newRunner(t, "unmapped", gpu.MemoryRuntimeOptions{})
	if _, err := r.RunString(context.Background(), `dma_copy(0x1000, 0x2000, 4)`); err == nil {
		t.Error("expected an error for DMA between unmapped addresses")
	}
}

func TestCancelledContext(t *testing.T) {
	r := newRunner(t, "cancelled", gpu.MemoryRuntimeOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.RunString(ctx, `while true do end`); err == nil {
		t.Error("expected cancellation to stop the script")
	}
}
