package buffercache

import (
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
)

func TestFindBuffer(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[0].opts)
	c := env.cache

	if id, err := c.FindBuffer(0, 0x100); err != nil || id != NullBufferID {
		t.Fatalf("FindBuffer(0) = %d, %v; want null buffer", id, err)
	}

	id, err := c.FindBuffer(0x21000, 0x100)
	if err != nil {
		t.Fatalf("FindBuffer: %v", err)
	}
	addr, size, ok := c.BufferRange(id)
	if !ok || addr != 0x20000 || size != pageSize {
		t.Fatalf("buffer range = %#x+%#x, want page aligned 0x20000+0x10000", addr, size)
	}
	if again, _ := c.FindBuffer(0x2f000, 0x1000); again != id {
		t.Errorf("contained range resolved to %d, want %d", again, id)
	}
	if got := c.Stats().CreatedBuffers; got != 1 {
		t.Errorf("created %d buffers, want 1", got)
	}
	if !c.IsRegionRegistered(0x2ffff, 1) || c.IsRegionRegistered(0x30000, 0x100) {
		t.Error("registration does not match the buffer range")
	}
}

func TestCreateBufferMergesOverlaps(t *testing.T) {
	for _, mode := range runtimeModes {
		t.Run(mode.name, func(t *testing.T) {
			env := newTestEnv(t, DefaultParams(), mode.opts)
			c := env.cache

			a, _ := c.CreateBuffer(0x21000, 0x100)
			b, _ := c.CreateBuffer(0x41000, 0x100)
			c.SynchronizeBuffer(a, 0x21000, 0x100)
			env.gpuWrite(t, a, 0x21000, 0x10, 0xaa)
			env.gpuWrite(t, b, 0x41000, 0x10, 0xbb)

			merged, err := c.CreateBuffer(0x2f000, 0x12000)
			if err != nil {
				t.Fatalf("CreateBuffer: %v", err)
			}
			addr, size, _ := c.BufferRange(merged)
			if addr != 0x20000 || addr+size != 0x50000 {
				t.Fatalf("merged range = [%#x, %#x)", addr, addr+size)
			}
			if c.Stats().Buffers != 1 || c.Stats().MergedBuffers != 2 {
				t.Errorf("stats = %+v", c.Stats())
			}

			if got := env.hostBytes(t, merged, 0x21000, 0x10); !allBytes(got, 0xaa) {
				t.Errorf("first overlap contents lost: % x", got)
			}
			if got := env.hostBytes(t, merged, 0x41000, 0x10); !allBytes(got, 0xbb) {
				t.Errorf("second overlap contents lost: % x", got)
			}
			// Merging keeps GPU writes pending; they download from the new buffer.
			if !c.IsRegionGpuModified(0x41000, 0x10) {
				t.Fatal("merge should not download GPU writes")
			}
			if err := c.DownloadMemory(0x20000, 0x30000); err != nil {
				t.Fatalf("DownloadMemory: %v", err)
			}
			if got := env.guestBytes(0x41000, 0x10); !allBytes(got, 0xbb) {
				t.Errorf("guest = % x", got)
			}

			for _, probe := range []uint64{0x20000, 0x35000, 0x4ffff} {
				if id, _ := c.FindBuffer(probe, 1); id != merged {
					t.Errorf("FindBuffer(%#x) = %d, want %d", probe, id, merged)
				}
			}
		})
	}
}

func TestResolveOverlapsConverges(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[0].opts)
	c := env.cache

	for _, addr := range []uint64{0x100000, 0x120000, 0x140000, 0x160000} {
		if _, err := c.CreateBuffer(addr, 0x100); err != nil {
			t.Fatal(err)
		}
	}
	id, err := c.CreateBuffer(0x10f000, 0x52000)
	if err != nil {
		t.Fatal(err)
	}
	addr, size, _ := c.BufferRange(id)
	if addr != 0x100000 || addr+size != 0x170000 {
		t.Fatalf("range = [%#x, %#x)", addr, addr+size)
	}

	// A second resolution of the same range finds exactly the merged buffer.
	res := c.resolveOverlaps(0x10f000, 0x52000)
	if len(res.IDs) != 1 || res.IDs[0] != id || res.Begin != addr || res.End != addr+size {
		t.Errorf("second resolution = %+v", res)
	}
}

func TestStreamLeap(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[0].opts)
	c := env.cache
	params := DefaultParams()
	const base = 0x1000000

	var id BufferID
	for n := uint64(0); n <= 18; n++ {
		var err error
		if id, err = c.FindBuffer(base+n*pageSize, 2*pageSize); err != nil {
			t.Fatal(err)
		}
		if n < 18 && c.Stats().StreamLeaps != 0 {
			t.Fatalf("leap at step %d, before the score passed the threshold", n)
		}
	}
	if c.Stats().StreamLeaps != 1 {
		t.Fatalf("stream leaps = %d, want 1", c.Stats().StreamLeaps)
	}
	addr, size, _ := c.BufferRange(id)
	wantEnd := uint64(base + 20*pageSize + params.StreamLeapPages*pageSize)
	if addr != base || addr+size != wantEnd {
		t.Fatalf("leaped range = [%#x, %#x), want [%#x, %#x)", addr, addr+size, base, wantEnd)
	}

	created := c.Stats().CreatedBuffers
	for n := uint64(19); n < 100; n++ {
		if got, _ := c.FindBuffer(base+n*pageSize, 2*pageSize); got != id {
			t.Fatalf("step %d resolved to %d, want %d", n, got, id)
		}
	}
	if c.Stats().CreatedBuffers != created {
		t.Error("requests inside the leap allocated new buffers")
	}
}

func TestDeleteBuffer(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[1].opts)
	c := env.cache

	if err := c.DeleteBuffer(NullBufferID); err == nil {
		t.Error("deleting the null buffer should fail")
	}

	id, _ := c.CreateBuffer(0x21000, 0x100)
	c.SynchronizeBuffer(id, 0x21000, 0x100)
	env.gpuWrite(t, id, 0x21000, 0x10, 0x5a)

	if err := c.DeleteBuffer(id); err != nil {
		t.Fatalf("DeleteBuffer: %v", err)
	}
	if got := env.guestBytes(0x21000, 0x10); !allBytes(got, 0x5a) {
		t.Errorf("GPU writes lost on delete: % x", got)
	}
	if c.IsRegionRegistered(0x20000, pageSize) {
		t.Error("deleted buffer is still registered")
	}
	if !c.IsRegionCpuModified(0x20000, pageSize) {
		t.Error("deleted range should read as CPU-modified")
	}
	if _, _, ok := c.BufferRange(id); ok {
		t.Error("deleted id still resolves")
	}
}

func TestCreateBufferFailureKeepsOverlaps(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), gpu.MemoryRuntimeOptions{MaxBufferSize: pageSize})
	c := env.cache

	a, _ := c.CreateBuffer(0x21000, 0x100)

	if _, err := c.CreateBuffer(0x21000, 0x20000); err == nil {
		t.Fatal("expected allocation failure")
	}
	if _, _, ok := c.BufferRange(a); !ok {
		t.Fatal("failed creation deleted an overlap")
	}
	if id, _ := c.FindBuffer(0x21000, 0x100); id != a {
		t.Errorf("FindBuffer = %d, want %d", id, a)
	}
}

func TestFindBufferEmptyRange(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[0].opts)
	c := env.cache

	before := c.Stats()
	for i := 0; i < 5; i++ {
		id, err := c.FindBuffer(0x20000, 0)
		if err != nil {
			t.Fatalf("FindBuffer: %v", err)
		}
		if id != NullBufferID {
			t.Fatalf("FindBuffer(0x20000, 0) = %d, want null buffer", id)
		}
	}
	after := c.Stats()
	if after.CreatedBuffers != before.CreatedBuffers || after.Buffers != before.Buffers {
		t.Errorf("empty lookups allocated: created %d -> %d, live %d -> %d",
			before.CreatedBuffers, after.CreatedBuffers, before.Buffers, after.Buffers)
	}
}

func TestResolveLoop(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		wantPanic bool
	}{
		// The first pass merges the existing buffer and must run again.
		{"gives up", 1, true},
		{"converges", 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := DefaultParams()
			params.MaxResolveAttempts = tt.attempts
			env := newTestEnv(t, params, runtimeModes[0].opts)
			c := env.cache
			c.CreateBuffer(0x21000, 0x100)

			var panicked interface{}
			func() {
				defer func() { panicked = recover() }()
				c.resolveLoop("merge", func() error {
					_, err := c.findBuffer(0x21000, 0x20000)
					return err
				})
			}()

			if !tt.wantPanic {
				if panicked != nil {
					t.Fatalf("unexpected panic: %v", panicked)
				}
				return
			}
			err, ok := panicked.(error)
			if !ok {
				t.Fatalf("recovered %v, want an assertion error", panicked)
			}
			if !errors.HasAssertionFailure(err) {
				t.Errorf("recovered %v, want an assertion failure", err)
			}
		})
	}
}
