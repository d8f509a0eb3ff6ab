package buffercache

import (
	"bytes"
	"testing"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/engine"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/memory"
)

const pageSize = 1 << 16

type testEnv struct {
	cache    *Cache
	rt       *gpu.MemoryRuntime
	guest    *memory.PagedMemory
	space    *memory.AddressSpace
	graphics *engine.Graphics
	compute  *engine.Compute
}

// newTestEnv builds a cache with a bound channel whose GPU addresses map
// one to one onto guest addresses from 64 KiB up.
func newTestEnv(t *testing.T, params Params, opts gpu.MemoryRuntimeOptions) *testEnv {
	t.Helper()
	if opts.StagingSize == 0 {
		opts.StagingSize = 4 << 20
	}
	rt, err := gpu.NewMemoryRuntime(opts)
	if err != nil {
		t.Fatalf("NewMemoryRuntime: %v", err)
	}
	guest := memory.NewPagedMemory()
	c, err := New(params, rt, guest)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	space := memory.NewAddressSpace(guest)
	if err := space.Map(0x10000, 0x10000, 1<<30); err != nil {
		t.Fatalf("Map: %v", err)
	}
	env := &testEnv{
		cache:    c,
		rt:       rt,
		guest:    guest,
		space:    space,
		graphics: engine.NewGraphics(),
		compute:  &engine.Compute{},
	}
	c.CreateChannel(env.graphics, env.compute, space)
	return env
}

// runtimeModes covers the immediate and staged transfer paths.
var runtimeModes = []struct {
	name string
	opts gpu.MemoryRuntimeOptions
}{
	{"immediate", gpu.MemoryRuntimeOptions{}},
	{"mapped", gpu.MemoryRuntimeOptions{MappedUploads: true, MemoryMaps: true}},
}

func (e *testEnv) hostBytes(t *testing.T, id BufferID, addr, size uint64) []byte {
	t.Helper()
	base, _, ok := e.cache.BufferRange(id)
	if !ok {
		t.Fatalf("buffer %d does not exist", id)
	}
	out := make([]byte, size)
	if err := gpu.ReadHostBuffer(e.cache.HostBuffer(id), addr-base, out); err != nil {
		t.Fatalf("ReadHostBuffer: %v", err)
	}
	return out
}

// gpuWrite stands in for a shader storing value over [addr, addr+size).
func (e *testEnv) gpuWrite(t *testing.T, id BufferID, addr, size uint64, value byte) {
	t.Helper()
	base, _, _ := e.cache.BufferRange(id)
	if err := gpu.WriteHostBuffer(e.cache.HostBuffer(id), addr-base, bytes.Repeat([]byte{value}, int(size))); err != nil {
		t.Fatalf("WriteHostBuffer: %v", err)
	}
	e.cache.MarkWrittenBuffer(addr, size)
}

func (e *testEnv) guestBytes(addr, size uint64) []byte {
	out := make([]byte, size)
	e.guest.ReadBlock(addr, out)
	return out
}

func allBytes(b []byte, v byte) bool {
	for _, x := range b {
		if x != v {
			return false
		}
	}
	return true
}
