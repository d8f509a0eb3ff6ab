// Package scenario drives a buffer cache from Lua scripts. A script plays the
// guest CPU and the GPU command processor: it writes guest memory, binds
// buffers, issues draws and dispatches, and checks the cache's view of
// memory with expect().
package scenario

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/buffercache"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/engine"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/logging"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/memory"
)

// Result summarizes one scenario run.
type Result struct {
	Name         string
	Stats        buffercache.Stats
	Expectations int
	Draws        int
	Dispatches   int
	Duration     time.Duration
}

// Runner owns a cache, its runtime and the emulated memory a script drives.
type Runner struct {
	name     string
	cache    *buffercache.Cache
	runtime  gpu.Runtime
	guest    *memory.PagedMemory
	space    *memory.AddressSpace
	graphics *engine.Graphics
	compute  *engine.Compute
	state    *lua.LState
	log      *logrus.Entry

	uniformMasks [buffercache.NumStages]uint32
	uniformSizes buffercache.UniformBufferSizes
	sizedStages  bool
	drawIndirect engine.DrawIndirect

	expectations int
	draws        int
	dispatches   int
}

// New creates a runner for the named scenario. The runner takes ownership
// of rt.
func New(name string, params buffercache.Params, rt gpu.Runtime) (*Runner, error) {
	guest := memory.NewPagedMemory()
	cache, err := buffercache.New(params, rt, guest)
	if err != nil {
		return nil, errors.Wrapf(err, "creating cache for scenario %s", name)
	}
	r := &Runner{
		name:     name,
		cache:    cache,
		runtime:  rt,
		guest:    guest,
		space:    memory.NewAddressSpace(guest),
		graphics: engine.NewGraphics(),
		compute:  &engine.Compute{},
		state:    lua.NewState(),
		log:      logging.WithFields("scenario", logrus.Fields{"name": name}),
	}
	cache.CreateChannel(r.graphics, r.compute, r.space)
	r.register()
	return r, nil
}

// Cache returns the cache under test.
func (r *Runner) Cache() *buffercache.Cache { return r.cache }

// RunString executes src.
func (r *Runner) RunString(ctx context.Context, src string) (*Result, error) {
	return r.run(ctx, func() error { return r.state.DoString(src) })
}

// RunFile executes the script at path.
func (r *Runner) RunFile(ctx context.Context, path string) (*Result, error) {
	return r.run(ctx, func() error { return r.state.DoFile(path) })
}

func (r *Runner) run(ctx context.Context, exec func() error) (*Result, error) {
	r.state.SetContext(ctx)
	start := time.Now()
	if err := exec(); err != nil {
		return nil, errors.Wrapf(err, "scenario %s", r.name)
	}
	res := &Result{
		Name:         r.name,
		Expectations: r.expectations,
		Draws:        r.draws,
		Dispatches:   r.dispatches,
		Duration:     time.Since(start),
	}
	r.cache.Lock()
	res.Stats = r.cache.Stats()
	r.cache.Unlock()

	r.log.WithFields(logrus.Fields{
		"expectations": res.Expectations,
		"buffers":      res.Stats.Buffers,
		"duration":     res.Duration,
	}).Debug("scenario finished")
	return res, nil
}

// Close releases the interpreter, the cache and the runtime.
func (r *Runner) Close() error {
	r.state.Close()
	r.cache.Lock()
	err := r.cache.Close()
	r.cache.Unlock()
	return errors.CombineErrors(err, r.runtime.Free())
}

// locked runs fn under the cache lock and raises cache errors in Lua.
func (r *Runner) locked(L *lua.LState, what string, fn func(c *buffercache.Cache) error) {
	r.cache.Lock()
	err := fn(r.cache)
	r.cache.Unlock()
	if err != nil {
		L.RaiseError("%s: %v", what, err)
	}
}

func checkAddr(L *lua.LState, n int) uint64 {
	v := L.CheckInt64(n)
	if v < 0 {
		L.ArgError(n, "negative address")
	}
	return uint64(v)
}

// cpuWrite models the guest CPU storing data: GPU data in the surrounding
// pages is flushed first, then the write is recorded and performed.
func (r *Runner) cpuWrite(c *buffercache.Cache, addr uint64, data []byte) error {
	size := uint64(len(data))
	if c.OnCPUWrite(addr, size) {
		area := c.GetFlushArea(addr, size)
		if err := c.DownloadMemory(area.Start, area.End-area.Start); err != nil {
			return err
		}
		c.WriteMemory(addr, size)
	}
	r.guest.WriteBlock(addr, data)
	return nil
}

func (r *Runner) register() {
	api := map[string]lua.LGFunction{
		"write":                  r.luaWrite,
		"write32":                r.luaWrite32,
		"write64":                r.luaWrite64,
		"fill":                   r.luaFill,
		"read":                   r.luaRead,
		"map":                    r.luaMap,
		"cpu_write":              r.luaCPUWrite,
		"bind_cbuf":              r.luaBindConstBuffer,
		"bind_uniform":           r.luaBindUniform,
		"enable_uniforms":        r.luaEnableUniforms,
		"bind_storage":           r.luaBindStorage,
		"bind_texture":           r.luaBindTexture,
		"bind_vertex":            r.luaBindVertex,
		"bind_index":             r.luaBindIndex,
		"draw_indirect":          r.luaDrawIndirect,
		"draw":                   r.luaDraw,
		"bind_compute_cbuf":      r.luaBindComputeConstBuffer,
		"enable_compute_uniform": r.luaEnableComputeUniforms,
		"bind_compute_storage":   r.luaBindComputeStorage,
		"dispatch":               r.luaDispatch,
		"gpu_write":              r.luaGPUWrite,
		"gpu_modified":           r.luaGPUModified,
		"dma_copy":               r.luaDMACopy,
		"dma_clear":              r.luaDMAClear,
		"commit":                 r.luaCommit,
		"pop":                    r.luaPop,
		"tick":                   r.luaTick,
		"download":               r.luaDownload,
		"stats":                  r.luaStats,
		"expect":                 r.luaExpect,
	}
	for name, fn := range api {
		r.state.SetGlobal(name, r.state.NewFunction(fn))
	}
}

// write(addr, data)
func (r *Runner) luaWrite(L *lua.LState) int {
	addr := checkAddr(L, 1)
	data := []byte(L.CheckString(2))
	r.locked(L, "write", func(c *buffercache.Cache) error { return r.cpuWrite(c, addr, data) })
	return 0
}

// write32(addr, value)
func (r *Runner) luaWrite32(L *lua.LState) int {
	addr := checkAddr(L, 1)
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], uint32(L.CheckInt64(2)))
	r.locked(L, "write32", func(c *buffercache.Cache) error { return r.cpuWrite(c, addr, data[:]) })
	return 0
}

// write64(addr, value)
func (r *Runner) luaWrite64(L *lua.LState) int {
	addr := checkAddr(L, 1)
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], uint64(L.CheckInt64(2)))
	r.locked(L, "write64", func(c *buffercache.Cache) error { return r.cpuWrite(c, addr, data[:]) })
	return 0
}

// fill(addr, size, byte)
func (r *Runner) luaFill(L *lua.LState) int {
	addr, size := checkAddr(L, 1), checkAddr(L, 2)
	value := byte(L.CheckInt(3))
	data := bytes.Repeat([]byte{value}, int(size))
	r.locked(L, "fill", func(c *buffercache.Cache) error { return r.cpuWrite(c, addr, data) })
	return 0
}

// read(addr, size) returns the guest bytes as seen by the CPU.
func (r *Runner) luaRead(L *lua.LState) int {
	addr, size := checkAddr(L, 1), checkAddr(L, 2)
	out := make([]byte, size)
	r.locked(L, "read", func(c *buffercache.Cache) error {
		if c.IsRegionGpuModified(addr, size) {
			if err := c.DownloadMemory(addr, size); err != nil {
				return err
			}
		}
		r.guest.ReadBlock(addr, out)
		return nil
	})
	L.Push(lua.LString(out))
	return 1
}

// map(gpu, cpu, size)
func (r *Runner) luaMap(L *lua.LState) int {
	gpuAddr, cpuAddr, size := checkAddr(L, 1), checkAddr(L, 2), checkAddr(L, 3)
	if err := r.space.Map(gpuAddr, cpuAddr, size); err != nil {
		L.RaiseError("map: %v", err)
	}
	return 0
}

// cpu_write(addr, size) records a CPU write without touching memory.
func (r *Runner) luaCPUWrite(L *lua.LState) int {
	addr, size := checkAddr(L, 1), checkAddr(L, 2)
	r.locked(L, "cpu_write", func(c *buffercache.Cache) error {
		c.WriteMemory(addr, size)
		return nil
	})
	return 0
}

// bind_cbuf(stage, index, gpu, size)
func (r *Runner) luaBindConstBuffer(L *lua.LState) int {
	r.graphics.BindConstBuffer(L.CheckInt(1), L.CheckInt(2), checkAddr(L, 3), uint32(L.CheckInt(4)))
	return 0
}

// bind_uniform(stage, index, gpu, size)
func (r *Runner) luaBindUniform(L *lua.LState) int {
	stage, index := L.CheckInt(1), L.CheckInt(2)
	gpuAddr, size := checkAddr(L, 3), uint32(L.CheckInt(4))
	r.locked(L, "bind_uniform", func(c *buffercache.Cache) error {
		c.BindGraphicsUniformBuffer(stage, index, gpuAddr, size)
		return nil
	})
	return 0
}

// enable_uniforms(stage, mask [, size]) sets the slots a stage reads. With
// size every enabled slot is declared that large.
func (r *Runner) luaEnableUniforms(L *lua.LState) int {
	stage, mask := L.CheckInt(1), uint32(L.CheckInt64(2))
	if size := L.OptInt(3, 0); size > 0 {
		for i := range r.uniformSizes[stage] {
			if mask&(1<<i) != 0 {
				r.uniformSizes[stage][i] = uint32(size)
			}
		}
		r.sizedStages = true
	}
	r.uniformMasks[stage] = mask
	var sizes *buffercache.UniformBufferSizes
	if r.sizedStages {
		sizes = &r.uniformSizes
	}
	r.locked(L, "enable_uniforms", func(c *buffercache.Cache) error {
		c.SetUniformBuffersState(r.uniformMasks, sizes)
		return nil
	})
	return 0
}

// bind_storage(stage, index, cbuf, offset, written)
func (r *Runner) luaBindStorage(L *lua.LState) int {
	stage, index, cbuf := L.CheckInt(1), L.CheckInt(2), L.CheckInt(3)
	offset, written := uint32(L.CheckInt(4)), L.ToBool(5)
	r.locked(L, "bind_storage", func(c *buffercache.Cache) error {
		c.BindGraphicsStorageBuffer(stage, index, cbuf, offset, written)
		return nil
	})
	return 0
}

// bind_texture(stage, index, gpu, size, format, written)
func (r *Runner) luaBindTexture(L *lua.LState) int {
	stage, index := L.CheckInt(1), L.CheckInt(2)
	gpuAddr, size := checkAddr(L, 3), uint32(L.CheckInt(4))
	format, written := uint32(L.OptInt(5, 0)), L.ToBool(6)
	r.locked(L, "bind_texture", func(c *buffercache.Cache) error {
		c.BindGraphicsTextureBuffer(stage, index, gpuAddr, size, format, written)
		return nil
	})
	return 0
}

// bind_vertex(index, gpu, size, stride)
func (r *Runner) luaBindVertex(L *lua.LState) int {
	index, gpuAddr, size := L.CheckInt(1), checkAddr(L, 2), checkAddr(L, 3)
	r.graphics.SetVertexStream(index, engine.VertexStream{
		Enable:  size > 0,
		Address: gpuAddr,
		Limit:   gpuAddr + size,
		Stride:  uint32(L.CheckInt(4)),
	})
	return 0
}

// bind_index(gpu, count, format_size [, first])
func (r *Runner) luaBindIndex(L *lua.LState) int {
	gpuAddr, count, formatSize := checkAddr(L, 1), uint32(L.CheckInt(2)), uint32(L.CheckInt(3))
	first := uint32(L.OptInt(4, 0))
	r.graphics.SetIndexArray(engine.IndexArray{
		StartAddress: gpuAddr,
		EndAddress:   gpuAddr + uint64(count+first)*uint64(formatSize),
		First:        first,
		Count:        count,
		FormatSize:   formatSize,
	})
	return 0
}

// draw_indirect(buffer, size [, count]) makes the next draws indirect; with
// no arguments it restores direct draws.
func (r *Runner) luaDrawIndirect(L *lua.LState) int {
	var di *engine.DrawIndirect
	if L.GetTop() > 0 {
		r.drawIndirect = engine.DrawIndirect{
			Enabled:       true,
			BufferAddress: checkAddr(L, 1),
			BufferSize:    checkAddr(L, 2),
		}
		if L.GetTop() > 2 {
			r.drawIndirect.IncludeCount = true
			r.drawIndirect.CountAddress = checkAddr(L, 3)
		}
		di = &r.drawIndirect
	}
	r.locked(L, "draw_indirect", func(c *buffercache.Cache) error {
		c.SetDrawIndirect(di)
		return nil
	})
	return 0
}

// draw(indexed)
func (r *Runner) luaDraw(L *lua.LState) int {
	indexed := L.ToBool(1)
	r.locked(L, "draw", func(c *buffercache.Cache) error {
		if err := c.UpdateGraphicsBuffers(indexed); err != nil {
			return err
		}
		if err := c.BindHostGeometryBuffers(indexed); err != nil {
			return err
		}
		for stage := 0; stage < buffercache.NumStages; stage++ {
			if err := c.BindHostStageBuffers(stage); err != nil {
				return err
			}
		}
		return nil
	})
	r.draws++
	return 0
}

// bind_compute_cbuf(index, gpu, size)
func (r *Runner) luaBindComputeConstBuffer(L *lua.LState) int {
	r.compute.BindConstBuffer(L.CheckInt(1), checkAddr(L, 2), uint32(L.CheckInt(3)))
	return 0
}

// enable_compute_uniform(mask)
func (r *Runner) luaEnableComputeUniforms(L *lua.LState) int {
	mask := uint32(L.CheckInt64(1))
	r.locked(L, "enable_compute_uniform", func(c *buffercache.Cache) error {
		c.SetComputeUniformBufferState(mask, nil)
		return nil
	})
	return 0
}

// bind_compute_storage(index, cbuf, offset, written)
func (r *Runner) luaBindComputeStorage(L *lua.LState) int {
	index, cbuf := L.CheckInt(1), L.CheckInt(2)
	offset, written := uint32(L.CheckInt(3)), L.ToBool(4)
	r.locked(L, "bind_compute_storage", func(c *buffercache.Cache) error {
		c.BindComputeStorageBuffer(index, cbuf, offset, written)
		return nil
	})
	return 0
}

// dispatch()
func (r *Runner) luaDispatch(L *lua.LState) int {
	r.locked(L, "dispatch", func(c *buffercache.Cache) error {
		if err := c.UpdateComputeBuffers(); err != nil {
			return err
		}
		return c.BindHostComputeBuffers()
	})
	r.dispatches++
	return 0
}

// gpu_write(addr, size, byte) stands in for a shader store: the bytes are
// filled on the device and the range becomes GPU-modified.
func (r *Runner) luaGPUWrite(L *lua.LState) int {
	addr, size := checkAddr(L, 1), checkAddr(L, 2)
	value := uint32(byte(L.CheckInt(3))) * 0x01010101
	r.locked(L, "gpu_write", func(c *buffercache.Cache) error {
		buf, offset, err := c.ObtainCPUBuffer(addr, uint32(size), buffercache.ObtainFullSynchronize, buffercache.ObtainMarkAsWritten)
		if err != nil {
			return err
		}
		return c.Runtime().ClearBuffer(buf, offset, size, value)
	})
	return 0
}

// gpu_modified(addr, size)
func (r *Runner) luaGPUModified(L *lua.LState) int {
	addr, size := checkAddr(L, 1), checkAddr(L, 2)
	r.cache.Lock()
	modified := r.cache.IsRegionGpuModified(addr, size)
	r.cache.Unlock()
	L.Push(lua.LBool(modified))
	return 1
}

// dma_copy(src, dst, size) returns whether the cache performed the copy on
// the device. Otherwise the copy goes through guest memory.
func (r *Runner) luaDMACopy(L *lua.LState) int {
	src, dst, size := checkAddr(L, 1), checkAddr(L, 2), checkAddr(L, 3)
	var handled bool
	r.locked(L, "dma_copy", func(c *buffercache.Cache) error {
		var err error
		if handled, err = c.DMACopy(src, dst, size); err != nil || handled {
			return err
		}
		cpuSrc, ok1 := r.space.GpuToCpuAddress(src)
		cpuDst, ok2 := r.space.GpuToCpuAddress(dst)
		if !ok1 || !ok2 {
			return errors.Wrapf(memory.ErrUnmapped, "dma copy %#x -> %#x", src, dst)
		}
		tmp := make([]byte, size)
		r.guest.ReadBlock(cpuSrc, tmp)
		return r.cpuWrite(c, cpuDst, tmp)
	})
	L.Push(lua.LBool(handled))
	return 1
}

// dma_clear(dst, words, value)
func (r *Runner) luaDMAClear(L *lua.LState) int {
	dst, words := checkAddr(L, 1), checkAddr(L, 2)
	value := uint32(L.CheckInt64(3))
	var handled bool
	r.locked(L, "dma_clear", func(c *buffercache.Cache) error {
		var err error
		if handled, err = c.DMAClear(dst, words, value); err != nil || handled {
			return err
		}
		cpuDst, ok := r.space.GpuToCpuAddress(dst)
		if !ok {
			return errors.Wrapf(memory.ErrUnmapped, "dma clear %#x", dst)
		}
		data := make([]byte, words*4)
		for i := range data {
			data[i] = byte(value >> (8 * (i & 3)))
		}
		return r.cpuWrite(c, cpuDst, data)
	})
	L.Push(lua.LBool(handled))
	return 1
}

// commit()
func (r *Runner) luaCommit(L *lua.LState) int {
	r.locked(L, "commit", func(c *buffercache.Cache) error { return c.CommitAsyncFlushes() })
	return 0
}

// pop()
func (r *Runner) luaPop(L *lua.LState) int {
	r.locked(L, "pop", func(c *buffercache.Cache) error {
		c.PopAsyncFlushes()
		return nil
	})
	return 0
}

// tick([frames])
func (r *Runner) luaTick(L *lua.LState) int {
	frames := L.OptInt(1, 1)
	r.locked(L, "tick", func(c *buffercache.Cache) error {
		for i := 0; i < frames; i++ {
			c.TickFrame()
		}
		return nil
	})
	return 0
}

// download(addr, size)
func (r *Runner) luaDownload(L *lua.LState) int {
	addr, size := checkAddr(L, 1), checkAddr(L, 2)
	r.locked(L, "download", func(c *buffercache.Cache) error { return c.DownloadMemory(addr, size) })
	return 0
}

// stats() returns the cache counters as a table.
func (r *Runner) luaStats(L *lua.LState) int {
	r.cache.Lock()
	s := r.cache.Stats()
	r.cache.Unlock()

	t := L.NewTable()
	for k, v := range map[string]int64{
		"buffers":             int64(s.Buffers),
		"created":             s.CreatedBuffers,
		"deleted":             s.DeletedBuffers,
		"merged":              s.MergedBuffers,
		"stream_leaps":        s.StreamLeaps,
		"uploads":             s.Uploads,
		"upload_bytes":        s.UploadBytes,
		"downloads":           s.Downloads,
		"download_bytes":      s.DownloadBytes,
		"fast_uniform_pushes": s.FastUniformPushes,
		"gc_evicted":          s.GCEvicted,
		"frame":               int64(s.FrameTick),
	} {
		t.RawSetString(k, lua.LNumber(v))
	}
	L.Push(t)
	return 1
}

// expect(cond, msg)
func (r *Runner) luaExpect(L *lua.LState) int {
	r.expectations++
	if !L.ToBool(1) {
		L.RaiseError("expectation failed: %s", L.OptString(2, "(no message)"))
	}
	return 0
}
