package buffercache

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/engine"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
)

func callsOfKind(calls []gpu.BindCall, kind gpu.BindKind) []gpu.BindCall {
	var out []gpu.BindCall
	for _, call := range calls {
		if call.Kind == kind {
			out = append(out, call)
		}
	}
	return out
}

func TestUniformFastPath(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[0].opts)
	c := env.cache
	env.guest.Fill(0x80000, 0x100, 0x3c)

	c.BindGraphicsUniformBuffer(0, 0, 0x80000, 0x100)
	c.SetUniformBuffersState([NumStages]uint32{1}, nil)
	if err := c.UpdateGraphicsBuffers(false); err != nil {
		t.Fatalf("UpdateGraphicsBuffers: %v", err)
	}
	if err := c.BindHostStageBuffers(0); err != nil {
		t.Fatalf("BindHostStageBuffers: %v", err)
	}

	calls := env.rt.BindCalls()
	fast := callsOfKind(calls, gpu.BindFastUniform)
	if len(fast) != 1 || fast[0].Size != 0x100 {
		t.Fatalf("fast binds = %+v", fast)
	}
	if got := env.rt.FastUniformData(0, 0); !bytes.Equal(got, bytes.Repeat([]byte{0x3c}, 0x100)) {
		t.Errorf("pushed data = % x", got)
	}
	if c.Stats().FastUniformPushes != 1 {
		t.Errorf("fast pushes = %d", c.Stats().FastUniformPushes)
	}

	// Once the GPU writes the range it has to come from the cached buffer.
	c.MarkWrittenBuffer(0x80000, 0x100)
	if err := c.BindHostStageBuffers(0); err != nil {
		t.Fatal(err)
	}
	bound := callsOfKind(env.rt.BindCalls(), gpu.BindUniform)
	if len(bound) != 1 || bound[0].Size != 0x100 || bound[0].Offset != 0 {
		t.Fatalf("uniform binds = %+v", bound)
	}
}

func TestUniformRebindOnlyWhenNeeded(t *testing.T) {
	params := DefaultParams()
	params.SkipCacheSize = 0
	env := newTestEnv(t, params, runtimeModes[0].opts)
	c := env.cache

	sizes := &UniformBufferSizes{}
	sizes[2][1] = 0x40
	c.BindGraphicsUniformBuffer(2, 1, 0x80000, 0x100)
	c.SetUniformBuffersState([NumStages]uint32{2: 1 << 1}, sizes)
	c.UpdateGraphicsBuffers(false)
	c.BindHostStageBuffers(2)

	bound := callsOfKind(env.rt.BindCalls(), gpu.BindUniform)
	if len(bound) != 1 || bound[0].Stage != 2 || bound[0].Index != 1 || bound[0].Size != 0x40 {
		t.Fatalf("uniform binds = %+v", bound)
	}

	c.BindHostStageBuffers(2)
	if bound := callsOfKind(env.rt.BindCalls(), gpu.BindUniform); len(bound) != 0 {
		t.Errorf("clean slot rebound: %+v", bound)
	}
}

func TestStorageBufferDescriptor(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[0].opts)
	c := env.cache

	var desc [12]byte
	binary.LittleEndian.PutUint64(desc[:8], 0xb0010)
	binary.LittleEndian.PutUint32(desc[8:], 0x80)
	env.guest.WriteBlock(0xa0010, desc[:])
	env.guest.WriteBlock(0xa0020, desc[:])
	env.graphics.BindConstBuffer(1, 0, 0xa0000, 0x100)

	c.BindGraphicsStorageBuffer(1, 0, 0, 0x10, true)
	c.BindGraphicsStorageBuffer(1, 1, 0, 0x20, false)
	if err := c.UpdateGraphicsBuffers(false); err != nil {
		t.Fatal(err)
	}
	if !c.IsRegionGpuModified(0xb0010, 0x80) {
		t.Error("written storage buffer should be GPU-modified")
	}
	if err := c.BindHostStageBuffers(1); err != nil {
		t.Fatal(err)
	}

	storage := callsOfKind(env.rt.BindCalls(), gpu.BindStorage)
	if len(storage) != 2 {
		t.Fatalf("storage binds = %+v", storage)
	}
	tests := []struct {
		index   int
		size    uint64
		written bool
	}{
		{0, 0x80, true},
		// Read-only ranges extend to the end of the guest page.
		{1, 0xff0, false},
	}
	for i, tt := range tests {
		call := storage[i]
		if call.Index != tt.index || call.Size != tt.size || call.Written != tt.written || call.Offset != 0x10 {
			t.Errorf("bind %d = %+v", i, call)
		}
	}
}

func TestGeometryBuffers(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[1].opts)
	c := env.cache
	g := env.graphics

	g.SetIndexArray(engine.IndexArray{StartAddress: 0x41000, EndAddress: 0x42000, First: 4, Count: 12, FormatSize: 2})
	g.SetVertexStream(3, engine.VertexStream{Enable: true, Address: 0x61000, Limit: 0x61400, Stride: 16})
	g.TransformFeedbackEnable = true
	g.TransformFeedback[0] = engine.TransformFeedbackBuffer{Enable: true, Address: 0x71000, Size: 0x200}

	if err := c.UpdateGraphicsBuffers(true); err != nil {
		t.Fatal(err)
	}
	if err := c.BindHostGeometryBuffers(true); err != nil {
		t.Fatal(err)
	}
	calls := env.rt.BindCalls()

	index := callsOfKind(calls, gpu.BindIndex)
	// 16 indices of 2 bytes, skipping the first 4.
	if len(index) != 1 || index[0].Offset != 0x1008 || index[0].Size != 0x18 || index[0].Extra != 2 {
		t.Errorf("index binds = %+v", index)
	}
	vertex := callsOfKind(calls, gpu.BindVertex)
	if len(vertex) != 32 {
		t.Fatalf("expected every dirty stream bound, got %d", len(vertex))
	}
	if v := vertex[3]; v.Index != 3 || v.Offset != 0x1000 || v.Size != 0x400 || v.Extra != 16 {
		t.Errorf("vertex bind = %+v", v)
	}
	feedback := callsOfKind(calls, gpu.BindTransformFeedback)
	if len(feedback) != 4 || feedback[0].Size != 0x200 {
		t.Errorf("transform feedback binds = %+v", feedback)
	}
	if !c.IsRegionGpuModified(0x71000, 0x200) {
		t.Error("transform feedback output should be GPU-modified")
	}

	// Clean vertex streams are not bound again.
	c.UpdateGraphicsBuffers(true)
	c.BindHostGeometryBuffers(true)
	if vertex := callsOfKind(env.rt.BindCalls(), gpu.BindVertex); len(vertex) != 0 {
		t.Errorf("clean streams rebound: %d", len(vertex))
	}
}

func TestDrawIndirect(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[0].opts)
	c := env.cache

	c.SetDrawIndirect(&engine.DrawIndirect{Enabled: true, IncludeCount: true, CountAddress: 0x91004, BufferAddress: 0x91100, BufferSize: 0x40})
	if err := c.UpdateGraphicsBuffers(false); err != nil {
		t.Fatal(err)
	}
	if err := c.BindHostGeometryBuffers(false); err != nil {
		t.Fatal(err)
	}
	count, countOffset := c.GetDrawIndirectCount()
	args, argsOffset := c.GetDrawIndirectBuffer()
	if count != args {
		t.Error("count and arguments in one page should share a buffer")
	}
	if countOffset != 0x1004 || argsOffset != 0x1100 {
		t.Errorf("offsets = %#x, %#x", countOffset, argsOffset)
	}
}

func TestComputeBuffers(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[0].opts)
	c := env.cache

	env.compute.BindConstBuffer(0, 0xc0000, 0x100)
	var desc [12]byte
	binary.LittleEndian.PutUint64(desc[:8], 0xd0000)
	binary.LittleEndian.PutUint32(desc[8:], 0x1000)
	env.guest.WriteBlock(0xc0040, desc[:])

	c.SetComputeUniformBufferState(1, nil)
	c.BindComputeStorageBuffer(0, 0, 0x40, true)
	c.BindComputeStorageBuffer(1, 5, 0, false)
	c.BindComputeTextureBuffer(0, 0xe0000, 0x100, 7, false)

	if err := c.UpdateComputeBuffers(); err != nil {
		t.Fatal(err)
	}
	if err := c.BindHostComputeBuffers(); err != nil {
		t.Fatal(err)
	}
	calls := env.rt.BindCalls()
	for _, call := range calls {
		if call.Stage != gpu.ComputeStage {
			t.Errorf("compute bind on stage %d", call.Stage)
		}
	}
	if u := callsOfKind(calls, gpu.BindUniform); len(u) != 1 || u[0].Size != 0x100 {
		t.Errorf("uniform binds = %+v", u)
	}
	// The descriptor in the disabled constant buffer is ignored.
	if s := callsOfKind(calls, gpu.BindStorage); len(s) != 1 || s[0].Size != 0x1000 || !s[0].Written {
		t.Errorf("storage binds = %+v", s)
	}
	if tex := callsOfKind(calls, gpu.BindTexture); len(tex) != 1 || tex[0].Extra != 7 {
		t.Errorf("texture binds = %+v", tex)
	}
	if !c.IsRegionGpuModified(0xd0000, 0x1000) {
		t.Error("written compute storage should be GPU-modified")
	}
}

func TestBindingsSurviveMerge(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[0].opts)
	c := env.cache

	c.BindGraphicsUniformBuffer(0, 0, 0x81000, 0x100)
	c.SetUniformBuffersState([NumStages]uint32{1}, nil)
	if err := c.UpdateGraphicsBuffers(false); err != nil {
		t.Fatal(err)
	}
	old := c.ch.uniformBuffers[0][0].BufferID

	merged, _ := c.CreateBuffer(0x7f000, 0x4000)
	if got := c.ch.uniformBuffers[0][0].BufferID; got != InvalidBufferID {
		t.Fatalf("binding still points at deleted buffer %d (was %d)", got, old)
	}
	if err := c.UpdateGraphicsBuffers(false); err != nil {
		t.Fatal(err)
	}
	if got := c.ch.uniformBuffers[0][0].BufferID; got != merged {
		t.Errorf("binding resolved to %d, want %d", got, merged)
	}
}

func TestChannels(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[0].opts)
	c := env.cache

	if err := c.BindToChannel(42); err == nil {
		t.Error("binding an unknown channel should fail")
	}
	second := c.CreateChannel(engine.NewGraphics(), &engine.Compute{}, env.space)
	if err := c.BindToChannel(second); err != nil {
		t.Fatal(err)
	}
	c.EraseChannel(second)
	if err := c.UpdateGraphicsBuffers(false); err == nil {
		t.Error("update without a bound channel should fail")
	}
}

func TestComputeUniformZeroSizeDoesNotAllocate(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[0].opts)
	c := env.cache

	env.compute.BindConstBuffer(0, 0x20000, 0)
	c.SetComputeUniformBufferState(1, nil)

	before := c.Stats()
	for i := 0; i < 10; i++ {
		if err := c.UpdateComputeBuffers(); err != nil {
			t.Fatalf("UpdateComputeBuffers: %v", err)
		}
		if err := c.BindHostComputeBuffers(); err != nil {
			t.Fatalf("BindHostComputeBuffers: %v", err)
		}
	}
	after := c.Stats()
	if after.CreatedBuffers != before.CreatedBuffers || after.Buffers != before.Buffers {
		t.Errorf("dispatches allocated buffers: created %d -> %d, live %d -> %d",
			before.CreatedBuffers, after.CreatedBuffers, before.Buffers, after.Buffers)
	}
	for _, call := range callsOfKind(env.rt.BindCalls(), gpu.BindUniform) {
		if call.Size != 0 {
			t.Errorf("empty uniform bound with size %#x", call.Size)
		}
	}
}

func TestStorageBufferDescriptorSize(t *testing.T) {
	tests := []struct {
		name     string
		sizeWord uint32
	}{
		// Zero falls back to the mapped size of the address.
		{"mapped size", 0},
		{"clamped", 0xffffffff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, DefaultParams(), runtimeModes[0].opts)
			c := env.cache

			var desc [12]byte
			binary.LittleEndian.PutUint64(desc[:8], 0xb0000)
			binary.LittleEndian.PutUint32(desc[8:], tt.sizeWord)
			env.guest.WriteBlock(0xa0010, desc[:])
			env.graphics.BindConstBuffer(1, 0, 0xa0000, 0x100)

			c.BindGraphicsStorageBuffer(1, 0, 0, 0x10, true)
			if err := c.UpdateGraphicsBuffers(false); err != nil {
				t.Fatal(err)
			}
			if err := c.BindHostStageBuffers(1); err != nil {
				t.Fatal(err)
			}

			storage := callsOfKind(env.rt.BindCalls(), gpu.BindStorage)
			if len(storage) != 1 {
				t.Fatalf("storage binds = %+v", storage)
			}
			if storage[0].Size != 0x800000 || storage[0].Offset != 0 || !storage[0].Written {
				t.Errorf("bind = %+v, want size 0x800000 at offset 0", storage[0])
			}
		})
	}
}
