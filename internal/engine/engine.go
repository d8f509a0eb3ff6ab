// Package engine holds the register snapshots of the 3D and compute engines
// that the buffer cache resolves bindings from.
package engine

const (
	NumStages                   = 5
	NumConstBuffers             = 18
	NumVertexBuffers            = 32
	NumTransformFeedbackBuffers = 4
)

// Flag is one dirty bit.
type Flag uint

const (
	IndexBuffer Flag = iota
	VertexBuffers
	vertexBuffer0
	numFlags = vertexBuffer0 + NumVertexBuffers
)

// VertexBuffer returns the dirty flag of vertex stream index.
func VertexBuffer(index int) Flag {
	return vertexBuffer0 + Flag(index)
}

// DirtyFlags is the set of register groups changed since the cache last
// consumed them.
type DirtyFlags uint64

func (d *DirtyFlags) Set(f Flag)      { *d |= 1 << f }
func (d *DirtyFlags) Clear(f Flag)    { *d &^= 1 << f }
func (d DirtyFlags) Test(f Flag) bool { return d&(1<<f) != 0 }
func (d *DirtyFlags) SetAll()         { *d = 1<<numFlags - 1 }

// IndexArray describes the bound index buffer.
type IndexArray struct {
	StartAddress uint64
	EndAddress   uint64 // exclusive
	First        uint32
	Count        uint32
	FormatSize   uint32 // 1, 2 or 4 bytes
}

// VertexStream describes one vertex buffer binding.
type VertexStream struct {
	Enable  bool
	Address uint64
	Limit   uint64 // exclusive end address
	Stride  uint32
}

// TransformFeedbackBuffer is one transform feedback output.
type TransformFeedbackBuffer struct {
	Enable  bool
	Address uint64
	Size    uint32
	Offset  uint32
}

// ConstBuffer is one bound constant buffer of a stage.
type ConstBuffer struct {
	Enabled bool
	Address uint64
	Size    uint32
}

// DrawIndirect describes the arguments of an indirect draw.
type DrawIndirect struct {
	Enabled       bool
	IncludeCount  bool
	CountAddress  uint64
	BufferAddress uint64
	BufferSize    uint64
}

// Graphics is the 3D engine register state.
type Graphics struct {
	Dirty DirtyFlags

	Index                   IndexArray
	Vertex                  [NumVertexBuffers]VertexStream
	TransformFeedbackEnable bool
	TransformFeedback       [NumTransformFeedbackBuffers]TransformFeedbackBuffer
	ConstBuffers            [NumStages][NumConstBuffers]ConstBuffer
	DrawIndirect            DrawIndirect
}

// NewGraphics returns a register block with every group dirty.
func NewGraphics() *Graphics {
	g := &Graphics{}
	g.Dirty.SetAll()
	return g
}

// SetIndexArray updates the index buffer registers.
func (g *Graphics) SetIndexArray(ia IndexArray) {
	g.Index = ia
	g.Dirty.Set(IndexBuffer)
}

// SetVertexStream updates one vertex stream.
func (g *Graphics) SetVertexStream(index int, vs VertexStream) {
	g.Vertex[index] = vs
	g.Dirty.Set(VertexBuffers)
	g.Dirty.Set(VertexBuffer(index))
}

// BindConstBuffer points a stage's constant buffer slot at gpuAddr.
func (g *Graphics) BindConstBuffer(stage, index int, gpuAddr uint64, size uint32) {
	g.ConstBuffers[stage][index] = ConstBuffer{Enabled: gpuAddr != 0, Address: gpuAddr, Size: size}
}

// Compute is the compute engine launch state.
type Compute struct {
	ConstBuffers    [NumConstBuffers]ConstBuffer
	ConstBufferMask uint32
}

// BindConstBuffer sets a compute constant buffer and its enable bit.
func (c *Compute) BindConstBuffer(index int, gpuAddr uint64, size uint32) {
	c.ConstBuffers[index] = ConstBuffer{Enabled: gpuAddr != 0, Address: gpuAddr, Size: size}
	if gpuAddr != 0 {
		c.ConstBufferMask |= 1 << index
	} else {
		c.ConstBufferMask &^= 1 << index
	}
}
