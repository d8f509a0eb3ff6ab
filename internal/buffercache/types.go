package buffercache

import (
	"github.com/ourfavoritefruits/yuzu-sub001/internal/engine"
)

// BufferID is a stable handle to a cached buffer.
type BufferID uint32

const (
	// InvalidBufferID marks a binding that has not been resolved yet.
	InvalidBufferID BufferID = 0
	// NullBufferID is the zero-sized buffer unmapped bindings resolve to.
	NullBufferID BufferID = 1
)

const (
	NumStages                   = engine.NumStages
	NumVertexBuffers            = engine.NumVertexBuffers
	NumTransformFeedbackBuffers = engine.NumTransformFeedbackBuffers
	NumGraphicsUniformBuffers   = engine.NumConstBuffers
	NumComputeUniformBuffers    = 8
	NumStorageBuffers           = 16
	NumTextureBuffers           = 16
)

// Binding attaches a guest range to one pipeline slot.
type Binding struct {
	CPUAddr  uint64
	Size     uint32
	BufferID BufferID
}

// NullBinding is the unbound sentinel.
var NullBinding = Binding{BufferID: NullBufferID}

// TextureBufferBinding is a Binding with a texel format.
type TextureBufferBinding struct {
	Binding
	Format uint32
}

// UniformBufferSizes holds the shader-declared size of every uniform slot.
type UniformBufferSizes [NumStages][NumGraphicsUniformBuffers]uint32

// ComputeUniformBufferSizes holds the declared size of every compute uniform.
type ComputeUniformBufferSizes [NumComputeUniformBuffers]uint32

// ObtainSynchronize selects how ObtainBuffer synchronizes the range.
type ObtainSynchronize int

const (
	ObtainNoSynchronize ObtainSynchronize = iota
	ObtainFullSynchronize
	// ObtainSynchronizeNoDirty uploads CPU data without clobbering GPU
	// writes that have not been downloaded.
	ObtainSynchronizeNoDirty
)

// ObtainOperation is applied to the range after ObtainBuffer synchronizes it.
type ObtainOperation int

const (
	ObtainDoNothing ObtainOperation = iota
	ObtainMarkAsWritten
	ObtainDiscardWrite
)

// FlushArea is the page-aligned area a caller should download before reading
// guest memory.
type FlushArea struct {
	Start      uint64
	End        uint64
	Preemptive bool
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Buffers         int
	TotalUsedMemory uint64
	MinimumMemory   uint64
	CriticalMemory  uint64
	FrameTick       uint64

	CreatedBuffers int64
	DeletedBuffers int64
	MergedBuffers  int64
	StreamLeaps    int64

	Uploads       int64
	UploadBytes   int64
	Downloads     int64
	DownloadBytes int64
	SyncHits      int64
	SyncMisses    int64

	FastUniformPushes int64
	SkipCacheSize     uint32

	GCRuns    int64
	GCEvicted int64

	AsyncCommits int64
	AsyncPops    int64

	// UploadSizes holds the sizes of the most recent uploads.
	UploadSizes []float64
}
