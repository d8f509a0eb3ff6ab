package gpu

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrUnavailable is returned when a backend cannot be initialized.
	ErrUnavailable = errors.New("graphics backend unavailable")

	// ErrOutOfMemory is returned when a host allocation fails.
	ErrOutOfMemory = errors.New("host buffer allocation failed")
)

// Shader stages addressed by the Binder. Compute bindings use ComputeStage.
const (
	NumGraphicsStages = 5
	ComputeStage      = NumGraphicsStages
)

// BufferCopy describes one contiguous sub-copy of a batched transfer.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// StagingRef is a host-visible staging region. Mapped starts at Offset within
// Buffer.
type StagingRef struct {
	Mapped []byte
	Buffer Buffer
	Offset uint64

	handle stagingHandle
}

// Capabilities describe which transfer strategies a runtime prefers.
type Capabilities struct {
	// MappedUploads stages uploads through mapped memory and one batched copy.
	MappedUploads bool

	// MemoryMaps downloads through mapped staging memory followed by Finish.
	MemoryMaps bool

	// AsyncDownloads allows deferred downloads popped on a later frame.
	AsyncDownloads bool
}

// Allocator creates and clears host buffer objects.
type Allocator interface {
	// CreateBuffer allocates a device buffer of size bytes.
	CreateBuffer(size uint64) (Buffer, error)

	// ClearBuffer fills [offset, offset+size) of buf with the 32-bit value.
	ClearBuffer(buf Buffer, offset, size uint64, value uint32) error
}

// Transfer moves bytes between guest-visible memory and device buffers.
type Transfer interface {
	UploadStagingBuffer(size uint64) (StagingRef, error)

	// DownloadStagingBuffer returns staging memory for readback. Deferred
	// staging stays valid until FreeDeferredStagingBuffer.
	DownloadStagingBuffer(size uint64, deferred bool) (StagingRef, error)
	FreeDeferredStagingBuffer(ref StagingRef)

	// CopyBuffer executes copies from src into dst.
	CopyBuffer(dst, src Buffer, copies []BufferCopy, barrier bool) error

	ImmediateUpload(dst Buffer, offset uint64, data []byte) error
	ImmediateDownload(src Buffer, offset uint64, dst []byte) error

	// Finish blocks until all submitted work has completed.
	Finish() error
}

// Binder issues host binding calls.
type Binder interface {
	BindIndexBuffer(buf Buffer, offset, size uint64, formatSize uint32)
	BindVertexBuffer(index int, buf Buffer, offset, size uint64, stride uint32)
	BindUniformBuffer(stage, index int, buf Buffer, offset, size uint64)
	BindFastUniformBuffer(stage, index int, size uint32)
	PushFastUniformBuffer(stage, index int, data []byte)
	BindStorageBuffer(stage, index int, buf Buffer, offset, size uint64, written bool)
	BindTextureBuffer(stage, index int, buf Buffer, offset, size uint64, format uint32)
	BindTransformFeedbackBuffer(index int, buf Buffer, offset, size uint64)
}

// MemoryReporter exposes device memory introspection.
type MemoryReporter interface {
	CanReportMemoryUsage() bool
	GetDeviceMemoryUsage() uint64

	// GetDeviceLocalMemory returns the device-local heap size, or 0 when unknown.
	GetDeviceLocalMemory() uint64
}

// Runtime is the host graphics backend the buffer cache drives.
type Runtime interface {
	Allocator
	Transfer
	Binder
	MemoryReporter

	// Type returns the backend type
	Type() BackendType

	// Name returns a human-readable backend name
	Name() string

	Capabilities() Capabilities

	// TickFrame advances per-frame resources such as staging rings.
	TickFrame()

	// Free releases the runtime and all associated resources
	Free() error
}

// BackendType identifies a Runtime implementation
type BackendType int

const (
	BackendMemory BackendType = iota
	BackendVulkan
)

func (bt BackendType) String() string {
	switch bt {
	case BackendMemory:
		return "memory"
	case BackendVulkan:
		return "vulkan"
	default:
		return "unknown"
	}
}

// ParseBackend maps a configuration name to a backend. "auto" prefers Vulkan.
func ParseBackend(name string) (BackendType, bool, error) {
	switch strings.ToLower(name) {
	case "", "memory":
		return BackendMemory, false, nil
	case "vulkan":
		return BackendVulkan, false, nil
	case "auto":
		return BackendVulkan, true, nil
	default:
		return 0, false, fmt.Errorf("unknown backend: %q", name)
	}
}

// NewRuntime creates the runtime named by backend. With "auto" the memory
// runtime is used when Vulkan cannot be initialized.
func NewRuntime(backend string, opts MemoryRuntimeOptions) (Runtime, error) {
	bt, fallback, err := ParseBackend(backend)
	if err != nil {
		return nil, err
	}

	switch bt {
	case BackendVulkan:
		rt, err := NewVulkanRuntime(opts.StagingSize)
		if err == nil {
			return rt, nil
		}
		if !fallback {
			return nil, err
		}
		// Fall back to the memory runtime if Vulkan initialization fails
		return NewMemoryRuntime(opts)
	default:
		return NewMemoryRuntime(opts)
	}
}
