package gpu

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"
)

// MemoryRuntimeOptions configures the CPU-backed runtime
type MemoryRuntimeOptions struct {
	MappedUploads     bool
	MemoryMaps        bool
	AsyncDownloads    bool
	StagingSize       uint64
	DeviceLocalMemory uint64 // 0 leaves the device heap unknown
	ReportMemoryUsage bool
	MaxBufferSize     uint64 // 0 means unlimited
}

// DefaultMemoryRuntimeOptions returns options matching a typical discrete GPU
func DefaultMemoryRuntimeOptions() MemoryRuntimeOptions {
	return MemoryRuntimeOptions{
		MappedUploads:     true,
		MemoryMaps:        true,
		AsyncDownloads:    true,
		StagingSize:       32 << 20,
		DeviceLocalMemory: 0,
		ReportMemoryUsage: false,
	}
}

// RuntimeStats counts work submitted to a runtime
type RuntimeStats struct {
	BuffersCreated     int64
	BuffersFreed       int64
	LiveBytes          int64
	Clears             int64
	CopyCalls          int64
	CopiedBytes        int64
	ImmediateUploads   int64
	ImmediateDownloads int64
	Finishes           int64
	Staging            PoolStats
}

// MemoryRuntime implements Runtime with host memory. It executes every
// operation synchronously and records bind calls for inspection.
type MemoryRuntime struct {
	bindRecorder

	opts    MemoryRuntimeOptions
	staging *StagingPool
	name    string

	mu     sync.Mutex
	stats  RuntimeStats
	copies []CopyCall
}

// CopyCall is one recorded CopyBuffer submission.
type CopyCall struct {
	Dst, Src Buffer
	Copies   []BufferCopy
}

// NewMemoryRuntime creates a CPU-backed runtime
func NewMemoryRuntime(opts MemoryRuntimeOptions) (*MemoryRuntime, error) {
	if opts.StagingSize == 0 {
		return nil, fmt.Errorf("staging size must be positive")
	}
	rt := &MemoryRuntime{
		opts: opts,
		name: fmt.Sprintf("Memory (%s)", runtime.GOARCH),
	}
	ring := newHostBuffer(opts.StagingSize)
	rt.staging = NewStagingPool(ring, ring.data, func(size uint64) (Buffer, []byte, error) {
		buf := newHostBuffer(size)
		return buf, buf.data, nil
	})
	return rt, nil
}

func (rt *MemoryRuntime) Type() BackendType { return BackendMemory }
func (rt *MemoryRuntime) Name() string      { return rt.name }

func (rt *MemoryRuntime) Capabilities() Capabilities {
	return Capabilities{
		MappedUploads:  rt.opts.MappedUploads,
		MemoryMaps:     rt.opts.MemoryMaps,
		AsyncDownloads: rt.opts.AsyncDownloads,
	}
}

func (rt *MemoryRuntime) CreateBuffer(size uint64) (Buffer, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.opts.MaxBufferSize > 0 && size > rt.opts.MaxBufferSize {
		return nil, errors.Wrapf(ErrOutOfMemory, "buffer of %d bytes exceeds limit %d", size, rt.opts.MaxBufferSize)
	}
	rt.stats.BuffersCreated++
	rt.stats.LiveBytes += int64(size)
	return &trackedBuffer{hostBuffer: newHostBuffer(size), rt: rt}, nil
}

func (rt *MemoryRuntime) ClearBuffer(buf Buffer, offset, size uint64, value uint32) error {
	hb, err := asHost(buf)
	if err != nil {
		return err
	}
	hb.mu.Lock()
	defer hb.mu.Unlock()

	dst, err := hb.span(offset, size)
	if err != nil {
		return errors.Wrap(err, "clearing buffer")
	}
	pattern := [4]byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}
	for i := range dst {
		dst[i] = pattern[i&3]
	}

	rt.mu.Lock()
	rt.stats.Clears++
	rt.mu.Unlock()
	return nil
}

func (rt *MemoryRuntime) UploadStagingBuffer(size uint64) (StagingRef, error) {
	return rt.staging.Allocate(size, true)
}

func (rt *MemoryRuntime) DownloadStagingBuffer(size uint64, deferred bool) (StagingRef, error) {
	return rt.staging.Allocate(size, !deferred)
}

func (rt *MemoryRuntime) FreeDeferredStagingBuffer(ref StagingRef) {
	rt.staging.Release(ref)
}

func (rt *MemoryRuntime) CopyBuffer(dst, src Buffer, copies []BufferCopy, barrier bool) error {
	dstBuf, err := asHost(dst)
	if err != nil {
		return errors.Wrap(err, "copy destination")
	}
	srcBuf, err := asHost(src)
	if err != nil {
		return errors.Wrap(err, "copy source")
	}

	var copied uint64
	for _, c := range copies {
		if err := copyHost(dstBuf, srcBuf, c); err != nil {
			return err
		}
		copied += c.Size
	}

	rt.mu.Lock()
	rt.stats.CopyCalls++
	rt.stats.CopiedBytes += int64(copied)
	rt.copies = append(rt.copies, CopyCall{Dst: dst, Src: src, Copies: append([]BufferCopy(nil), copies...)})
	rt.mu.Unlock()
	return nil
}

// CopyCalls returns the recorded copy submissions and clears the log.
func (rt *MemoryRuntime) CopyCalls() []CopyCall {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	calls := rt.copies
	rt.copies = nil
	return calls
}

func copyHost(dst, src *hostBuffer, c BufferCopy) error {
	if dst == src {
		dst.mu.Lock()
		defer dst.mu.Unlock()
	} else {
		dst.mu.Lock()
		defer dst.mu.Unlock()
		src.mu.RLock()
		defer src.mu.RUnlock()
	}

	to, err := dst.span(c.DstOffset, c.Size)
	if err != nil {
		return errors.Wrap(err, "copy destination range")
	}
	from, err := src.span(c.SrcOffset, c.Size)
	if err != nil {
		return errors.Wrap(err, "copy source range")
	}
	copy(to, from)
	return nil
}

func (rt *MemoryRuntime) ImmediateUpload(dst Buffer, offset uint64, data []byte) error {
	hb, err := asHost(dst)
	if err != nil {
		return err
	}
	if err := WriteHostBuffer(hb, offset, data); err != nil {
		return errors.Wrap(err, "immediate upload")
	}
	rt.mu.Lock()
	rt.stats.ImmediateUploads++
	rt.mu.Unlock()
	return nil
}

func (rt *MemoryRuntime) ImmediateDownload(src Buffer, offset uint64, dst []byte) error {
	hb, err := asHost(src)
	if err != nil {
		return err
	}
	if err := ReadHostBuffer(hb, offset, dst); err != nil {
		return errors.Wrap(err, "immediate download")
	}
	rt.mu.Lock()
	rt.stats.ImmediateDownloads++
	rt.mu.Unlock()
	return nil
}

func (rt *MemoryRuntime) Finish() error {
	// Every operation has already completed
	rt.mu.Lock()
	rt.stats.Finishes++
	rt.mu.Unlock()
	return nil
}

func (rt *MemoryRuntime) CanReportMemoryUsage() bool { return rt.opts.ReportMemoryUsage }

func (rt *MemoryRuntime) GetDeviceMemoryUsage() uint64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return uint64(rt.stats.LiveBytes)
}

func (rt *MemoryRuntime) GetDeviceLocalMemory() uint64 { return rt.opts.DeviceLocalMemory }

func (rt *MemoryRuntime) TickFrame() {
	rt.staging.Tick()
}

func (rt *MemoryRuntime) Free() error {
	return nil
}

// Stats returns a snapshot of the runtime counters
func (rt *MemoryRuntime) Stats() RuntimeStats {
	rt.mu.Lock()
	stats := rt.stats
	rt.mu.Unlock()
	stats.Staging = rt.staging.Stats()
	return stats
}

// trackedBuffer reports its release back to the runtime's usage counters.
type trackedBuffer struct {
	*hostBuffer
	rt *MemoryRuntime
}

func (b *trackedBuffer) Free() error {
	size := b.hostBuffer.Size()
	if err := b.hostBuffer.Free(); err != nil {
		return err
	}
	b.rt.mu.Lock()
	b.rt.stats.BuffersFreed++
	b.rt.stats.LiveBytes -= int64(size)
	b.rt.mu.Unlock()
	return nil
}

func asHost(buf Buffer) (*hostBuffer, error) {
	switch b := buf.(type) {
	case *hostBuffer:
		return b, nil
	case *trackedBuffer:
		return b.hostBuffer, nil
	default:
		return nil, fmt.Errorf("buffer %T is not host memory", buf)
	}
}
