// Package buffercache mirrors guest memory ranges into host buffer objects and
// keeps both copies coherent while the guest CPU and the emulated GPU write to
// them.
package buffercache

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/interval"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/logging"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/memory"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/tracker"
)

const (
	// targetThreshold caps the device memory the GC thresholds scale with.
	targetThreshold = 4 * gib

	// registerAlignment rounds every buffer when accounting used memory.
	registerAlignment = 1024

	// downloadAlignment separates download copies inside staging memory.
	downloadAlignment = 64

	uploadSizeSamples = 4096
)

// asyncBuffer is one committed asynchronous download. A nil entry in the queue
// marks a commit that had nothing to download.
type asyncBuffer struct {
	staging gpu.StagingRef
	// copies carry the guest address in SrcOffset.
	copies []gpu.BufferCopy
}

// Cache is the buffer cache. Callers hold the lock returned by Lock around
// every call; the methods themselves do not lock.
type Cache struct {
	mu sync.Mutex

	params  Params
	runtime gpu.Runtime
	caps    gpu.Capabilities
	guest   memory.Guest
	tracker *tracker.MemoryTracker
	log     *logrus.Entry

	slots       *slotVector
	pageTable   map[uint64]BufferID
	lru         *lruCache
	destruction *delayedDestructionRing[gpu.Buffer]

	// commonRanges holds GPU writes that are visible to the guest and not
	// downloaded yet.
	commonRanges      interval.Set
	uncommittedRanges interval.Set
	committedRanges   []*interval.Set
	asyncDownloads    interval.OverlapCounter
	asyncBuffers      []*asyncBuffer
	asyncDeathRing    []gpu.StagingRef

	channels    map[int]*channelState
	nextChannel int
	ch          *channelState

	frameTick       uint64
	totalUsedMemory uint64
	minimumMemory   uint64
	criticalMemory  uint64

	scratch []byte
	stats   Stats
}

// New creates a cache drawing host buffers from runtime and reading guest
// memory through guest.
func New(params Params, runtime gpu.Runtime, guest memory.Guest) (*Cache, error) {
	params = params.withDefaults()
	c := &Cache{
		params:    params,
		runtime:   runtime,
		caps:      runtime.Capabilities(),
		guest:     guest,
		tracker:   tracker.New(params.PageBits),
		log:       logging.WithFields("buffercache", logrus.Fields{"backend": runtime.Name()}),
		slots:     newSlotVector(),
		pageTable: make(map[uint64]BufferID),
		lru:       newLRUCache(),
		channels:  make(map[int]*channelState),
	}
	c.destruction = newDelayedDestructionRing(params.DestructionRingTicks, func(b gpu.Buffer) {
		if err := b.Free(); err != nil {
			c.log.WithError(err).Warn("freeing host buffer")
		}
	})

	null, err := runtime.CreateBuffer(0)
	if err != nil {
		return nil, errors.Wrap(err, "creating null buffer")
	}
	if id := c.slots.insert(&buffer{host: null}); id != NullBufferID {
		return nil, errors.AssertionFailedf("null buffer got id %d", id)
	}

	c.computeMemoryThresholds()
	c.log.WithFields(logrus.Fields{
		"minimum_memory":  c.minimumMemory,
		"critical_memory": c.criticalMemory,
		"page_size":       c.pageSize(),
	}).Debug("buffer cache created")
	return c, nil
}

func (c *Cache) Lock()   { c.mu.Lock() }
func (c *Cache) Unlock() { c.mu.Unlock() }

// Runtime returns the host backend.
func (c *Cache) Runtime() gpu.Runtime { return c.runtime }

// Tracker exposes the modification tracker.
func (c *Cache) Tracker() *tracker.MemoryTracker { return c.tracker }

func (c *Cache) pageSize() uint64 { return 1 << c.params.PageBits }

func (c *Cache) computeMemoryThresholds() {
	c.minimumMemory = c.params.ExpectedMemory
	c.criticalMemory = c.params.CriticalMemory
	if !c.runtime.CanReportMemoryUsage() {
		return
	}
	device := int64(c.runtime.GetDeviceLocalMemory())
	if device == 0 {
		return
	}
	minSpacingExpected := device - 1536*mib
	minSpacingCritical := device - 1*gib
	threshold := min(device, int64(targetThreshold))
	minVacancyExpected := (6 * threshold) / 10
	minVacancyCritical := (3 * threshold) / 10
	c.minimumMemory = uint64(max(min(device-minVacancyExpected, minSpacingExpected), int64(c.params.ExpectedMemory)))
	c.criticalMemory = uint64(max(min(device-minVacancyCritical, minSpacingCritical), int64(c.params.CriticalMemory)))
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	s := c.stats
	s.Buffers = c.slots.live - 1
	s.TotalUsedMemory = c.totalUsedMemory
	s.MinimumMemory = c.minimumMemory
	s.CriticalMemory = c.criticalMemory
	s.FrameTick = c.frameTick
	if c.ch != nil {
		s.SkipCacheSize = c.ch.uniformBufferSkipCacheSize
	}
	s.UploadSizes = append([]float64(nil), c.stats.UploadSizes...)
	return s
}

// TickFrame runs the per-frame maintenance: uniform fast path heuristics,
// garbage collection and delayed destruction.
func (c *Cache) TickFrame() {
	c.runtime.TickFrame()
	if c.ch != nil {
		c.ch.tickUniformWindow(c.params)
	}
	if c.runtime.CanReportMemoryUsage() {
		c.totalUsedMemory = c.runtime.GetDeviceMemoryUsage()
	}
	if c.totalUsedMemory >= c.minimumMemory {
		c.runGarbageCollector()
	}
	c.frameTick++
	c.destruction.Tick()
	for _, ref := range c.asyncDeathRing {
		c.runtime.FreeDeferredStagingBuffer(ref)
	}
	c.asyncDeathRing = c.asyncDeathRing[:0]
}

// Close releases every host buffer owned by the cache.
func (c *Cache) Close() error {
	var errs error
	for _, ab := range c.asyncBuffers {
		if ab != nil {
			c.runtime.FreeDeferredStagingBuffer(ab.staging)
		}
	}
	c.asyncBuffers = nil
	for _, ref := range c.asyncDeathRing {
		c.runtime.FreeDeferredStagingBuffer(ref)
	}
	c.asyncDeathRing = nil
	c.slots.forEach(func(id BufferID, b *buffer) {
		errs = errors.CombineErrors(errs, b.host.Free())
		c.slots.erase(id)
	})
	c.pageTable = make(map[uint64]BufferID)
	c.destruction.Drain()
	return errs
}

func (c *Cache) recordUpload(size uint64) {
	c.stats.Uploads++
	c.stats.UploadBytes += int64(size)
	if len(c.stats.UploadSizes) >= uploadSizeSamples {
		c.stats.UploadSizes = c.stats.UploadSizes[1:]
	}
	c.stats.UploadSizes = append(c.stats.UploadSizes, float64(size))
}

func (c *Cache) scratchBuffer(size uint64) []byte {
	if uint64(cap(c.scratch)) < size {
		c.scratch = make([]byte, size)
	}
	return c.scratch[:size]
}
