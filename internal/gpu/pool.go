package gpu

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
)

// StagingAlignment is the alignment of every staging suballocation.
const StagingAlignment = 64

type stagingHandle struct {
	block     metadata.BlockAllocationHandle
	dedicated bool
	valid     bool
}

// dedicatedAllocator creates a standalone staging buffer when the ring is full.
type dedicatedAllocator func(size uint64) (Buffer, []byte, error)

// StagingPool suballocates staging memory from one mapped ring buffer and
// falls back to dedicated buffers when the ring has no room.
type StagingPool struct {
	mu        sync.Mutex
	backing   Buffer
	mapped    []byte
	meta      *metadata.LinearBlockMetadata
	dedicated dedicatedAllocator
	frame     []StagingRef // Released on the next Tick
	stats     PoolStats
}

// PoolStats tracks staging pool statistics
type PoolStats struct {
	Allocations int64 // Total allocations
	RingHits    int64 // Served from the ring
	Dedicated   int64 // Ring full, dedicated buffer created
	Frees       int64 // Allocations returned
	Bytes       int64 // Total bytes handed out
}

// NewStagingPool creates a pool over mapped, the host view of backing.
func NewStagingPool(backing Buffer, mapped []byte, dedicated dedicatedAllocator) *StagingPool {
	meta := metadata.NewLinearBlockMetadata(1, true)
	meta.Init(len(mapped))
	return &StagingPool{
		backing:   backing,
		mapped:    mapped,
		meta:      meta,
		dedicated: dedicated,
	}
}

// Allocate returns size bytes of staging memory. Frame-scoped allocations
// are released by the next Tick; others must be passed to Release.
func (p *StagingPool) Allocate(size uint64, frameScoped bool) (StagingRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if size == 0 {
		return StagingRef{Buffer: p.backing}, nil
	}

	p.stats.Allocations++
	p.stats.Bytes += int64(size)

	ref, err := p.allocateFromRing(size)
	if err != nil {
		return StagingRef{}, err
	}
	if !ref.handle.valid {
		buf, mapped, err := p.dedicated(size)
		if err != nil {
			return StagingRef{}, errors.Wrapf(err, "allocating %d byte dedicated staging buffer", size)
		}
		p.stats.Dedicated++
		ref = StagingRef{
			Mapped: mapped[:size],
			Buffer: buf,
			handle: stagingHandle{dedicated: true, valid: true},
		}
	} else {
		p.stats.RingHits++
	}

	if frameScoped {
		p.frame = append(p.frame, ref)
	}
	return ref, nil
}

func (p *StagingPool) allocateFromRing(size uint64) (StagingRef, error) {
	if size > uint64(len(p.mapped)) {
		return StagingRef{}, nil
	}
	ok, req, err := p.meta.CreateAllocationRequest(int(size), StagingAlignment, false, metadata.SuballocationBuffer, 0)
	if err != nil {
		return StagingRef{}, errors.Wrap(err, "creating staging allocation request")
	}
	if !ok {
		return StagingRef{}, nil
	}
	if err := p.meta.Alloc(req, metadata.SuballocationBuffer, nil); err != nil {
		return StagingRef{}, errors.Wrap(err, "allocating staging memory")
	}
	offset, err := p.meta.AllocationOffset(req.BlockAllocationHandle)
	if err != nil {
		return StagingRef{}, errors.Wrap(err, "resolving staging offset")
	}
	return StagingRef{
		Mapped: p.mapped[offset : uint64(offset)+size],
		Buffer: p.backing,
		Offset: uint64(offset),
		handle: stagingHandle{block: req.BlockAllocationHandle, valid: true},
	}, nil
}

// Release returns a staging allocation to the pool.
func (p *StagingPool) Release(ref StagingRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(ref)
}

func (p *StagingPool) releaseLocked(ref StagingRef) {
	if !ref.handle.valid {
		return
	}
	p.stats.Frees++
	if ref.handle.dedicated {
		ref.Buffer.Free()
		return
	}
	p.meta.Free(ref.handle.block)
}

// Tick releases every frame-scoped allocation.
func (p *StagingPool) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ref := range p.frame {
		p.releaseLocked(ref)
	}
	p.frame = p.frame[:0]
}

// Stats returns current pool statistics
func (p *StagingPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// FreeBytes returns the unallocated bytes of the ring.
func (p *StagingPool) FreeBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint64(p.meta.SumFreeSize())
}
