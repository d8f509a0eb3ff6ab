package memory

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/gapid/core/math/interval"
)

// DefaultAddressSpaceBits is the width of the GPU virtual address space.
const DefaultAddressSpaceBits = 40

// ErrUnmapped is returned when a GPU address has no CPU backing.
var ErrUnmapped = errors.New("gpu address is not mapped")

// GPUMemory translates GPU virtual addresses into guest addresses.
type GPUMemory interface {
	// GpuToCpuAddress returns the guest address backing gpuAddr.
	GpuToCpuAddress(gpuAddr uint64) (uint64, bool)

	Read32(gpuAddr uint64) uint32
	Read64(gpuAddr uint64) uint64

	// MemoryLayoutSize returns how many bytes from gpuAddr are mapped
	// contiguously in GPU space, capped at maxSize.
	MemoryLayoutSize(gpuAddr, maxSize uint64) uint64

	// MaxContinuousRange returns how many bytes of [gpuAddr, gpuAddr+size)
	// are backed by contiguous guest memory.
	MaxContinuousRange(gpuAddr, size uint64) uint64

	IsWithinGPUAddressRange(gpuAddr uint64) bool
}

type mapping struct {
	span Span
	cpu  uint64
}

// Span aliases the interval span so mappings can be searched with the
// interval helpers.
type Span = interval.U64Span

type mappingList []mapping

func (l mappingList) Length() int { return len(l) }

func (l mappingList) GetSpan(index int) Span { return l[index].span }

// AddressSpace is a GPUMemory built from explicit Map calls over a Guest.
type AddressSpace struct {
	mu       sync.RWMutex
	guest    Guest
	bits     uint
	mappings mappingList
}

// NewAddressSpace creates an empty GPU address space reading through guest.
func NewAddressSpace(guest Guest) *AddressSpace {
	return &AddressSpace{guest: guest, bits: DefaultAddressSpaceBits}
}

// Map backs [gpuAddr, gpuAddr+size) with guest memory starting at cpuAddr,
// replacing any previous mapping of that range.
func (as *AddressSpace) Map(gpuAddr, cpuAddr, size uint64) error {
	if size == 0 {
		return nil
	}
	if !as.IsWithinGPUAddressRange(gpuAddr + size - 1) {
		return errors.Newf("mapping [%#x, %#x) exceeds the %d-bit address space", gpuAddr, gpuAddr+size, as.bits)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	as.unmapLocked(gpuAddr, size)
	i := interval.Search(as.mappings, func(sp Span) bool { return sp.Start >= gpuAddr })
	m := mapping{span: Span{Start: gpuAddr, End: gpuAddr + size}, cpu: cpuAddr}
	as.mappings = append(as.mappings[:i], append(mappingList{m}, as.mappings[i:]...)...)
	return nil
}

// Unmap removes any mapping of [gpuAddr, gpuAddr+size).
func (as *AddressSpace) Unmap(gpuAddr, size uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.unmapLocked(gpuAddr, size)
}

func (as *AddressSpace) unmapLocked(gpuAddr, size uint64) {
	end := gpuAddr + size
	var kept mappingList
	for _, m := range as.mappings {
		if m.span.End <= gpuAddr || m.span.Start >= end {
			kept = append(kept, m)
			continue
		}
		if m.span.Start < gpuAddr {
			kept = append(kept, mapping{span: Span{Start: m.span.Start, End: gpuAddr}, cpu: m.cpu})
		}
		if m.span.End > end {
			kept = append(kept, mapping{span: Span{Start: end, End: m.span.End}, cpu: m.cpu + (end - m.span.Start)})
		}
	}
	as.mappings = kept
}

func (as *AddressSpace) lookup(gpuAddr uint64) (mapping, int, bool) {
	i := interval.Search(as.mappings, func(sp Span) bool { return sp.End > gpuAddr })
	if i < len(as.mappings) && as.mappings[i].span.Start <= gpuAddr {
		return as.mappings[i], i, true
	}
	return mapping{}, i, false
}

func (as *AddressSpace) GpuToCpuAddress(gpuAddr uint64) (uint64, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	m, _, ok := as.lookup(gpuAddr)
	if !ok {
		return 0, false
	}
	return m.cpu + (gpuAddr - m.span.Start), true
}

// ReadBlock copies GPU-addressed memory into dst, leaving unmapped bytes zero.
func (as *AddressSpace) ReadBlock(gpuAddr uint64, dst []byte) error {
	for len(dst) > 0 {
		as.mu.RLock()
		m, _, ok := as.lookup(gpuAddr)
		as.mu.RUnlock()
		if !ok {
			return errors.Wrapf(ErrUnmapped, "reading %#x", gpuAddr)
		}
		n := min(uint64(len(dst)), m.span.End-gpuAddr)
		as.guest.ReadBlock(m.cpu+(gpuAddr-m.span.Start), dst[:n])
		dst = dst[n:]
		gpuAddr += n
	}
	return nil
}

func (as *AddressSpace) Read32(gpuAddr uint64) uint32 {
	var buf [4]byte
	if err := as.ReadBlock(gpuAddr, buf[:]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (as *AddressSpace) Read64(gpuAddr uint64) uint64 {
	var buf [8]byte
	if err := as.ReadBlock(gpuAddr, buf[:]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (as *AddressSpace) MemoryLayoutSize(gpuAddr, maxSize uint64) uint64 {
	as.mu.RLock()
	defer as.mu.RUnlock()

	m, i, ok := as.lookup(gpuAddr)
	if !ok {
		return 0
	}
	end := m.span.End
	for i+1 < len(as.mappings) && as.mappings[i+1].span.Start == end && end-gpuAddr < maxSize {
		i++
		end = as.mappings[i].span.End
	}
	return min(end-gpuAddr, maxSize)
}

func (as *AddressSpace) MaxContinuousRange(gpuAddr, size uint64) uint64 {
	as.mu.RLock()
	defer as.mu.RUnlock()

	m, i, ok := as.lookup(gpuAddr)
	if !ok {
		return 0
	}
	end := m.span.End
	nextCPU := m.cpu + (m.span.End - m.span.Start)
	for i+1 < len(as.mappings) && end-gpuAddr < size {
		next := as.mappings[i+1]
		if next.span.Start != end || next.cpu != nextCPU {
			break
		}
		i++
		end = next.span.End
		nextCPU = next.cpu + (next.span.End - next.span.Start)
	}
	return min(end-gpuAddr, size)
}

func (as *AddressSpace) IsWithinGPUAddressRange(gpuAddr uint64) bool {
	return gpuAddr < uint64(1)<<as.bits
}
