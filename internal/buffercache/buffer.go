package buffercache

import (
	"github.com/cockroachdb/errors"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
)

// buffer is one host buffer object mirroring [cpuAddr, cpuAddr+size).
type buffer struct {
	host        gpu.Buffer
	cpuAddr     uint64
	size        uint64
	streamScore int
	picked      bool
}

func (b *buffer) end() uint64 { return b.cpuAddr + b.size }

func (b *buffer) isInBounds(addr, size uint64) bool {
	return addr >= b.cpuAddr && addr+size <= b.end()
}

// offset returns the byte offset of addr inside the buffer.
func (b *buffer) offset(addr uint64) uint64 {
	return addr - b.cpuAddr
}

// slotVector stores buffers by id and recycles freed ids.
type slotVector struct {
	values []*buffer
	free   []BufferID
	live   int
}

func newSlotVector() *slotVector {
	// id 0 is never handed out
	return &slotVector{values: make([]*buffer, 1, 64)}
}

func (s *slotVector) insert(b *buffer) BufferID {
	s.live++
	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		s.values[id] = b
		return id
	}
	s.values = append(s.values, b)
	return BufferID(len(s.values) - 1)
}

func (s *slotVector) erase(id BufferID) {
	s.get(id)
	s.values[id] = nil
	s.free = append(s.free, id)
	s.live--
}

func (s *slotVector) get(id BufferID) *buffer {
	if int(id) >= len(s.values) || s.values[id] == nil {
		panic(errors.AssertionFailedf("stale buffer id %d", id))
	}
	return s.values[id]
}

func (s *slotVector) contains(id BufferID) bool {
	return int(id) < len(s.values) && s.values[id] != nil
}

func (s *slotVector) forEach(fn func(BufferID, *buffer)) {
	for id, b := range s.values {
		if b != nil {
			fn(BufferID(id), b)
		}
	}
}
