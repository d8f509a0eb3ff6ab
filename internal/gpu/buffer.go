package gpu

import (
	"fmt"
	"sync"
)

// Buffer represents a host buffer object
type Buffer interface {
	// Size returns the size of the buffer in bytes
	Size() uint64

	// Free releases the buffer
	Free() error
}

// hostBuffer implements Buffer with host memory
type hostBuffer struct {
	data  []byte
	mu    sync.RWMutex
	freed bool
}

func newHostBuffer(size uint64) *hostBuffer {
	return &hostBuffer{data: make([]byte, size)}
}

func (b *hostBuffer) Size() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint64(len(b.data))
}

func (b *hostBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return fmt.Errorf("buffer already freed")
	}
	b.data = nil
	b.freed = true
	return nil
}

// span returns the bytes [offset, offset+size) or an error when out of range.
func (b *hostBuffer) span(offset, size uint64) ([]byte, error) {
	if b.freed {
		return nil, fmt.Errorf("use of freed buffer")
	}
	if offset+size > uint64(len(b.data)) || offset+size < offset {
		return nil, fmt.Errorf("range [%#x, %#x) exceeds buffer size %#x", offset, offset+size, len(b.data))
	}
	return b.data[offset : offset+size], nil
}

// ReadHostBuffer copies len(dst) bytes at offset out of a memory runtime
// buffer. It is intended for inspection and tests.
func ReadHostBuffer(buf Buffer, offset uint64, dst []byte) error {
	hb, err := asHost(buf)
	if err != nil {
		return err
	}
	hb.mu.RLock()
	defer hb.mu.RUnlock()

	src, err := hb.span(offset, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// WriteHostBuffer copies src into a memory runtime buffer at offset, standing
// in for a shader write in tests and scenarios.
func WriteHostBuffer(buf Buffer, offset uint64, src []byte) error {
	hb, err := asHost(buf)
	if err != nil {
		return err
	}
	hb.mu.Lock()
	defer hb.mu.Unlock()

	dst, err := hb.span(offset, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}
