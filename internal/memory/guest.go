// Package memory models the guest address space and the GPU virtual address
// space the buffer cache reads from and writes back to.
package memory

import (
	"sync"
)

const (
	// GuestPageBits is the granularity of PagedMemory backing storage.
	GuestPageBits = 12
	GuestPageSize = 1 << GuestPageBits
	guestPageMask = GuestPageSize - 1
)

// Guest is byte-level access to the flat guest address space.
type Guest interface {
	// ReadBlock copies len(dst) bytes starting at addr into dst.
	ReadBlock(addr uint64, dst []byte)

	// WriteBlock copies src into guest memory starting at addr.
	WriteBlock(addr uint64, src []byte)

	// GetPointer returns the backing bytes from addr to the end of its page,
	// or nil when addr has no backing storage.
	GetPointer(addr uint64) []byte
}

// PagedMemory is a sparse guest memory made of 4 KiB pages allocated on first
// write. Reads of untouched memory return zeroes.
type PagedMemory struct {
	mu    sync.RWMutex
	pages map[uint64][]byte
}

// NewPagedMemory creates an empty guest memory.
func NewPagedMemory() *PagedMemory {
	return &PagedMemory{pages: make(map[uint64][]byte)}
}

func (m *PagedMemory) ReadBlock(addr uint64, dst []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for len(dst) > 0 {
		offset := addr & guestPageMask
		n := min(uint64(len(dst)), GuestPageSize-offset)
		if page, ok := m.pages[addr>>GuestPageBits]; ok {
			copy(dst[:n], page[offset:])
		} else {
			clear(dst[:n])
		}
		dst = dst[n:]
		addr += n
	}
}

func (m *PagedMemory) WriteBlock(addr uint64, src []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(src) > 0 {
		offset := addr & guestPageMask
		n := min(uint64(len(src)), GuestPageSize-offset)
		page := m.page(addr >> GuestPageBits)
		copy(page[offset:], src[:n])
		src = src[n:]
		addr += n
	}
}

// Fill sets size bytes starting at addr to value.
func (m *PagedMemory) Fill(addr, size uint64, value byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for size > 0 {
		offset := addr & guestPageMask
		n := min(size, GuestPageSize-offset)
		page := m.page(addr >> GuestPageBits)
		for i := offset; i < offset+n; i++ {
			page[i] = value
		}
		size -= n
		addr += n
	}
}

func (m *PagedMemory) GetPointer(addr uint64) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	page, ok := m.pages[addr>>GuestPageBits]
	if !ok {
		return nil
	}
	return page[addr&guestPageMask:]
}

// Pages returns the number of allocated pages.
func (m *PagedMemory) Pages() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}

func (m *PagedMemory) page(index uint64) []byte {
	page, ok := m.pages[index]
	if !ok {
		page = make([]byte, GuestPageSize)
		m.pages[index] = page
	}
	return page
}
