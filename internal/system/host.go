// Package system reports host memory so the memory runtime and the CLI can
// size the emulated device heap against what the machine actually has.
package system

import (
	"runtime"
)

// HostMemory is a snapshot of physical memory on the host.
type HostMemory struct {
	Total     uint64
	Available uint64
}

// Used returns the bytes not available to new allocations.
func (m HostMemory) Used() uint64 {
	if m.Available > m.Total {
		return 0
	}
	return m.Total - m.Available
}

// ReadHostMemory queries the operating system.
func ReadHostMemory() (HostMemory, error) {
	return readHostMemory()
}

// DeviceHeapBudget returns the heap size an emulated device-local memory
// should report: half of the available memory, capped at limit when limit
// is non-zero.
func DeviceHeapBudget(m HostMemory, limit uint64) uint64 {
	budget := m.Available / 2
	if limit != 0 && budget > limit {
		budget = limit
	}
	return budget
}

// Platform returns GOOS/GOARCH.
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}
