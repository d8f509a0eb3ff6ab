package system

import (
	"syscall"
	"unsafe"

	"github.com/cockroachdb/errors"
)

type memoryStatusEx struct {
	length               uint32
	memoryLoad           uint32
	totalPhys            uint64
	availPhys            uint64
	totalPageFile        uint64
	availPageFile        uint64
	totalVirtual         uint64
	availVirtual         uint64
	availExtendedVirtual uint64
}

func readHostMemory() (HostMemory, error) {
	proc := syscall.NewLazyDLL("kernel32.dll").NewProc("GlobalMemoryStatusEx")
	var st memoryStatusEx
	st.length = uint32(unsafe.Sizeof(st))
	if ret, _, err := proc.Call(uintptr(unsafe.Pointer(&st))); ret == 0 {
		return HostMemory{}, errors.Wrap(err, "GlobalMemoryStatusEx")
	}
	return HostMemory{Total: st.totalPhys, Available: st.availPhys}, nil
}
