package system

import (
	"os/exec"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

func readHostMemory() (HostMemory, error) {
	out, err := exec.Command("sysctl", "-n", "hw.memsize").Output()
	if err != nil {
		return HostMemory{}, errors.Wrap(err, "sysctl hw.memsize")
	}
	total, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return HostMemory{}, errors.Wrap(err, "parsing hw.memsize")
	}

	out, err = exec.Command("vm_stat").Output()
	if err != nil {
		return HostMemory{}, errors.Wrap(err, "vm_stat")
	}
	pageSize := uint64(4096)
	var pages uint64
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		switch {
		case strings.Contains(line, "page size of") && len(fields) >= 8:
			if n, err := strconv.ParseUint(fields[7], 10, 64); err == nil {
				pageSize = n
			}
		case strings.HasPrefix(line, "Pages free:"), strings.HasPrefix(line, "Pages inactive:"):
			n, _ := strconv.ParseUint(strings.TrimSuffix(fields[len(fields)-1], "."), 10, 64)
			pages += n
		}
	}
	return HostMemory{Total: total, Available: pages * pageSize}, nil
}
