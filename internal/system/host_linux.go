package system

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

func readHostMemory() (HostMemory, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return HostMemory{}, errors.Wrap(err, "opening /proc/meminfo")
	}
	defer f.Close()
	return parseMeminfo(f)
}

// parseMeminfo reads MemTotal and MemAvailable, both reported in KiB.
func parseMeminfo(r io.Reader) (HostMemory, error) {
	var m HostMemory
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		kib, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			m.Total = kib << 10
		case "MemAvailable":
			m.Available = kib << 10
		}
	}
	if err := scanner.Err(); err != nil {
		return HostMemory{}, errors.Wrap(err, "reading /proc/meminfo")
	}
	if m.Total == 0 {
		return HostMemory{}, errors.New("meminfo: MemTotal missing")
	}
	return m, nil
}
