package system

import (
	"strings"
	"testing"
)

func TestParseMeminfo(t *testing.T) {
	const sample = `MemTotal:       16303428 kB
MemFree:         1203340 kB
MemAvailable:    9876544 kB
Buffers:          402112 kB
bogus line
`
	m, err := parseMeminfo(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("parseMeminfo: %v", err)
	}
	if m.Total != 16303428<<10 {
		t.Errorf("Total = %d", m.Total)
	}
	if m.Available != 9876544<<10 {
		t.Errorf("Available = %d", m.Available)
	}

	if _, err := parseMeminfo(strings.NewReader("MemFree: 1 kB\n")); err == nil {
		t.Error("expected error without MemTotal")
	}
}
