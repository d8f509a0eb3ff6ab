package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestInitWritesToFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "nested", "bufcache.log")

	if err := Init("debug", logFile, false); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if Get().GetLevel() != logrus.DebugLevel {
		t.Errorf("expected debug level, got %v", Get().GetLevel())
	}

	WithFields("buffercache", logrus.Fields{"buffer": 7}).Debug("created buffer")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "created buffer") {
		t.Errorf("log file missing message: %q", data)
	}
	if !strings.Contains(string(data), "component=buffercache") {
		t.Errorf("log file missing component field: %q", data)
	}
	if !strings.Contains(string(data), "buffer=7") {
		t.Errorf("log file missing buffer field: %q", data)
	}
}

func TestInitInvalidLevelFallsBackToInfo(t *testing.T) {
	if err := Init("loud", "", false); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if Get().GetLevel() != logrus.InfoLevel {
		t.Errorf("expected info level, got %v", Get().GetLevel())
	}
}

func TestResolveLevel(t *testing.T) {
	tests := []struct {
		name           string
		verbose, quiet bool
		want           string
	}{
		{"configured", false, false, "warn"},
		{"verbose", true, false, "debug"},
		{"quiet", false, true, "error"},
		{"verbose wins", true, true, "debug"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveLevel("warn", tt.verbose, tt.quiet); got != tt.want {
				t.Errorf("ResolveLevel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConcurrentEntries(t *testing.T) {
	if err := Init("debug", "", false); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			WithFields("scenario", logrus.Fields{"name": i}).Debug("finished")
		}(i)
	}
	wg.Wait()
}
