// Package logging holds the process-wide logrus logger. Packages derive
// component entries from it with WithFields.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

var (
	mu  sync.RWMutex
	std = newLogger(logrus.WarnLevel, os.Stderr)
)

func newLogger(level logrus.Level, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	return l
}

// Init replaces the shared logger. An unknown level falls back to info.
// With no console and no file the output is discarded.
func Init(level, logFile string, console bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}

	var writers []io.Writer
	if console {
		writers = append(writers, os.Stderr)
	}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			return errors.Wrap(err, "creating log directory")
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrapf(err, "opening log file %s", logFile)
		}
		writers = append(writers, f)
	}

	out := io.Discard
	if len(writers) > 0 {
		out = io.MultiWriter(writers...)
	}

	l := newLogger(lvl, out)
	mu.Lock()
	std = l
	mu.Unlock()
	return nil
}

// ResolveLevel applies the --verbose and --quiet overrides to a configured
// level. Verbose wins.
func ResolveLevel(configured string, verbose, quiet bool) string {
	switch {
	case verbose:
		return "debug"
	case quiet:
		return "error"
	default:
		return configured
	}
}

// Get returns the shared logger.
func Get() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

// WithFields returns an entry tagged with the given component name and fields
func WithFields(component string, fields logrus.Fields) *logrus.Entry {
	entry := Get().WithField("component", component)
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	return entry
}

func Debugf(format string, args ...interface{}) { Get().Debugf(format, args...) }

func Warnf(format string, args ...interface{}) { Get().Warnf(format, args...) }
