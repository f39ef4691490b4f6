// Package logger provides the process-wide structured logger.
package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	mu  sync.RWMutex
	std = hclog.New(&hclog.LoggerOptions{
		Name:   "mediadex",
		Level:  hclog.Info,
		Output: os.Stderr,
	})
)

// Configure replaces the default logger. Format "json" switches to JSON
// output, anything else keeps the human-readable form.
func Configure(level, format string) {
	mu.Lock()
	defer mu.Unlock()

	std = hclog.New(&hclog.LoggerOptions{
		Name:       "mediadex",
		Level:      hclog.LevelFromString(strings.ToLower(level)),
		Output:     os.Stderr,
		JSONFormat: strings.EqualFold(format, "json"),
	})
}

// Named returns a sub-logger scoped to a component.
func Named(name string) hclog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std.Named(name)
}

// Debug logs debug messages with optional key-value pairs.
func Debug(msg string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	std.Debug(msg, args...)
}

// Info logs informational messages with optional key-value pairs.
func Info(msg string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	std.Info(msg, args...)
}

// Warn logs warning messages with optional key-value pairs.
func Warn(msg string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	std.Warn(msg, args...)
}

// Error logs error messages with optional key-value pairs.
func Error(msg string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	std.Error(msg, args...)
}
