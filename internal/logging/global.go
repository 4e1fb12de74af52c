package logging

import (
	"os"
	"sync"
)

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

func init() {
	globalLogger = DefaultLogger()
}

// SetGlobal replaces the process-wide logger.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the process-wide logger.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Configure builds a stderr logger from level and format names and installs it globally.
// Caller information is included at debug level.
func Configure(level, format string) *Logger {
	lvl := ParseLevel(level)
	l := New(Config{
		Level:     lvl,
		Format:    ParseFormat(format),
		Output:    os.Stderr,
		AddCaller: lvl == LevelDebug,
	})
	SetGlobal(l)
	return l
}

func Debugf(msg string, fields map[string]any) { Global().Debugf(msg, fields) }

func Infof(msg string, fields map[string]any) { Global().Infof(msg, fields) }

func Warnf(msg string, fields map[string]any) { Global().Warnf(msg, fields) }

func Errorf(msg string, fields map[string]any) { Global().Errorf(msg, fields) }
