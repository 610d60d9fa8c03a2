package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var global atomic.Pointer[Logger]

func init() {
	global.Store(DefaultLogger())
}

// SetGlobal replaces the process-wide fallback logger and zap's globals.
// A nil l is ignored.
func SetGlobal(l *Logger) {
	if l == nil {
		return
	}
	global.Store(l)
	zap.ReplaceGlobals(l.Zap())
}

// Global returns the logger used when neither a context nor a component
// supplies one.
func Global() *Logger {
	return global.Load()
}
