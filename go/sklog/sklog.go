// Package sklog wraps a structured zap logger behind free functions, so
// call sites look the same however the logger is configured (plain dev
// console or JSON for log aggregation).
package sklog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	logger *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	logger = l.Sugar()
}

// SetLogger replaces the package-level logger. Tests and cmd/ entry points
// call this once at startup; a mutex guards the swap, so logging calls made
// concurrently see either the old or the new logger.
func SetLogger(l *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debugf(format string, args ...interface{}) { get().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { get().Infof(format, args...) }
func Warningf(format string, args ...interface{}) {
	get().Warnf(format, args...)
}
func Errorf(format string, args ...interface{}) { get().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { get().Fatalf(format, args...) }

// With returns a child logger with the given key/value pairs attached to
// every subsequent log line, mirroring zap's structured-field idiom.
func With(keysAndValues ...interface{}) *zap.SugaredLogger {
	return get().With(keysAndValues...)
}
