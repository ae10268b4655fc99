// Package skerr annotates errors with the file:line of every call site on
// the way up, giving a poor-man's stack trace without runtime.Callers
// bookkeeping at every layer.
package skerr

import (
	"errors"
	"fmt"
	"runtime"
)

// callerString returns "file.go:123" for the caller skip frames above this
// function, or "" if it cannot be determined.
func callerString(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return ""
	}
	short := file
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			short = file[i+1:]
			break
		}
	}
	return fmt.Sprintf("%s:%d", short, line)
}

// wrapped carries the original error plus the trail of call sites it has
// been annotated at.
type wrapped struct {
	inner error
	trail []string
}

func (w *wrapped) Error() string {
	msg := w.inner.Error() + ". At"
	for _, t := range w.trail {
		msg += " " + t
	}
	return msg
}

func (w *wrapped) Unwrap() error {
	return w.inner
}

// Wrap annotates err with the caller's file:line. Returns nil if err is nil.
// Calling Wrap again on an already-wrapped error appends to the trail
// instead of nesting.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	loc := callerString(1)
	var w *wrapped
	if errors.As(err, &w) {
		w.trail = append(w.trail, loc)
		return w
	}
	return &wrapped{inner: err, trail: []string{loc}}
}

// Wrapf annotates err with a formatted message and the caller's file:line.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	loc := callerString(1)
	msg := fmt.Sprintf(format, args...)
	var w *wrapped
	if errors.As(err, &w) {
		return &wrapped{inner: fmt.Errorf("%s: %w", msg, w.inner), trail: append([]string{loc}, w.trail...)}
	}
	return &wrapped{inner: fmt.Errorf("%s: %w", msg, err), trail: []string{loc}}
}

// Fmt creates a new error from a format string, annotated with the caller's
// file:line, the way errors.New+Wrap would but in one call.
func Fmt(format string, args ...interface{}) error {
	loc := callerString(1)
	return &wrapped{inner: fmt.Errorf(format, args...), trail: []string{loc}}
}

// Unwrap returns the innermost error wrapped by skerr, or err itself if it
// was never wrapped by this package.
func Unwrap(err error) error {
	var w *wrapped
	if errors.As(err, &w) {
		inner := w.inner
		// Keep unwinding through fmt.Errorf %w chains created by Wrapf.
		for {
			next := errors.Unwrap(inner)
			if next == nil {
				return inner
			}
			inner = next
		}
	}
	return err
}
