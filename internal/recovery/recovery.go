// Package recovery keeps panics in relay goroutines from taking down the process.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrPanic is wrapped by errors produced from a recovered panic.
var ErrPanic = errors.New("panic recovered")

// Guard recovers a panic, logs it with its stack and invokes onPanic if set.
// It must be deferred directly.
//
//	go func() {
//	    defer recovery.Guard(logger, "cleanup", nil)
//	    ...
//	}()
func Guard(logger *slog.Logger, name string, onPanic func(recovered any)) {
	if r := recover(); r != nil {
		report(logger, name, r)
		if onPanic != nil {
			onPanic(r)
		}
	}
}

// Call runs fn and reports whether it panicked. The panic is logged and swallowed,
// so the caller can keep serving the next unit of work.
func Call(logger *slog.Logger, name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			report(logger, name, r)
			panicked = true
		}
	}()
	fn()
	return false
}

// Go adapts fn for errgroup.Group.Go: a panic is logged and returned as an
// error wrapping ErrPanic instead of crashing the process.
func Go(logger *slog.Logger, name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				report(logger, name, r)
				err = fmt.Errorf("%w in %s: %v", ErrPanic, name, r)
			}
		}()
		return fn()
	}
}

func report(logger *slog.Logger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
