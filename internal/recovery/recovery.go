// Package recovery keeps a panicking goroutine from taking the whole node
// down with it.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError carries a recovered panic value and the stack it came from.
type PanicError struct {
	Goroutine string
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Goroutine, e.Value)
}

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use this with defer at the start of goroutines.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "udp.readLoop")
//	    // ... goroutine work
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, newPanicError(name, r))
	}
}

// RecoverWithCallback recovers from panics, logs them, and hands the panic
// to callback so the owner can release whatever the goroutine held.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(*PanicError)) {
	if r := recover(); r != nil {
		pe := newPanicError(name, r)
		logPanic(logger, pe)
		if callback != nil {
			callback(pe)
		}
	}
}

func newPanicError(name string, r any) *PanicError {
	return &PanicError{Goroutine: name, Value: r, Stack: debug.Stack()}
}

func logPanic(logger *slog.Logger, pe *PanicError) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", pe.Goroutine,
		"panic", fmt.Sprintf("%v", pe.Value),
		"stack", string(pe.Stack))
}
