// Package async spawns background goroutines with panic recovery. The
// queue workers, the VM's lookahead pool and the plan-cache refresher all
// start through Go so a panicking step cannot take the server down.
package async

import "runtime/debug"

// PanicLogger is the slice of the logging interface a recovered panic
// needs.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go starts fn on its own goroutine. A panic inside fn is logged with the
// goroutine's name and stack instead of propagating.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred half of Go, exported so long-lived loops can
// guard individual iterations.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		if name == "" {
			logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
			return
		}
		logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
	}
}
