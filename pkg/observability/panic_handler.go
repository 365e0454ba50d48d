package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic stops a panic from escaping a goroutine the process cannot
// afford to lose — a cron job, a config-watch loop — logging the panic value
// and stack instead. Call it in a defer:
//
//	defer observability.RecoverPanic(logger, "cache warm")
//
// The panic is swallowed, not re-raised; the enclosing goroutine returns
// normally. HTTP handlers use the request surface's recovery middleware
// instead, which also maps the panic to a 500 response.
func RecoverPanic(logger *Logger, operation string) {
	if r := recover(); r != nil {
		logger.WithField("panic", fmt.Sprint(r)).
			WithField("stack", string(debug.Stack())).
			WithField("operation", operation).
			Error("panic recovered")
	}
}

// CatchPanic runs fn, converting a panic into the returned error so callers
// that already handle errors (job runners, teardown sequences) get panics on
// the same path. The stack is attached to the error text since there is no
// logger in scope here to carry it structurally.
func CatchPanic(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}
