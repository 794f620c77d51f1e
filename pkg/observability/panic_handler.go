package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with structured logging.
// It must be called directly in a defer statement:
//
//	defer observability.RecoverPanic(logger, "audit flusher")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		OrDefault(logger).WithField("panic", fmt.Sprint(r)).
			WithField("stack", string(debug.Stack())).
			WithField("context", where).
			Error("PANIC recovered")
	}
}

// PanicError converts a recovered value to an error, or nil when r is nil.
//
//	defer func() {
//	    if perr := observability.PanicError(recover()); perr != nil {
//	        err = perr
//	    }
//	}()
func PanicError(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}
