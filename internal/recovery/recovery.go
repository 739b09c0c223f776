// Package recovery provides panic recovery utilities for worker goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use with defer at the start of worker goroutines so a bad packet cannot
// take the appliance down.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "packetWorker")
//	    // ... worker loop
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
	}
}

// RecoverWithCallback recovers from panics, logs them, and calls the
// optional callback for cleanup or metrics.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
		if callback != nil {
			callback(r)
		}
	}
}
