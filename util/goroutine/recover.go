// Package goroutine holds the panic recovery used by vigil's background loops and the
// goroutine leak checks used by their tests.
package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"

	"vigil/metrics"
)

// StackTraceBufferSize is the buffer size for stack trace collection
const StackTraceBufferSize = 4096

// Recover recovers a panic in the calling goroutine, logs it with its stack and counts it
// under name. It must be deferred directly. Without a logger the panic goes to stderr.
func Recover(name string, logger *zap.SugaredLogger) {
	r := recover()
	if r == nil {
		return
	}
	metrics.GoroutinePanics.WithLabelValues(name).Inc()

	buf := make([]byte, StackTraceBufferSize)
	n := runtime.Stack(buf, false)
	if logger == nil {
		fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", name, r, string(buf[:n]))
		return
	}
	logger.Errorw("Goroutine panic recovered",
		"goroutine", name,
		"panic", r,
		"stack", string(buf[:n]))
}
