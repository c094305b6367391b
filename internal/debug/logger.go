// Package debug is the library's internal logging facade: a single
// registered slog.Handler that the connection, session, and link
// engines trace frames and invariants through. With no handler
// registered every call is a no-op.
package debug

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// the active logger; swapped atomically so RegisterLogger is safe to
// call while engine goroutines are logging
var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(noOp{}))
}

// RegisterLogger configures the log handler used by the library. A
// nil handler restores the no-op default.
func RegisterLogger(h slog.Handler) {
	if h == nil {
		h = noOp{}
	}
	logger.Store(slog.New(h))
}

// Log writes the log message to the configured log handler.
// Level indicates the verbosity of the messages to log, as defined in log/slog.
// Arguments can be added as required, preferably as a set of slog.Attr.
func Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	logger.Load().Log(ctx, level, msg, args...)
}

// Assert registers an error-level log message if the specified condition is false, optionally alongside
// any meaningful (set of) slog.Attr(s).
func Assert(ctx context.Context, condition bool, args ...any) {
	if !condition {
		logger.Load().Log(ctx, slog.LevelError, "assertion failed", args...)
	}
}
