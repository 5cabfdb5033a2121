package shoal

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/frame"
	"github.com/gogpu/shoal/internal/gpu"
	"github.com/gogpu/shoal/internal/present"
	"github.com/gogpu/shoal/internal/soft"
	"github.com/gogpu/shoal/internal/tunables"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for shoal and all its sub-packages.
// By default, shoal produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to restore the silent
// default.
//
// Log levels used by shoal:
//   - [slog.LevelDebug]: per-tick diagnostics (slot, image, waits)
//   - [slog.LevelInfo]: lifecycle events (device selected, run start and stop)
//   - [slog.LevelWarn]: non-fatal issues (GPU fallback, rejected tunables reload)
//   - [slog.LevelError]: the error that stopped the frame loop
//
// Example:
//
//	shoal.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	device.SetLogger(l)
	gpu.SetLogger(l)
	soft.SetLogger(l)
	present.SetLogger(l)
	frame.SetLogger(l)
	tunables.SetLogger(l)
}

// Logger returns the current logger used by shoal.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
