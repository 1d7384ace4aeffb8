package psocache

import (
	"log/slog"

	"github.com/gogpu/psocache/cache"
)

// SetLogger configures the logger for psocache and all its sub-packages.
// By default, psocache produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by psocache:
//   - [slog.LevelDebug]: per-object diagnostics (dispatch, creation, collection)
//   - [slog.LevelInfo]: device lifecycle (created, closed)
//   - [slog.LevelWarn]: creation failures, uninstall of collected keys
//
// Example:
//
//	// Enable info-level logging to stderr:
//	psocache.SetLogger(slog.Default())
//
//	// Enable debug-level logging for full diagnostics:
//	psocache.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	// The cache package holds the process logger; shader and pipeline log
	// through it too.
	cache.SetLogger(l)
}

// Logger returns the current logger used by psocache.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return cache.Logger()
}
