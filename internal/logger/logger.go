// Package logger provides structured logging setup for phpy.
// Records are JSON on stderr so stdout stays free for diagnostics output.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/DEVSENSE/phpy/internal/config"
)

const (
	asyncBuffer  = 4096
	asyncWorkers = 1
)

// New creates a *slog.Logger from the given Logging config writing to stderr.
// The returned Closer flushes the async handler, if any.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, cfg config.Logging) (*slog.Logger, Closer) {
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})

	var closer Closer = nopCloser{}
	if cfg.Async {
		// One worker keeps records in emission order.
		ah := NewAsyncHandler(handler, asyncBuffer, asyncWorkers)
		handler, closer = ah, ah
	}

	return slog.New(&contextHandler{inner: handler}).With("service", cfg.Service), closer
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
