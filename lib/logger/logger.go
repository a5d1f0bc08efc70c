package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// PrefixedLogger tags every record with the module that emitted it. The
// handler is bound on first use, so loggers created before Setup still
// write through it.
type PrefixedLogger struct {
	Prefix string

	once  sync.Once
	inner *slog.Logger
}

var _ Logger = &PrefixedLogger{}

func New(prefix string) *PrefixedLogger {
	return &PrefixedLogger{Prefix: prefix}
}

func (pl *PrefixedLogger) slog() *slog.Logger {
	pl.once.Do(func() {
		pl.inner = slog.Default().With("module", pl.Prefix)
	})
	return pl.inner
}

func (pl *PrefixedLogger) Debug(msg string, args ...any) {
	pl.slog().Debug(msg, args...)
}

func (pl *PrefixedLogger) Info(msg string, args ...any) {
	pl.slog().Info(msg, args...)
}

func (pl *PrefixedLogger) Warn(msg string, args ...any) {
	pl.slog().Warn(msg, args...)
}

func (pl *PrefixedLogger) Error(msg string, args ...any) {
	pl.slog().Error(msg, args...)
}

// Setup installs the process wide slog handler. format is "json" or "text".
func Setup(w io.Writer, format string, level slog.Level) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// Noop discards everything. Handy in tests.
type Noop struct{}

func (Noop) Debug(string, ...any) {}
func (Noop) Info(string, ...any)  {}
func (Noop) Warn(string, ...any)  {}
func (Noop) Error(string, ...any) {}
