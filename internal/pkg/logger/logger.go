// Package logger provides structured logging utilities.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	reqctx "github.com/notegrade/notegrade/internal/pkg/context"
)

// Logger wraps slog.Logger with additional context.
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the specified level and format.
func New(level, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a logger that writes to w.
func NewWithWriter(w io.Writer, level, format string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithContext returns a logger carrying the request and speaker IDs found in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	out := l
	if id := reqctx.GetRequestID(ctx); id != "" {
		out = &Logger{Logger: out.With("request_id", id)}
	}
	if id := reqctx.GetSpeakerID(ctx); id != "" {
		out = &Logger{Logger: out.With("speaker_id", id)}
	}
	return out
}

// WithSpeaker returns a logger with speaker context.
func (l *Logger) WithSpeaker(speakerID string) *Logger {
	return &Logger{
		Logger: l.With("speaker_id", speakerID),
	}
}

// WithComponent returns a logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.With("component", name),
	}
}

// WithError returns a logger with error context.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.With("error", err.Error()),
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the default logger.
func Default() *Logger {
	return New("info", "text")
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "error", "text")
}
