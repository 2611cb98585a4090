package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a structured logger on stdout. format can be "json" or "text".
func New(level, format string) *slog.Logger {
	return slog.New(newHandler(os.Stdout, level, format))
}

// NewDaily returns a logger that writes to stdout and appends every record
// to the daily event log under dir. The returned closer releases the file.
func NewDaily(dir, level, format string) (*slog.Logger, io.Closer) {
	daily := NewDailyFile(dir)
	h := fanout{
		newHandler(os.Stdout, level, format),
		NewLineHandler(daily, parseLevel(level)),
	}
	return slog.New(h), daily
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
