// Package logging configures structured logging for the engine and daemon.
//
// Foreground calls log to stderr; the daemon logs to a rotating file under
// the user's .stackmemory directory. LOG_LEVEL selects the minimum level.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level parses LOG_LEVEL (debug/info/warn/error), defaulting to info
func Level() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
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

// New returns a text-handler logger writing to w at the LOG_LEVEL level
func New(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: Level()}))
}

// NewStderr returns a logger for foreground use
func NewStderr() *slog.Logger {
	return New(os.Stderr)
}

// NewRotating returns a logger writing to path with size-based rotation.
// The returned closer flushes and releases the underlying file.
func NewRotating(path string) (*slog.Logger, io.Closer) {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	}
	return New(w), w
}

// Discard returns a logger that drops everything, for tests
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
