package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a slog.Logger with the given level, format ("json" or
// "text", default "json") and optional file output (stdout + file via
// MultiWriter when filePath is set). The returned *slog.LevelVar lets a
// caller change the effective level at runtime; the admin status surface
// wires it to POST /<status-route>/api/log-level. The returned io.Closer
// must be called on shutdown; it is a no-op when filePath is empty.
func NewLogger(level, format, filePath string) (*slog.Logger, *slog.LevelVar, io.Closer) {
	lvl := new(slog.LevelVar)
	lvl.Set(parseLevel(level))
	opts := &slog.HandlerOptions{Level: lvl}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			// Cannot open the log file: fall back to stdout only rather than fail startup.
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), lvl, closer
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

// ParseLevel exposes level-string parsing to the admin log-level endpoint,
// which needs to validate an operator-supplied level before applying it to
// a running *slog.LevelVar. Unlike parseLevel, an unrecognized string is
// reported rather than silently mapped to info.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
