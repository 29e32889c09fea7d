package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers. Used by NewStreamLogger to write simultaneously to the
// global handler and a connection's dedicated diagnostic log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check each handler's Enabled() individually before dispatching, so
	// a DEBUG record isn't sent to the primary handler when it only
	// accepts INFO or above.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Write errors on the per-connection file must not block the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewStreamLogger builds a logger that writes to both the base (global)
// logger and a file dedicated to one client connection's stream, for
// operators diagnosing a single lossy or misbehaving client. The file
// is created at:
//
//	{streamLogDir}/{service}/{connID}.log
//
// Returns the enriched logger, an io.Closer for the dedicated file, and
// its absolute path. The Closer must be called when the connection
// closes.
//
// If streamLogDir is empty, returns the base logger unmodified (no-op) —
// per-connection diagnostic logging is opt-in.
func NewStreamLogger(baseLogger *slog.Logger, streamLogDir, service, connID string) (*slog.Logger, io.Closer, string, error) {
	if streamLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(streamLogDir, service)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating stream log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, connID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening stream log file %s: %w", logPath, err)
	}

	// The per-connection file always uses JSON at DEBUG for maximum capture.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveStreamLog deletes a finished connection's diagnostic log file.
// No-op if streamLogDir is empty or the file doesn't exist.
func RemoveStreamLog(streamLogDir, service, connID string) {
	if streamLogDir == "" {
		return
	}
	logPath := filepath.Join(streamLogDir, service, connID+".log")
	os.Remove(logPath)
}
