// Package logging builds the worker's structured logger. Every event
// carries worker_id and medium_id so multiple worker processes' output can
// be correlated in aggregate (spec.md §6: "fields include worker_id,
// medium_id, inode_number, action, timings, error class").
//
// Grounded on GoogleCloudPlatform/gcsfuse's internal/logger: slog with a
// renamed level field ("severity" instead of slog's default "level") and a
// runtime-adjustable level via slog.LevelVar.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Level is the adjustable program log level; SetLevel mutates it in place
// so an already-built logger's verbosity can change at runtime.
var Level = new(slog.LevelVar)

// New builds a JSON structured logger writing to os.Stderr, tagged with
// worker_id and medium_id for every record it emits.
func New(workerID, mediumID string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:       Level,
		ReplaceAttr: renameLevelToSeverity,
	})
	return slog.New(handler).With(
		slog.String("worker_id", workerID),
		slog.String("medium_id", mediumID),
	)
}

// renameLevelToSeverity relabels slog's built-in "level" key as "severity",
// matching the field name spec.md §6 uses for error class correlation.
func renameLevelToSeverity(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.LevelKey {
		a.Key = "severity"
	}
	return a
}

// SetLevel parses one of "debug", "info", "warn", "error" (case
// insensitive) and applies it to Level. Unrecognized names fall back to
// info.
func SetLevel(name string) {
	switch strings.ToLower(name) {
	case "debug":
		Level.Set(slog.LevelDebug)
	case "warn", "warning":
		Level.Set(slog.LevelWarn)
	case "error":
		Level.Set(slog.LevelError)
	default:
		Level.Set(slog.LevelInfo)
	}
}

// WithInode returns a logger scoped to one inode, for per-inode event
// correlation within a batch.
func WithInode(logger *slog.Logger, inodeNumber int64) *slog.Logger {
	return logger.With(slog.Int64("inode_number", inodeNumber))
}

// LogAction records one analyzer/executor action and its outcome.
func LogAction(ctx context.Context, logger *slog.Logger, action string, err error) {
	if err != nil {
		logger.ErrorContext(ctx, "inode action failed", slog.String("action", action), slog.String("error", err.Error()))
		return
	}
	logger.InfoContext(ctx, "inode action completed", slog.String("action", action))
}
