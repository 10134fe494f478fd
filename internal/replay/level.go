package replay

import (
	"context"
	"log/slog"
	"strings"

	"github.com/roach88/tracereplay/internal/model"
)

// ParseLevel maps a replay logLevel to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, model.Validationf("invalid logLevel %q (want debug, info, warn or error)", s).With("logLevel", s)
}

// levelHandler applies a per-run minimum level in front of the service
// handler. Records at or above the level are handed to next regardless of
// next's own level.
type levelHandler struct {
	level slog.Level
	next  slog.Handler
}

func (h levelHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return levelHandler{level: h.level, next: h.next.WithAttrs(attrs)}
}

func (h levelHandler) WithGroup(name string) slog.Handler {
	return levelHandler{level: h.level, next: h.next.WithGroup(name)}
}

// runLogger returns base filtered at level.
func runLogger(base *slog.Logger, level slog.Level) *slog.Logger {
	return slog.New(levelHandler{level: level, next: base.Handler()})
}
