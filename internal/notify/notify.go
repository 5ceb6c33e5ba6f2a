// Package notify delivers conflict events to people and systems: the log,
// websocket subscribers of the coordination server, and outbound webhooks.
package notify

import (
	"context"
	"log/slog"

	"github.com/tonimelisma/fieldsync/internal/conflict"
)

// Log writes every event to a structured logger. Escalations are logged at
// Warn so they stand out.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a Log notifier. A nil logger selects slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}

	return &Log{logger: logger}
}

// Notify implements conflict.Notifier.
func (l *Log) Notify(ctx context.Context, ev conflict.Event) {
	level := slog.LevelInfo
	if ev.Type == conflict.EventNeedsReview {
		level = slog.LevelWarn
	}

	l.logger.Log(ctx, level, "conflict event",
		slog.String("event", string(ev.Type)),
		slog.String("conflict_id", ev.ConflictID),
		slog.String("conflict_type", string(ev.ConflictType)),
		slog.String("entity", ev.EntityType+"/"+ev.EntityID),
		slog.String("strategy", string(ev.Strategy)),
		slog.String("winner", string(ev.Winner)),
		slog.String("resolved_by", ev.ResolvedBy),
	)
}

// Fanout forwards each event to every notifier in order.
type Fanout []conflict.Notifier

// Notify implements conflict.Notifier.
func (f Fanout) Notify(ctx context.Context, ev conflict.Event) {
	for _, n := range f {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}
