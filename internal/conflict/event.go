package conflict

import "context"

// EventType names a notification emitted by the resolver and review queue.
type EventType string

// Event types.
const (
	EventNeedsReview EventType = "conflict.needs_review"
	EventResolved    EventType = "conflict.resolved"
)

// Event is published whenever a conflict is escalated or settled.
type Event struct {
	Type         EventType `json:"type"`
	ConflictID   string    `json:"conflictId"`
	ConflictType Type      `json:"conflictType"`
	EntityType   string    `json:"entityType"`
	EntityID     string    `json:"entityId"`
	Strategy     Strategy  `json:"strategy,omitempty"`
	Winner       Winner    `json:"winner,omitempty"`
	ResolvedBy   string    `json:"resolvedBy,omitempty"`
	At           int64     `json:"at"`
}

// Notifier receives conflict events. Implementations must not block the
// caller for long and must be safe for concurrent use; delivery failures
// are theirs to log.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NopNotifier discards events.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Event) {}

func eventFor(t EventType, rec *Record, at int64) Event {
	return Event{
		Type:         t,
		ConflictID:   rec.ID,
		ConflictType: rec.Type,
		EntityType:   rec.EntityType,
		EntityID:     rec.EntityID,
		Strategy:     rec.ResolutionStrategy,
		Winner:       rec.Winner,
		ResolvedBy:   rec.ResolvedBy,
		At:           at,
	}
}
