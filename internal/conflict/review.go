package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ReviewQueue holds conflicts no strategy could settle automatically until
// a human decides them.
type ReviewQueue struct {
	ledger   Ledger
	notifier Notifier
	logger   *slog.Logger
	now      func() int64
}

// List returns a snapshot of the queue in detection order.
func (q *ReviewQueue) List(ctx context.Context) ([]Record, error) {
	recs, err := q.ledger.ListReview(ctx)
	if err != nil {
		return nil, fmt.Errorf("conflict: listing review queue: %w", err)
	}

	return recs, nil
}

// Get returns one queued record or ErrNotFound.
func (q *ReviewQueue) Get(ctx context.Context, id string) (*Record, error) {
	return q.ledger.GetReview(ctx, id)
}

// Count returns the number of records awaiting review.
func (q *ReviewQueue) Count(ctx context.Context) (int, error) {
	n, err := q.ledger.CountReview(ctx)
	if err != nil {
		return 0, fmt.Errorf("conflict: counting review queue: %w", err)
	}

	return n, nil
}

// ResolveManually records a human decision. It returns false when id is not
// (or no longer) in the queue.
func (q *ReviewQueue) ResolveManually(ctx context.Context, id string, value map[string]any, resolvedBy string) (bool, error) {
	_, err := q.Settle(ctx, id, value, resolvedBy)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// Settle is ResolveManually returning the stamped record, for callers that
// must apply the decided value elsewhere.
func (q *ReviewQueue) Settle(ctx context.Context, id string, value map[string]any, resolvedBy string) (*Record, error) {
	if strings.TrimSpace(resolvedBy) == "" {
		return nil, fmt.Errorf("%w: resolvedBy is required", ErrInvalidRecord)
	}

	rec, err := q.ledger.GetReview(ctx, id)
	if err != nil {
		return nil, err
	}

	if value == nil {
		value = map[string]any{}
	}

	now := q.now()
	rec.ResolutionStrategy = Manual
	rec.ResolvedAt = &now
	rec.ResolvedBy = resolvedBy
	rec.ResolvedValue = cloneObject(value)
	rec.Winner = winnerOf(rec)

	if err := q.ledger.Settle(ctx, *rec); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}

		return nil, fmt.Errorf("conflict: settling %s: %w", id, err)
	}

	q.logger.Info("conflict resolved manually",
		slog.String("conflict_id", id),
		slog.String("resolved_by", resolvedBy),
		slog.String("winner", string(rec.Winner)),
	)

	q.notifier.Notify(ctx, eventFor(EventResolved, rec, now))

	return rec, nil
}

// winnerOf names the side a human decision matches, if any.
func winnerOf(rec *Record) Winner {
	switch {
	case sameJSON(rec.ResolvedValue, rec.LocalVersion):
		return WinnerLocal
	case sameJSON(rec.ResolvedValue, rec.RemoteVersion):
		return WinnerRemote
	default:
		return WinnerMerged
	}
}
