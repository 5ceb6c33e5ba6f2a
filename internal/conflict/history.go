package conflict

import (
	"context"
	"fmt"
)

// History is the append-only ledger of resolved conflicts.
type History struct {
	ledger  Ledger
	options func(entityType string) DecideOptions
}

// Append records a resolved conflict. Records without ResolvedAt are
// rejected; a duplicate id yields ErrDuplicate.
func (h *History) Append(ctx context.Context, rec Record) error {
	if !rec.Resolved() {
		return fmt.Errorf("%w: %s is not resolved", ErrInvalidRecord, rec.ID)
	}

	if err := h.ledger.Append(ctx, rec); err != nil {
		return fmt.Errorf("conflict: appending %s: %w", rec.ID, err)
	}

	return nil
}

// Get returns one history record or ErrNotFound.
func (h *History) Get(ctx context.Context, id string) (*Record, error) {
	return h.ledger.GetHistory(ctx, id)
}

// Recent returns up to limit records, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]Record, error) {
	recs, err := h.ledger.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("conflict: reading history: %w", err)
	}

	return recs, nil
}

// StatsByType counts resolved conflicts per type. Every type is present.
func (h *History) StatsByType(ctx context.Context) (map[Type]int, error) {
	stats, err := h.ledger.StatsByType(ctx)
	if err != nil {
		return nil, fmt.Errorf("conflict: reading history stats: %w", err)
	}

	for _, t := range AllTypes {
		if _, ok := stats[t]; !ok {
			stats[t] = 0
		}
	}

	return stats, nil
}

// ReplayMismatch is a history record whose strategy no longer reproduces
// the recorded outcome.
type ReplayMismatch struct {
	ConflictID       string         `json:"conflictId"`
	Strategy         Strategy       `json:"strategy"`
	RecordedWinner   Winner         `json:"recordedWinner"`
	RecomputedWinner Winner         `json:"recomputedWinner"`
	Recorded         map[string]any `json:"recorded"`
	Recomputed       map[string]any `json:"recomputed"`
}

// ReplayReport summarizes a Replay run.
type ReplayReport struct {
	Checked    int              `json:"checked"`
	Skipped    int              `json:"skipped"`
	Mismatches []ReplayMismatch `json:"mismatches,omitempty"`
}

// Replay re-runs the recorded strategy of up to limit recent automatic
// resolutions against their stored versions and reports every record whose
// outcome differs. Manual decisions are skipped.
func (h *History) Replay(ctx context.Context, limit int) (ReplayReport, error) {
	recs, err := h.Recent(ctx, limit)
	if err != nil {
		return ReplayReport{}, err
	}

	var report ReplayReport

	for i := range recs {
		rec := &recs[i]
		if rec.ResolutionStrategy == Manual || rec.ResolvedBy != ResolvedBySystem {
			report.Skipped++
			continue
		}

		report.Checked++

		d := Decide(rec.ResolutionStrategy, rec, h.options(rec.EntityType))
		if d.Manual || d.Winner != rec.Winner || !sameJSON(d.Value, rec.ResolvedValue) {
			report.Mismatches = append(report.Mismatches, ReplayMismatch{
				ConflictID:       rec.ID,
				Strategy:         rec.ResolutionStrategy,
				RecordedWinner:   rec.Winner,
				RecomputedWinner: d.Winner,
				Recorded:         rec.ResolvedValue,
				Recomputed:       d.Value,
			})
		}
	}

	return report, nil
}
