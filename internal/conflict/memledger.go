package conflict

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryLedger is a non-durable Ledger for tests and single-process use.
type MemoryLedger struct {
	mu      sync.Mutex
	review  []Record
	history []Record
	ids     map[string]bool
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{ids: make(map[string]bool)}
}

// AddReview queues rec for manual review.
func (m *MemoryLedger) AddReview(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ids[rec.ID] {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}

	m.ids[rec.ID] = true
	m.review = append(m.review, rec.Clone())

	return nil
}

// ListReview returns a snapshot of the review queue in detection order.
func (m *MemoryLedger) ListReview(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.review))
	for i := range m.review {
		out = append(out, m.review[i].Clone())
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt < out[j].DetectedAt })

	return out, nil
}

// GetReview returns one queued record.
func (m *MemoryLedger) GetReview(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := indexOf(m.review, id); i >= 0 {
		cp := m.review[i].Clone()
		return &cp, nil
	}

	return nil, ErrNotFound
}

// CountReview returns the review queue length.
func (m *MemoryLedger) CountReview(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.review), nil
}

// Append adds a resolved record to the history.
func (m *MemoryLedger) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ids[rec.ID] {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}

	m.ids[rec.ID] = true
	m.history = append(m.history, rec.Clone())

	return nil
}

// GetHistory returns one history record.
func (m *MemoryLedger) GetHistory(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := indexOf(m.history, id); i >= 0 {
		cp := m.history[i].Clone()
		return &cp, nil
	}

	return nil, ErrNotFound
}

// Recent returns up to limit history records, newest first. limit <= 0
// returns everything.
func (m *MemoryLedger) Recent(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.history))
	for i := len(m.history) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}

		out = append(out, m.history[i].Clone())
	}

	return out, nil
}

// StatsByType counts history records per conflict type.
func (m *MemoryLedger) StatsByType(_ context.Context) (map[Type]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[Type]int)
	for i := range m.history {
		stats[m.history[i].Type]++
	}

	return stats, nil
}

// Settle removes rec.ID from the review queue and appends rec to the
// history in one step.
func (m *MemoryLedger) Settle(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := indexOf(m.review, rec.ID)
	if i < 0 {
		return ErrNotFound
	}

	m.review = append(m.review[:i], m.review[i+1:]...)
	m.history = append(m.history, rec.Clone())

	return nil
}

func indexOf(recs []Record, id string) int {
	for i := range recs {
		if recs[i].ID == id {
			return i
		}
	}

	return -1
}
