package queue

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a non-durable Store. Thread-safe. Returned operations are
// copies; mutating them does not affect the store.
type MemoryStore struct {
	mu      sync.RWMutex
	ops     map[string]*Operation
	nextSeq int64
	nowFunc func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory queue.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops:     make(map[string]*Operation),
		nowFunc: time.Now,
	}
}

// SetNowFunc replaces the clock used for client timestamps.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nowFunc = now
}

// Enqueue appends a pending operation and returns its id.
func (s *MemoryStore) Enqueue(
	_ context.Context, entityType, entityID string, kind Kind, payload map[string]any,
) (string, error) {
	payload, err := ValidateEnqueue(entityType, entityID, kind, payload)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc().UnixMilli()
	s.nextSeq++

	op := &Operation{
		Seq:             s.nextSeq,
		ID:              uuid.New().String(),
		EntityType:      entityType,
		EntityID:        entityID,
		Kind:            kind,
		Payload:         maps.Clone(payload),
		ClientTimestamp: now,
		Status:          StatusPending,
		UpdatedAt:       now,
	}

	s.ops[op.ID] = op

	return op.ID, nil
}

// Get returns a copy of the operation with the given id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.ops[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := copyOperation(op)

	return &cp, nil
}

// ListByStatus returns all operations with the given status in queue order.
func (s *MemoryStore) ListByStatus(_ context.Context, status Status) ([]Operation, error) {
	return s.filter(func(op *Operation) bool { return op.Status == status }), nil
}

// ListByEntity returns all operations for one entity in queue order.
func (s *MemoryStore) ListByEntity(_ context.Context, entityType, entityID string) ([]Operation, error) {
	return s.filter(func(op *Operation) bool {
		return op.EntityType == entityType && op.EntityID == entityID
	}), nil
}

// Update applies a patch to the mutable fields of an operation.
func (s *MemoryStore) Update(_ context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return ErrNotFound
	}

	// Apply to a copy so a rejected transition leaves the stored row intact.
	cp := copyOperation(op)
	if err := ApplyPatch(&cp, patch, s.nowFunc().UnixMilli()); err != nil {
		return err
	}

	s.ops[id] = &cp

	return nil
}

// Drop removes a still-pending operation.
func (s *MemoryStore) Drop(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return ErrNotFound
	}

	if op.Status != StatusPending {
		return ErrNotPending
	}

	delete(s.ops, id)

	return nil
}

// Counts returns the number of operations per status. Every status is
// present in the result, zero or not.
func (s *MemoryStore) Counts(_ context.Context) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}

	for _, op := range s.ops {
		counts[op.Status]++
	}

	return counts, nil
}

// RetryFailed moves every failed operation back to pending and returns how
// many were reset.
func (s *MemoryStore) RetryFailed(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc().UnixMilli()
	n := 0

	for _, op := range s.ops {
		if op.Status != StatusFailed {
			continue
		}

		op.Status = StatusPending
		op.LastError = ""
		op.UpdatedAt = now
		n++
	}

	return n, nil
}

func (s *MemoryStore) filter(keep func(*Operation) bool) []Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Operation

	for _, op := range s.ops {
		if keep(op) {
			out = append(out, copyOperation(op))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	return out
}

// copyOperation returns a copy that shares no mutable state with op. Payload
// maps are cloned one level deep; nested values are never mutated in place.
func copyOperation(op *Operation) Operation {
	cp := *op
	cp.Payload = maps.Clone(op.Payload)

	if op.ServerTimestamp != nil {
		ts := *op.ServerTimestamp
		cp.ServerTimestamp = &ts
	}

	if op.Conflict != nil {
		details := *op.Conflict
		cp.Conflict = &details
	}

	return cp
}
