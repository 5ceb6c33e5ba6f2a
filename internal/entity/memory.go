package entity

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository is a non-durable Repository.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]Entity
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]Entity)}
}

// Get implements Repository.
func (m *MemoryRepository) Get(_ context.Context, entityType, id string) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.rows[key(entityType, id)]
	if !ok {
		return nil, ErrNotFound
	}

	cp := e.Clone()

	return &cp, nil
}

// Put implements Repository.
func (m *MemoryRepository) Put(_ context.Context, e Entity, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(e.Type, e.ID)

	var current int64
	if cur, ok := m.rows[k]; ok {
		current = cur.Version
	}

	if current != expectedVersion {
		return ErrStale
	}

	m.rows[k] = e.Clone()

	return nil
}

// List implements Repository.
func (m *MemoryRepository) List(_ context.Context, entityType string) ([]Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entity

	for _, e := range m.rows {
		if e.Type == entityType && !e.Deleted {
			out = append(out, e.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func key(entityType, id string) string {
	return entityType + "/" + id
}
