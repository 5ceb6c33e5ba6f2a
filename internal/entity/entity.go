// Package entity holds the server's copy of every coordinated record (tasks,
// reports, check-ins) together with the version metadata used to detect
// stale client writes.
package entity

import (
	"context"
	"errors"
	"maps"
	"slices"
)

// Sentinel errors. Use errors.Is to check.
var (
	ErrNotFound = errors.New("entity: not found")
	// ErrStale is returned by Repository.Put when the stored version moved.
	ErrStale = errors.New("entity: stored version changed")
	// ErrConflict is returned by Service.Apply when the incoming change is
	// based on an outdated version. The Outcome carries the current entity.
	ErrConflict = errors.New("entity: version conflict")
	ErrInvalid  = errors.New("entity: invalid mutation")
)

// Entity is the authoritative server version of one record.
type Entity struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Data    map[string]any `json:"data"`
	Version int64          `json:"version"`
	// ModifiedAt is the client timestamp of the change that produced this
	// version, in Unix milliseconds.
	ModifiedAt int64 `json:"modifiedAt"`
	// ServerTimestamp is when the server accepted the change.
	ServerTimestamp int64  `json:"serverTimestamp"`
	Actor           string `json:"actor,omitempty"`
	Deleted         bool   `json:"deleted,omitempty"`

	// AppliedOperations holds the ids of the most recent client operations
	// applied to this entity, oldest first, at most MaxAppliedOperations.
	AppliedOperations []string `json:"-"`
}

// MaxAppliedOperations bounds Entity.AppliedOperations. A resubmission of an
// operation that has dropped out of the window is treated as a new write.
const MaxAppliedOperations = 64

// HasApplied reports whether operation id was already applied.
func (e *Entity) HasApplied(id string) bool {
	return id != "" && slices.Contains(e.AppliedOperations, id)
}

// withApplied returns ops plus id, trimmed to the newest
// MaxAppliedOperations entries.
func withApplied(ops []string, id string) []string {
	out := slices.Clone(ops)
	if id == "" {
		return out
	}

	out = append(out, id)
	if len(out) > MaxAppliedOperations {
		out = out[len(out)-MaxAppliedOperations:]
	}

	return out
}

// Clone returns a copy whose Data can be modified freely.
func (e *Entity) Clone() Entity {
	cp := *e
	cp.Data = maps.Clone(e.Data)
	cp.AppliedOperations = slices.Clone(e.AppliedOperations)

	return cp
}

// Repository reads and writes entities with optimistic concurrency.
type Repository interface {
	// Get returns the stored entity, tombstones included, or ErrNotFound.
	Get(ctx context.Context, entityType, id string) (*Entity, error)
	// Put stores e if the current version equals expectedVersion (0 means
	// absent) and returns ErrStale otherwise.
	Put(ctx context.Context, e Entity, expectedVersion int64) error
	// List returns the live entities of one type ordered by id.
	List(ctx context.Context, entityType string) ([]Entity, error)
}
