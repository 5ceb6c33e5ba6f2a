// Package queue defines the client-side operation queue: the Operation
// record, its status lifecycle, the Store contract implemented by durable
// backends, and an in-memory Store used by tests and embedders.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Use errors.Is to check.
var (
	ErrNotFound          = errors.New("queue: operation not found")
	ErrNotPending        = errors.New("queue: operation is not pending")
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	ErrInvalidOperation  = errors.New("queue: invalid operation")
)

// Kind is the mutation an operation carries.
type Kind string

// Operation kinds.
const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// ParseKind converts a stored or user-supplied string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindCreate:
		return KindCreate, nil
	case KindUpdate:
		return KindUpdate, nil
	case KindDelete:
		return KindDelete, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, s)
	}
}

// Status is the lifecycle state of an operation.
type Status string

// Operation statuses.
const (
	StatusPending  Status = "pending"
	StatusSynced   Status = "synced"
	StatusConflict Status = "conflict"
	StatusFailed   Status = "failed"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusPending, StatusSynced, StatusConflict, StatusFailed}

// ParseStatus converts a stored or user-supplied string to a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == strings.ToLower(strings.TrimSpace(s)) {
			return st, nil
		}
	}

	return "", fmt.Errorf("queue: unknown status %q", s)
}

// CanTransition reports whether an operation may move from one status to
// another. Rewriting the same status is allowed so conflict details can be
// refreshed. Synced is terminal.
func CanTransition(from, to Status) bool {
	if from == to {
		return from != StatusSynced
	}

	switch from {
	case StatusPending:
		return to == StatusSynced || to == StatusConflict || to == StatusFailed
	case StatusConflict, StatusFailed:
		return to == StatusPending
	default:
		return false
	}
}

// ConflictDetails is attached to an operation once the server reported a
// version clash for it and the resolver returned a decision.
type ConflictDetails struct {
	ConflictID      string         `json:"conflictId"`
	Strategy        string         `json:"strategy,omitempty"`
	Winner          string         `json:"winner,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	RequiresManual  bool           `json:"requiresManual,omitempty"`
	Force           bool           `json:"force,omitempty"`
	ResolvedValue   map[string]any `json:"resolvedValue,omitempty"`
	RemoteVersion   map[string]any `json:"remoteVersion,omitempty"`
	RemoteTimestamp int64          `json:"remoteTimestamp,omitempty"`
}

// Operation is a queued client mutation awaiting confirmation by the server.
// Everything except Status, ServerTimestamp, Conflict and the retry
// bookkeeping (LastError, Attempts, UpdatedAt) is fixed at creation.
type Operation struct {
	Seq             int64 // store-assigned insertion order
	ID              string
	EntityType      string
	EntityID        string
	Kind            Kind
	Payload         map[string]any
	ClientTimestamp int64  // Unix milliseconds
	ServerTimestamp *int64 // Unix milliseconds, set on sync
	Status          Status
	Conflict        *ConflictDetails
	LastError       string
	Attempts        int
	UpdatedAt       int64 // Unix milliseconds
}

// EntityKey identifies the entity the operation targets. Operations sharing a
// key must reach the server in queue order.
func (o *Operation) EntityKey() string {
	return EntityKey(o.EntityType, o.EntityID)
}

// EntityKey joins an entity type and id into a single map key.
func EntityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// Patch names the mutable fields of an operation. Nil pointers leave the
// field untouched.
type Patch struct {
	Status          *Status
	ServerTimestamp *int64
	Conflict        *ConflictDetails
	ClearConflict   bool
	LastError       *string
	IncAttempts     bool
}

// Store is the durable operation queue. Implementations must return
// operations in queue order (Seq ascending) from every List method.
type Store interface {
	Enqueue(ctx context.Context, entityType, entityID string, kind Kind, payload map[string]any) (string, error)
	Get(ctx context.Context, id string) (*Operation, error)
	ListByStatus(ctx context.Context, status Status) ([]Operation, error)
	ListByEntity(ctx context.Context, entityType, entityID string) ([]Operation, error)
	Update(ctx context.Context, id string, patch Patch) error
	Drop(ctx context.Context, id string) error
	Counts(ctx context.Context) (map[Status]int, error)
	RetryFailed(ctx context.Context) (int, error)
}

// ValidateEnqueue checks the arguments of an Enqueue call and returns the
// payload to store. Deletes may carry no payload; creates and updates get an
// empty object when none is supplied.
func ValidateEnqueue(entityType, entityID string, kind Kind, payload map[string]any) (map[string]any, error) {
	if strings.TrimSpace(entityType) == "" {
		return nil, fmt.Errorf("%w: entity type is empty", ErrInvalidOperation)
	}

	if strings.TrimSpace(entityID) == "" {
		return nil, fmt.Errorf("%w: entity id is empty", ErrInvalidOperation)
	}

	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}

	if payload == nil {
		payload = map[string]any{}
	}

	return payload, nil
}

// ApplyPatch applies p to op after checking the status transition. It is
// shared by every Store implementation so the rules cannot drift.
func ApplyPatch(op *Operation, p Patch, now int64) error {
	if p.Status != nil {
		if !CanTransition(op.Status, *p.Status) {
			return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, op.Status, *p.Status, op.ID)
		}

		op.Status = *p.Status
	}

	if p.ServerTimestamp != nil {
		ts := *p.ServerTimestamp
		op.ServerTimestamp = &ts
	}

	if p.ClearConflict {
		op.Conflict = nil
	}

	if p.Conflict != nil {
		details := *p.Conflict
		op.Conflict = &details
	}

	if p.LastError != nil {
		op.LastError = *p.LastError
	}

	if p.IncAttempts {
		op.Attempts++
	}

	op.UpdatedAt = now

	return nil
}

// StatusPtr returns a pointer to s, for building Patch values inline.
func StatusPtr(s Status) *Status {
	return &s
}
