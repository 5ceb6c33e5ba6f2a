// Package conflict arbitrates between two versions of the same entity that
// were changed by different actors while partitioned from each other. It
// holds the strategy functions, the policy table that picks one per conflict
// type, the manual review queue, and the append-only resolution history.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
)

// Sentinel errors returned by ledgers and the review queue.
var (
	ErrNotFound      = errors.New("conflict: record not found")
	ErrDuplicate     = errors.New("conflict: record already exists")
	ErrInvalidRecord = errors.New("conflict: invalid record")
)

// Type classifies what kind of change clashed. Each type has one default
// strategy.
type Type string

// Conflict types.
const (
	TypeResourceAllocation Type = "resource_allocation"
	TypeTaskAssignment     Type = "task_assignment"
	TypeLocationUpdate     Type = "location_update"
	TypeStatusUpdate       Type = "status_update"
	TypeDataModification   Type = "data_modification"
)

// AllTypes lists every conflict type in display order.
var AllTypes = []Type{
	TypeResourceAllocation,
	TypeTaskAssignment,
	TypeLocationUpdate,
	TypeStatusUpdate,
	TypeDataModification,
}

// ParseType converts a string to a Type.
func ParseType(s string) (Type, error) {
	for _, t := range AllTypes {
		if string(t) == strings.ToLower(strings.TrimSpace(s)) {
			return t, nil
		}
	}

	return "", fmt.Errorf("conflict: unknown conflict type %q", s)
}

// Strategy names a resolution policy.
type Strategy string

// Resolution strategies.
const (
	LastWriteWins     Strategy = "LAST_WRITE_WINS"
	FirstWriteWins    Strategy = "FIRST_WRITE_WINS"
	Merge             Strategy = "MERGE"
	PriorityBased     Strategy = "PRIORITY_BASED"
	CommanderPriority Strategy = "COMMANDER_PRIORITY"
	Manual            Strategy = "MANUAL"
)

// AllStrategies lists every strategy.
var AllStrategies = []Strategy{LastWriteWins, FirstWriteWins, Merge, PriorityBased, CommanderPriority, Manual}

// ParseStrategy accepts the canonical names and their lower/kebab-case forms
// ("last-write-wins", "merge").
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for _, st := range AllStrategies {
		if string(st) == norm {
			return st, nil
		}
	}

	return "", fmt.Errorf("conflict: unknown strategy %q", s)
}

// DefaultPolicy returns the built-in conflict type -> strategy table.
func DefaultPolicy() map[Type]Strategy {
	return map[Type]Strategy{
		TypeResourceAllocation: CommanderPriority,
		TypeTaskAssignment:     CommanderPriority,
		TypeLocationUpdate:     LastWriteWins,
		TypeStatusUpdate:       LastWriteWins,
		TypeDataModification:   Merge,
	}
}

// Winner says which side a resolution kept.
type Winner string

// Winners. WinnerNone means no automatic decision was made.
const (
	WinnerNone   Winner = ""
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
)

// ResolvedBySystem is the resolvedBy stamp of automatic resolutions.
const ResolvedBySystem = "system"

// Record is one detected version clash. It is created once per clash,
// stamped with resolution metadata, and ends up either in the history or in
// the review queue.
type Record struct {
	ID              string         `json:"id"`
	Type            Type           `json:"type"`
	EntityType      string         `json:"entityType"`
	EntityID        string         `json:"entityId"`
	OperationID     string         `json:"operationId,omitempty"`
	LocalVersion    map[string]any `json:"localVersion"`
	RemoteVersion   map[string]any `json:"remoteVersion"`
	LocalTimestamp  int64          `json:"localTimestamp"`
	RemoteTimestamp int64          `json:"remoteTimestamp"`
	LocalActor      string         `json:"localActor,omitempty"`
	RemoteActor     string         `json:"remoteActor,omitempty"`
	DetectedAt      int64          `json:"detectedAt"`

	ResolutionStrategy Strategy       `json:"resolutionStrategy,omitempty"`
	Winner             Winner         `json:"winner,omitempty"`
	ResolvedAt         *int64         `json:"resolvedAt,omitempty"`
	ResolvedBy         string         `json:"resolvedBy,omitempty"`
	ResolvedValue      map[string]any `json:"resolvedValue,omitempty"`
}

// Resolved reports whether the record carries a terminal decision.
func (r *Record) Resolved() bool {
	return r.ResolvedAt != nil
}

// Validate checks the fields every record needs before it can be resolved.
func (r *Record) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	case r.EntityType == "" || r.EntityID == "":
		return fmt.Errorf("%w: %s has no entity", ErrInvalidRecord, r.ID)
	}

	if _, err := ParseType(string(r.Type)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidRecord, r.ID, err)
	}

	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() Record {
	cp := *r
	cp.LocalVersion = cloneObject(r.LocalVersion)
	cp.RemoteVersion = cloneObject(r.RemoteVersion)
	cp.ResolvedValue = cloneObject(r.ResolvedValue)

	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		cp.ResolvedAt = &at
	}

	return cp
}

// Result is what the resolver reports back to its caller. It is always
// returned; failures are described by Error rather than raised.
type Result struct {
	ConflictID     string         `json:"conflictId"`
	Success        bool           `json:"success"`
	StrategyUsed   Strategy       `json:"strategyUsed"`
	ResolvedValue  map[string]any `json:"resolvedValue,omitempty"`
	RequiresManual bool           `json:"requiresManual"`
	Winner         Winner         `json:"winner,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Handler resolves a conflict. The in-process Resolver and the HTTP client
// that delegates to a coordination server both implement it.
type Handler interface {
	Resolve(ctx context.Context, rec *Record) Result
}

// Ledger persists the review queue and the history. A record id lives in at
// most one of the two; Settle moves a record from the queue to the history
// atomically.
type Ledger interface {
	AddReview(ctx context.Context, rec Record) error
	ListReview(ctx context.Context) ([]Record, error)
	GetReview(ctx context.Context, id string) (*Record, error)
	CountReview(ctx context.Context) (int, error)

	Append(ctx context.Context, rec Record) error
	GetHistory(ctx context.Context, id string) (*Record, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
	StatsByType(ctx context.Context) (map[Type]int, error)

	Settle(ctx context.Context, rec Record) error
}

func cloneObject(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneObject(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}

		return out
	default:
		return v
	}
}

// policyWithDefaults overlays overrides on the default table.
func policyWithDefaults(overrides map[Type]Strategy) map[Type]Strategy {
	p := DefaultPolicy()
	maps.Copy(p, overrides)

	return p
}
