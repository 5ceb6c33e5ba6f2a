package entity

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/fieldsync/internal/queue"
)

// maxApplyAttempts bounds the compare-and-set retry loop in Apply. Writers
// in this process are serialized per entity; retries only happen when
// another process shares the repository.
const maxApplyAttempts = 5

const lockStripes = 64

// Reserved payload keys that are request metadata, not entity data.
const (
	fieldClientTimestamp = "clientTimestamp"
	fieldVersion         = "version"
)

// Mutation is one client change as received by the server.
type Mutation struct {
	OperationID     string
	EntityType      string
	EntityID        string
	Kind            queue.Kind
	Payload         map[string]any
	ClientTimestamp int64
	Actor           string
	// Force skips every version check.
	Force bool
}

// Outcome describes what Apply did. On ErrConflict, Entity is the current
// server version the client must reconcile with.
type Outcome struct {
	Entity   Entity
	Replayed bool
}

// Service applies client mutations to a Repository, rejecting those based on
// an outdated version.
type Service struct {
	repo    Repository
	logger  *slog.Logger
	nowFunc func() time.Time
	stripes [lockStripes]sync.Mutex
}

// NewService creates a Service. A nil logger selects slog.Default().
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{repo: repo, logger: logger, nowFunc: time.Now}
}

func (s *Service) lock(entityType, id string) func() {
	h := fnv.New32a()
	h.Write([]byte(key(entityType, id)))

	mu := &s.stripes[h.Sum32()%lockStripes]
	mu.Lock()

	return mu.Unlock
}

// SetNowFunc replaces the clock used for server timestamps.
func (s *Service) SetNowFunc(now func() time.Time) {
	s.nowFunc = now
}

// Get returns a live entity. Tombstones are reported as ErrNotFound.
func (s *Service) Get(ctx context.Context, entityType, id string) (*Entity, error) {
	e, err := s.repo.Get(ctx, entityType, id)
	if err != nil {
		return nil, err
	}

	if e.Deleted {
		return nil, ErrNotFound
	}

	return e, nil
}

// List returns the live entities of one type.
func (s *Service) List(ctx context.Context, entityType string) ([]Entity, error) {
	return s.repo.List(ctx, entityType)
}

// Apply validates m against the stored version and writes it.
//
// A resubmission of any operation among the entity's recently applied ones
// returns the current state with Replayed set and writes nothing, even when
// later operations have been applied since.
// Otherwise, unless m.Force is set:
//   - create of a live entity conflicts;
//   - update or delete of a missing entity is ErrNotFound, of a deleted one
//     conflicts;
//   - a payload "version" that differs from the stored version conflicts;
//   - without a version, a change authored before another actor's write was
//     accepted conflicts.
func (s *Service) Apply(ctx context.Context, m Mutation) (Outcome, error) {
	if err := validate(m); err != nil {
		return Outcome{}, err
	}

	unlock := s.lock(m.EntityType, m.EntityID)
	defer unlock()

	for range maxApplyAttempts {
		out, err := s.applyOnce(ctx, m)
		if !errors.Is(err, ErrStale) {
			return out, err
		}

		s.logger.Debug("entity changed during apply, retrying",
			slog.String("entity", key(m.EntityType, m.EntityID)))
	}

	return Outcome{}, fmt.Errorf("entity: applying %s: %w", key(m.EntityType, m.EntityID), ErrStale)
}

// ForceWrite stores value as the new version of an entity regardless of
// version checks, creating it when missing. Manual conflict decisions use
// it.
func (s *Service) ForceWrite(ctx context.Context, entityType, id string, value map[string]any, actor string) (Entity, error) {
	out, err := s.Apply(ctx, Mutation{
		EntityType:      entityType,
		EntityID:        id,
		Kind:            queue.KindUpdate,
		Payload:         value,
		ClientTimestamp: s.nowFunc().UnixMilli(),
		Actor:           actor,
		Force:           true,
	})

	return out.Entity, err
}

func (s *Service) applyOnce(ctx context.Context, m Mutation) (Outcome, error) {
	cur, err := s.repo.Get(ctx, m.EntityType, m.EntityID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Outcome{}, fmt.Errorf("entity: reading %s: %w", key(m.EntityType, m.EntityID), err)
	}

	exists := cur != nil

	if exists && cur.HasApplied(m.OperationID) {
		return Outcome{Entity: *cur, Replayed: true}, nil
	}

	if !m.Force {
		if err := checkVersion(cur, m); err != nil {
			if exists {
				return Outcome{Entity: *cur}, err
			}

			return Outcome{}, err
		}
	} else if !exists && m.Kind == queue.KindDelete {
		return Outcome{}, ErrNotFound
	}

	next := Entity{
		Type:              m.EntityType,
		ID:                m.EntityID,
		Version:           1,
		ModifiedAt:        m.ClientTimestamp,
		ServerTimestamp:   s.nowFunc().UnixMilli(),
		Actor:             m.Actor,
		AppliedOperations: withApplied(nil, m.OperationID),
	}

	var expected int64

	if exists {
		expected = cur.Version
		next.Version = cur.Version + 1
		next.AppliedOperations = withApplied(cur.AppliedOperations, m.OperationID)

		if next.ServerTimestamp <= cur.ServerTimestamp {
			next.ServerTimestamp = cur.ServerTimestamp + 1
		}
	}

	data := entityData(m.Payload)

	switch m.Kind {
	case queue.KindCreate:
		next.Data = data
	case queue.KindUpdate:
		next.Data = map[string]any{}
		if exists && !cur.Deleted {
			maps.Copy(next.Data, cur.Data)
		}

		maps.Copy(next.Data, data)
	case queue.KindDelete:
		next.Data = cur.Data
		next.Deleted = true
	}

	if err := s.repo.Put(ctx, next, expected); err != nil {
		return Outcome{}, err
	}

	s.logger.Debug("entity written",
		slog.String("entity", key(m.EntityType, m.EntityID)),
		slog.String("kind", string(m.Kind)),
		slog.Int64("version", next.Version),
		slog.Bool("force", m.Force),
	)

	return Outcome{Entity: next}, nil
}

func checkVersion(cur *Entity, m Mutation) error {
	if m.Kind == queue.KindCreate {
		if cur != nil && !cur.Deleted {
			return fmt.Errorf("%w: %s already exists", ErrConflict, key(m.EntityType, m.EntityID))
		}

		return nil
	}

	if cur == nil {
		return ErrNotFound
	}

	if cur.Deleted {
		return fmt.Errorf("%w: %s was deleted", ErrConflict, key(m.EntityType, m.EntityID))
	}

	if v, ok := versionOf(m.Payload); ok {
		if v != cur.Version {
			return fmt.Errorf("%w: %s is at version %d, change based on %d",
				ErrConflict, key(m.EntityType, m.EntityID), cur.Version, v)
		}

		return nil
	}

	if cur.Actor != m.Actor && cur.ServerTimestamp > m.ClientTimestamp {
		return fmt.Errorf("%w: %s was changed by %q after %d",
			ErrConflict, key(m.EntityType, m.EntityID), cur.Actor, m.ClientTimestamp)
	}

	return nil
}

func validate(m Mutation) error {
	if strings.TrimSpace(m.EntityType) == "" || strings.TrimSpace(m.EntityID) == "" {
		return fmt.Errorf("%w: entity type and id are required", ErrInvalid)
	}

	if _, err := queue.ParseKind(string(m.Kind)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return nil
}

// entityData strips request metadata from a payload.
func entityData(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))

	for k, v := range payload {
		if k == fieldClientTimestamp || k == fieldVersion {
			continue
		}

		out[k] = v
	}

	return out
}

func versionOf(payload map[string]any) (int64, bool) {
	switch v := payload[fieldVersion].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
