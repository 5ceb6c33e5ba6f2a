package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/fieldsync/internal/queue"
)

const sqlSelectOperation = `SELECT seq, id, entity_type, entity_id, kind, payload, client_ts,
	server_ts, status, conflict, last_error, attempts, updated_at FROM operations`

// OperationStore is the durable queue.Store. Every write is committed before
// the call returns.
type OperationStore struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

var _ queue.Store = (*OperationStore)(nil)

// Enqueue implements queue.Store.
func (s *OperationStore) Enqueue(
	ctx context.Context, entityType, entityID string, kind queue.Kind, payload map[string]any,
) (string, error) {
	payload, err := queue.ValidateEnqueue(entityType, entityID, kind, payload)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: encoding payload: %w", queue.ErrInvalidOperation, err)
	}

	id := uuid.New().String()
	now := s.nowFunc().UnixMilli()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO operations (id, entity_type, entity_id, kind, payload, client_ts, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, entityType, entityID, string(kind), string(body), now, string(queue.StatusPending), now)
	if err != nil {
		return "", fmt.Errorf("store: enqueue %s/%s: %w", entityType, entityID, err)
	}

	s.logger.Debug("operation enqueued",
		slog.String("op_id", id),
		slog.String("entity", queue.EntityKey(entityType, entityID)),
		slog.String("kind", string(kind)),
	)

	return id, nil
}

// Get implements queue.Store.
func (s *OperationStore) Get(ctx context.Context, id string) (*queue.Operation, error) {
	row := s.db.QueryRowContext(ctx, sqlSelectOperation+` WHERE id = ?`, id)

	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return op, nil
}

// ListByStatus implements queue.Store.
func (s *OperationStore) ListByStatus(ctx context.Context, status queue.Status) ([]queue.Operation, error) {
	return s.query(ctx, sqlSelectOperation+` WHERE status = ? ORDER BY seq`, string(status))
}

// ListByEntity implements queue.Store.
func (s *OperationStore) ListByEntity(ctx context.Context, entityType, entityID string) ([]queue.Operation, error) {
	return s.query(ctx, sqlSelectOperation+` WHERE entity_type = ? AND entity_id = ? ORDER BY seq`,
		entityType, entityID)
}

// Update implements queue.Store. The row is rewritten only if its status is
// still the one the patch was validated against.
func (s *OperationStore) Update(ctx context.Context, id string, patch queue.Patch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: update begin: %w", err)
	}
	defer tx.Rollback()

	op, err := scanOperation(tx.QueryRowContext(ctx, sqlSelectOperation+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return queue.ErrNotFound
	}

	if err != nil {
		return err
	}

	prev := op.Status
	if err := queue.ApplyPatch(op, patch, s.nowFunc().UnixMilli()); err != nil {
		return err
	}

	conflictJSON, err := encodeConflict(op.Conflict)
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE operations SET status = ?, server_ts = ?, conflict = ?, last_error = ?,
			attempts = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(op.Status), nullInt64(op.ServerTimestamp), conflictJSON, op.LastError,
		op.Attempts, op.UpdatedAt, id, string(prev))
	if err != nil {
		return fmt.Errorf("store: update %s: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update %s rows affected: %w", id, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s changed concurrently", queue.ErrInvalidTransition, id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: update commit: %w", err)
	}

	return nil
}

// Drop implements queue.Store.
func (s *OperationStore) Drop(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM operations WHERE id = ? AND status = ?`, id, string(queue.StatusPending))
	if err != nil {
		return fmt.Errorf("store: drop %s: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: drop %s rows affected: %w", id, err)
	}

	if n == 1 {
		return nil
	}

	// Distinguish a missing row from a non-pending one.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	return queue.ErrNotPending
}

// Counts implements queue.Store.
func (s *OperationStore) Counts(ctx context.Context) (map[queue.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: counting operations: %w", err)
	}
	defer rows.Close()

	counts := make(map[queue.Status]int, len(queue.AllStatuses))
	for _, st := range queue.AllStatuses {
		counts[st] = 0
	}

	for rows.Next() {
		var (
			status string
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: scanning counts: %w", err)
		}

		counts[queue.Status(status)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating counts: %w", err)
	}

	return counts, nil
}

// RetryFailed implements queue.Store.
func (s *OperationStore) RetryFailed(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, last_error = '', updated_at = ? WHERE status = ?`,
		string(queue.StatusPending), s.nowFunc().UnixMilli(), string(queue.StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("store: retrying failed operations: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: retry rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Info("failed operations reset to pending", slog.Int64("count", n))
	}

	return int(n), nil
}

func (s *OperationStore) query(ctx context.Context, query string, args ...any) ([]queue.Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing operations: %w", err)
	}
	defer rows.Close()

	var out []queue.Operation

	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating operations: %w", err)
	}

	return out, nil
}

// scanner is the subset of *sql.Row and *sql.Rows used by scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (*queue.Operation, error) {
	var (
		op       queue.Operation
		kind     string
		status   string
		payload  string
		serverTS sql.NullInt64
		conflict sql.NullString
	)

	err := row.Scan(&op.Seq, &op.ID, &op.EntityType, &op.EntityID, &kind, &payload, &op.ClientTimestamp,
		&serverTS, &status, &conflict, &op.LastError, &op.Attempts, &op.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("store: scanning operation: %w", err)
	}

	op.Kind = queue.Kind(kind)
	op.Status = queue.Status(status)

	if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
		return nil, fmt.Errorf("store: decoding payload of %s: %w", op.ID, err)
	}

	if serverTS.Valid {
		ts := serverTS.Int64
		op.ServerTimestamp = &ts
	}

	if conflict.Valid && conflict.String != "" {
		var details queue.ConflictDetails
		if err := json.Unmarshal([]byte(conflict.String), &details); err != nil {
			return nil, fmt.Errorf("store: decoding conflict details of %s: %w", op.ID, err)
		}

		op.Conflict = &details
	}

	return &op, nil
}

func encodeConflict(d *queue.ConflictDetails) (sql.NullString, error) {
	if d == nil {
		return sql.NullString{}, nil
	}

	b, err := json.Marshal(d)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("store: encoding conflict details: %w", err)
	}

	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: *v, Valid: true}
}
