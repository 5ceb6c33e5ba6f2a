package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/fieldsync/internal/conflict"
)

// Ledger is the SQLite conflict.Ledger. History rows are protected by
// triggers that reject UPDATE and DELETE.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ conflict.Ledger = (*Ledger)(nil)

// AddReview implements conflict.Ledger.
func (l *Ledger) AddReview(ctx context.Context, rec conflict.Record) error {
	return l.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureUnused(ctx, tx, rec.ID); err != nil {
			return err
		}

		return insertReview(ctx, tx, &rec)
	})
}

// ListReview implements conflict.Ledger.
func (l *Ledger) ListReview(ctx context.Context) ([]conflict.Record, error) {
	return l.queryRecords(ctx, `SELECT record FROM conflict_review ORDER BY detected_at, seq`)
}

// GetReview implements conflict.Ledger.
func (l *Ledger) GetReview(ctx context.Context, id string) (*conflict.Record, error) {
	return l.getRecord(ctx, `SELECT record FROM conflict_review WHERE id = ?`, id)
}

// CountReview implements conflict.Ledger.
func (l *Ledger) CountReview(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflict_review`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting review queue: %w", err)
	}

	return n, nil
}

// Append implements conflict.Ledger.
func (l *Ledger) Append(ctx context.Context, rec conflict.Record) error {
	return l.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureUnused(ctx, tx, rec.ID); err != nil {
			return err
		}

		return insertHistory(ctx, tx, &rec)
	})
}

// GetHistory implements conflict.Ledger.
func (l *Ledger) GetHistory(ctx context.Context, id string) (*conflict.Record, error) {
	return l.getRecord(ctx, `SELECT record FROM conflict_history WHERE id = ?`, id)
}

// Recent implements conflict.Ledger.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]conflict.Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	return l.queryRecords(ctx, `SELECT record FROM conflict_history ORDER BY seq DESC LIMIT ?`, limit)
}

// StatsByType implements conflict.Ledger.
func (l *Ledger) StatsByType(ctx context.Context) (map[conflict.Type]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM conflict_history GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("store: history stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[conflict.Type]int)

	for rows.Next() {
		var (
			t string
			n int
		)

		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("store: scanning history stats: %w", err)
		}

		stats[conflict.Type(t)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating history stats: %w", err)
	}

	return stats, nil
}

// Settle implements conflict.Ledger: the review row is deleted and the
// history row inserted in one transaction.
func (l *Ledger) Settle(ctx context.Context, rec conflict.Record) error {
	return l.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM conflict_review WHERE id = ?`, rec.ID)
		if err != nil {
			return fmt.Errorf("store: removing %s from review: %w", rec.ID, err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: settle rows affected: %w", err)
		}

		if n == 0 {
			return conflict.ErrNotFound
		}

		return insertHistory(ctx, tx, &rec)
	})
}

func (l *Ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: ledger begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: ledger commit: %w", err)
	}

	return nil
}

func (l *Ledger) getRecord(ctx context.Context, query, id string) (*conflict.Record, error) {
	var body string

	err := l.db.QueryRowContext(ctx, query, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conflict.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: reading conflict %s: %w", id, err)
	}

	return decodeRecord(body)
}

func (l *Ledger) queryRecords(ctx context.Context, query string, args ...any) ([]conflict.Record, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing conflicts: %w", err)
	}
	defer rows.Close()

	var out []conflict.Record

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("store: scanning conflict: %w", err)
		}

		rec, err := decodeRecord(body)
		if err != nil {
			return nil, err
		}

		out = append(out, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating conflicts: %w", err)
	}

	return out, nil
}

// ensureUnused fails with ErrDuplicate when id is already in the review
// queue or the history.
func ensureUnused(ctx context.Context, tx *sql.Tx, id string) error {
	var n int

	err := tx.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM conflict_review WHERE id = ?) +
			(SELECT COUNT(*) FROM conflict_history WHERE id = ?)`, id, id).Scan(&n)
	if err != nil {
		return fmt.Errorf("store: checking conflict %s: %w", id, err)
	}

	if n > 0 {
		return fmt.Errorf("%w: %s", conflict.ErrDuplicate, id)
	}

	return nil
}

func insertReview(ctx context.Context, tx *sql.Tx, rec *conflict.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encoding conflict %s: %w", rec.ID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conflict_review (id, type, entity_type, entity_id, operation_id, detected_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Type), rec.EntityType, rec.EntityID, rec.OperationID, rec.DetectedAt, string(body))
	if err != nil {
		return fmt.Errorf("store: queueing conflict %s: %w", rec.ID, err)
	}

	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, rec *conflict.Record) error {
	if rec.ResolvedAt == nil {
		return fmt.Errorf("%w: %s is not resolved", conflict.ErrInvalidRecord, rec.ID)
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encoding conflict %s: %w", rec.ID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conflict_history
			(id, type, entity_type, entity_id, strategy, resolved_by, resolved_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Type), rec.EntityType, rec.EntityID, string(rec.ResolutionStrategy),
		rec.ResolvedBy, *rec.ResolvedAt, string(body))
	if err != nil {
		return fmt.Errorf("store: appending conflict %s: %w", rec.ID, err)
	}

	return nil
}

func decodeRecord(body string) (*conflict.Record, error) {
	var rec conflict.Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("store: decoding conflict record: %w", err)
	}

	return &rec, nil
}
