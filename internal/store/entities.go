package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tonimelisma/fieldsync/internal/entity"
)

const sqlSelectEntity = `SELECT entity_type, entity_id, data, version, modified_at, server_ts,
	actor, deleted, applied_ops FROM entities`

// EntityRepository is the SQLite entity.Repository. Put is a
// compare-and-set on the version column.
type EntityRepository struct {
	db *sql.DB
}

var _ entity.Repository = (*EntityRepository)(nil)

// Get implements entity.Repository.
func (r *EntityRepository) Get(ctx context.Context, entityType, id string) (*entity.Entity, error) {
	row := r.db.QueryRowContext(ctx, sqlSelectEntity+` WHERE entity_type = ? AND entity_id = ?`, entityType, id)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.ErrNotFound
	}

	return e, err
}

// Put implements entity.Repository.
func (r *EntityRepository) Put(ctx context.Context, e entity.Entity, expectedVersion int64) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("store: encoding %s/%s: %w", e.Type, e.ID, err)
	}

	applied, err := json.Marshal(e.AppliedOperations)
	if err != nil {
		return fmt.Errorf("store: encoding applied operations of %s/%s: %w", e.Type, e.ID, err)
	}

	var result sql.Result

	if expectedVersion == 0 {
		result, err = r.db.ExecContext(ctx,
			`INSERT INTO entities (entity_type, entity_id, data, version, modified_at, server_ts,
				actor, deleted, applied_ops)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (entity_type, entity_id) DO NOTHING`,
			e.Type, e.ID, string(data), e.Version, e.ModifiedAt, e.ServerTimestamp,
			e.Actor, e.Deleted, string(applied))
	} else {
		result, err = r.db.ExecContext(ctx,
			`UPDATE entities SET data = ?, version = ?, modified_at = ?, server_ts = ?, actor = ?,
				deleted = ?, applied_ops = ?
			WHERE entity_type = ? AND entity_id = ? AND version = ?`,
			string(data), e.Version, e.ModifiedAt, e.ServerTimestamp, e.Actor,
			e.Deleted, string(applied),
			e.Type, e.ID, expectedVersion)
	}

	if err != nil {
		return fmt.Errorf("store: writing %s/%s: %w", e.Type, e.ID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: write rows affected: %w", err)
	}

	if n == 0 {
		return entity.ErrStale
	}

	return nil
}

// List implements entity.Repository.
func (r *EntityRepository) List(ctx context.Context, entityType string) ([]entity.Entity, error) {
	rows, err := r.db.QueryContext(ctx,
		sqlSelectEntity+` WHERE entity_type = ? AND deleted = 0 ORDER BY entity_id`, entityType)
	if err != nil {
		return nil, fmt.Errorf("store: listing %s: %w", entityType, err)
	}
	defer rows.Close()

	var out []entity.Entity

	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating %s: %w", entityType, err)
	}

	return out, nil
}

func scanEntity(row scanner) (*entity.Entity, error) {
	var (
		e       entity.Entity
		data    string
		applied string
	)

	err := row.Scan(&e.Type, &e.ID, &data, &e.Version, &e.ModifiedAt, &e.ServerTimestamp,
		&e.Actor, &e.Deleted, &applied)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("store: scanning entity: %w", err)
	}

	if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
		return nil, fmt.Errorf("store: decoding %s/%s: %w", e.Type, e.ID, err)
	}

	if err := json.Unmarshal([]byte(applied), &e.AppliedOperations); err != nil {
		return nil, fmt.Errorf("store: decoding applied operations of %s/%s: %w", e.Type, e.ID, err)
	}

	return &e, nil
}
