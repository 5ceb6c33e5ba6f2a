// Package pgstore keeps the conflict ledger and the entity table in
// PostgreSQL through gorm, for coordination servers that share one database
// between several instances.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tonimelisma/fieldsync/internal/conflict"
	"github.com/tonimelisma/fieldsync/internal/entity"
)

type reviewRow struct {
	Seq         int64  `gorm:"primaryKey;autoIncrement"`
	ID          string `gorm:"column:id;type:varchar(64);uniqueIndex;not null"`
	Type        string `gorm:"type:varchar(32);not null"`
	EntityType  string `gorm:"type:varchar(64);not null"`
	EntityID    string `gorm:"type:varchar(255);not null"`
	OperationID string `gorm:"type:varchar(64);not null;default:''"`
	DetectedAt  int64  `gorm:"not null;index"`
	Record      string `gorm:"type:jsonb;not null"`
}

func (reviewRow) TableName() string { return "conflict_review" }

type historyRow struct {
	Seq        int64  `gorm:"primaryKey;autoIncrement"`
	ID         string `gorm:"column:id;type:varchar(64);uniqueIndex;not null"`
	Type       string `gorm:"type:varchar(32);not null;index"`
	EntityType string `gorm:"type:varchar(64);not null;index:idx_history_entity"`
	EntityID   string `gorm:"type:varchar(255);not null;index:idx_history_entity"`
	Strategy   string `gorm:"type:varchar(32);not null"`
	ResolvedBy string `gorm:"type:varchar(255);not null"`
	ResolvedAt int64  `gorm:"not null"`
	Record     string `gorm:"type:jsonb;not null"`
}

func (historyRow) TableName() string { return "conflict_history" }

type entityRow struct {
	EntityType string `gorm:"primaryKey;type:varchar(64)"`
	EntityID   string `gorm:"primaryKey;type:varchar(255)"`
	Data       string `gorm:"type:jsonb;not null"`
	Version    int64  `gorm:"not null"`
	ModifiedAt int64  `gorm:"not null"`
	ServerTS   int64  `gorm:"column:server_ts;not null"`
	Actor      string `gorm:"type:varchar(255);not null;default:''"`
	Deleted    bool   `gorm:"not null;default:false"`
	AppliedOps string `gorm:"column:applied_ops;type:jsonb;not null;default:'[]'"`
}

func (entityRow) TableName() string { return "entities" }

// Store is a migrated PostgreSQL connection.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: connecting: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&reviewRow{}, &historyRow{}, &entityRow{}); err != nil {
		return nil, fmt.Errorf("pgstore: migrating schema: %w", err)
	}

	logger.Info("postgres store opened")

	return &Store{db: db, logger: logger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("pgstore: closing: %w", err)
	}

	return sqlDB.Close()
}

// Ledger returns the conflict ledger.
func (s *Store) Ledger() *Ledger {
	return &Ledger{db: s.db}
}

// Entities returns the entity repository.
func (s *Store) Entities() *EntityRepository {
	return &EntityRepository{db: s.db}
}

// Ledger is the PostgreSQL conflict.Ledger.
type Ledger struct {
	db *gorm.DB
}

var _ conflict.Ledger = (*Ledger)(nil)

// AddReview implements conflict.Ledger.
func (l *Ledger) AddReview(ctx context.Context, rec conflict.Record) error {
	row, err := toReviewRow(&rec)
	if err != nil {
		return err
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUnused(tx, rec.ID); err != nil {
			return err
		}

		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("pgstore: queueing conflict %s: %w", rec.ID, err)
		}

		return nil
	})
}

// ListReview implements conflict.Ledger.
func (l *Ledger) ListReview(ctx context.Context) ([]conflict.Record, error) {
	var rows []reviewRow
	if err := l.db.WithContext(ctx).Order("detected_at, seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("pgstore: listing review queue: %w", err)
	}

	out := make([]conflict.Record, 0, len(rows))

	for i := range rows {
		rec, err := decodeRecord(rows[i].Record)
		if err != nil {
			return nil, err
		}

		out = append(out, *rec)
	}

	return out, nil
}

// GetReview implements conflict.Ledger.
func (l *Ledger) GetReview(ctx context.Context, id string) (*conflict.Record, error) {
	var row reviewRow

	err := l.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, conflict.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("pgstore: reading review %s: %w", id, err)
	}

	return decodeRecord(row.Record)
}

// CountReview implements conflict.Ledger.
func (l *Ledger) CountReview(ctx context.Context) (int, error) {
	var n int64
	if err := l.db.WithContext(ctx).Model(&reviewRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("pgstore: counting review queue: %w", err)
	}

	return int(n), nil
}

// Append implements conflict.Ledger.
func (l *Ledger) Append(ctx context.Context, rec conflict.Record) error {
	row, err := toHistoryRow(&rec)
	if err != nil {
		return err
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUnused(tx, rec.ID); err != nil {
			return err
		}

		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("pgstore: appending conflict %s: %w", rec.ID, err)
		}

		return nil
	})
}

// GetHistory implements conflict.Ledger.
func (l *Ledger) GetHistory(ctx context.Context, id string) (*conflict.Record, error) {
	var row historyRow

	err := l.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, conflict.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("pgstore: reading history %s: %w", id, err)
	}

	return decodeRecord(row.Record)
}

// Recent implements conflict.Ledger.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]conflict.Record, error) {
	q := l.db.WithContext(ctx).Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []historyRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("pgstore: reading history: %w", err)
	}

	out := make([]conflict.Record, 0, len(rows))

	for i := range rows {
		rec, err := decodeRecord(rows[i].Record)
		if err != nil {
			return nil, err
		}

		out = append(out, *rec)
	}

	return out, nil
}

// StatsByType implements conflict.Ledger.
func (l *Ledger) StatsByType(ctx context.Context) (map[conflict.Type]int, error) {
	var rows []struct {
		Type string
		N    int
	}

	err := l.db.WithContext(ctx).Model(&historyRow{}).
		Select("type, COUNT(*) AS n").Group("type").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("pgstore: history stats: %w", err)
	}

	stats := make(map[conflict.Type]int, len(rows))
	for _, r := range rows {
		stats[conflict.Type(r.Type)] = r.N
	}

	return stats, nil
}

// Settle implements conflict.Ledger.
func (l *Ledger) Settle(ctx context.Context, rec conflict.Record) error {
	row, err := toHistoryRow(&rec)
	if err != nil {
		return err
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", rec.ID).Delete(&reviewRow{})
		if res.Error != nil {
			return fmt.Errorf("pgstore: removing %s from review: %w", rec.ID, res.Error)
		}

		if res.RowsAffected == 0 {
			return conflict.ErrNotFound
		}

		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("pgstore: appending conflict %s: %w", rec.ID, err)
		}

		return nil
	})
}

func ensureUnused(tx *gorm.DB, id string) error {
	var inReview, inHistory int64

	if err := tx.Model(&reviewRow{}).Where("id = ?", id).Count(&inReview).Error; err != nil {
		return fmt.Errorf("pgstore: checking conflict %s: %w", id, err)
	}

	if err := tx.Model(&historyRow{}).Where("id = ?", id).Count(&inHistory).Error; err != nil {
		return fmt.Errorf("pgstore: checking conflict %s: %w", id, err)
	}

	if inReview+inHistory > 0 {
		return fmt.Errorf("%w: %s", conflict.ErrDuplicate, id)
	}

	return nil
}

func toReviewRow(rec *conflict.Record) (reviewRow, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return reviewRow{}, fmt.Errorf("pgstore: encoding conflict %s: %w", rec.ID, err)
	}

	return reviewRow{
		ID:          rec.ID,
		Type:        string(rec.Type),
		EntityType:  rec.EntityType,
		EntityID:    rec.EntityID,
		OperationID: rec.OperationID,
		DetectedAt:  rec.DetectedAt,
		Record:      string(body),
	}, nil
}

func toHistoryRow(rec *conflict.Record) (historyRow, error) {
	if rec.ResolvedAt == nil {
		return historyRow{}, fmt.Errorf("%w: %s is not resolved", conflict.ErrInvalidRecord, rec.ID)
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return historyRow{}, fmt.Errorf("pgstore: encoding conflict %s: %w", rec.ID, err)
	}

	return historyRow{
		ID:         rec.ID,
		Type:       string(rec.Type),
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Strategy:   string(rec.ResolutionStrategy),
		ResolvedBy: rec.ResolvedBy,
		ResolvedAt: *rec.ResolvedAt,
		Record:     string(body),
	}, nil
}

func decodeRecord(body string) (*conflict.Record, error) {
	var rec conflict.Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("pgstore: decoding conflict record: %w", err)
	}

	return &rec, nil
}

// EntityRepository is the PostgreSQL entity.Repository.
type EntityRepository struct {
	db *gorm.DB
}

var _ entity.Repository = (*EntityRepository)(nil)

// Get implements entity.Repository.
func (r *EntityRepository) Get(ctx context.Context, entityType, id string) (*entity.Entity, error) {
	var row entityRow

	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, entity.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("pgstore: reading %s/%s: %w", entityType, id, err)
	}

	return fromEntityRow(&row)
}

// Put implements entity.Repository.
func (r *EntityRepository) Put(ctx context.Context, e entity.Entity, expectedVersion int64) error {
	row, err := toEntityRow(&e)
	if err != nil {
		return err
	}

	db := r.db.WithContext(ctx)

	var res *gorm.DB
	if expectedVersion == 0 {
		res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	} else {
		res = db.Model(&entityRow{}).
			Where("entity_type = ? AND entity_id = ? AND version = ?", e.Type, e.ID, expectedVersion).
			Updates(map[string]any{
				"data":        row.Data,
				"version":     row.Version,
				"modified_at": row.ModifiedAt,
				"server_ts":   row.ServerTS,
				"actor":       row.Actor,
				"deleted":     row.Deleted,
				"applied_ops": row.AppliedOps,
			})
	}

	if res.Error != nil {
		return fmt.Errorf("pgstore: writing %s/%s: %w", e.Type, e.ID, res.Error)
	}

	if res.RowsAffected == 0 {
		return entity.ErrStale
	}

	return nil
}

// List implements entity.Repository.
func (r *EntityRepository) List(ctx context.Context, entityType string) ([]entity.Entity, error) {
	var rows []entityRow

	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND deleted = ?", entityType, false).
		Order("entity_id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("pgstore: listing %s: %w", entityType, err)
	}

	out := make([]entity.Entity, 0, len(rows))

	for i := range rows {
		e, err := fromEntityRow(&rows[i])
		if err != nil {
			return nil, err
		}

		out = append(out, *e)
	}

	return out, nil
}

func toEntityRow(e *entity.Entity) (entityRow, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return entityRow{}, fmt.Errorf("pgstore: encoding %s/%s: %w", e.Type, e.ID, err)
	}

	applied, err := json.Marshal(e.AppliedOperations)
	if err != nil {
		return entityRow{}, fmt.Errorf("pgstore: encoding applied operations of %s/%s: %w", e.Type, e.ID, err)
	}

	return entityRow{
		EntityType: e.Type,
		EntityID:   e.ID,
		Data:       string(data),
		Version:    e.Version,
		ModifiedAt: e.ModifiedAt,
		ServerTS:   e.ServerTimestamp,
		Actor:      e.Actor,
		Deleted:    e.Deleted,
		AppliedOps: string(applied),
	}, nil
}

func fromEntityRow(row *entityRow) (*entity.Entity, error) {
	e := &entity.Entity{
		Type:            row.EntityType,
		ID:              row.EntityID,
		Version:         row.Version,
		ModifiedAt:      row.ModifiedAt,
		ServerTimestamp: row.ServerTS,
		Actor:           row.Actor,
		Deleted:         row.Deleted,
	}

	if err := json.Unmarshal([]byte(row.Data), &e.Data); err != nil {
		return nil, fmt.Errorf("pgstore: decoding %s/%s: %w", row.EntityType, row.EntityID, err)
	}

	if row.AppliedOps != "" {
		if err := json.Unmarshal([]byte(row.AppliedOps), &e.AppliedOperations); err != nil {
			return nil, fmt.Errorf("pgstore: decoding applied operations of %s/%s: %w", row.EntityType, row.EntityID, err)
		}
	}

	return e, nil
}
