// Package store persists the operation queue, the conflict ledger and the
// server's entities in SQLite. One database file can hold all three; the
// client uses only the operations table and the server only the other two.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is an open, migrated SQLite database.
type DB struct {
	db      *sql.DB
	path    string
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. WAL with synchronous=FULL keeps acknowledged writes across a
// crash.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", path, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("database opened", slog.String("db_path", path))

	return &DB{db: db, path: path, logger: logger, nowFunc: time.Now}, nil
}

// Close releases the database.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", d.path, err)
	}

	return nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// SetNowFunc replaces the clock used by stores created afterwards.
func (d *DB) SetNowFunc(now func() time.Time) {
	d.nowFunc = now
}

// Operations returns the operation queue stored in this database.
func (d *DB) Operations() *OperationStore {
	return &OperationStore{db: d.db, logger: d.logger, nowFunc: d.nowFunc}
}

// Ledger returns the conflict review queue and history stored in this
// database.
func (d *DB) Ledger() *Ledger {
	return &Ledger{db: d.db, logger: d.logger}
}

// Entities returns the entity repository stored in this database.
func (d *DB) Entities() *EntityRepository {
	return &EntityRepository{db: d.db}
}

// runMigrations applies all pending schema migrations to the database.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	// Strip the "migrations/" prefix so goose sees files at the root of the FS.
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}
