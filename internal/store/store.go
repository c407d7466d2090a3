// Package store is the durable local record store: one SQLite table per
// synchronized collection, plus the mutation queue and sync metadata tables.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/livinlefevreloca/tasksync/internal/records"
	"github.com/livinlefevreloca/tasksync/tools/migrator"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps sql.DB. Writes are serialized through Transaction.
type Store struct {
	*sql.DB
	path       string
	logger     *slog.Logger
	migrations []migrator.Migration

	writeMu sync.Mutex
}

// Tx wraps sql.Tx and limits record operations to the tables it was opened
// for.
type Tx struct {
	*sql.Tx
	store  *Store
	tables []records.Table
}

// Config holds local store settings
type Config struct {
	Path           string        `toml:"path"`
	MaxOpenConns   int           `toml:"max_open_conns"`
	BusyTimeout    time.Duration `toml:"busy_timeout"`
	SkipMigrations bool          `toml:"skip_migrations"`
}

// DefaultConfig returns the default store configuration
func DefaultConfig() Config {
	return Config{
		Path:         "tasksync.db",
		MaxOpenConns: 4,
		BusyTimeout:  5 * time.Second,
	}
}

// Standard errors
var (
	ErrNotFound        = errors.New("store: not found")
	ErrDuplicate       = errors.New("store: duplicate key")
	ErrTableNotInScope = errors.New("store: table not in transaction scope")
)

// SchemaDriftError reports an operation against a table or column the local
// schema does not have, typically left behind by a partially applied
// migration from another build.
type SchemaDriftError struct {
	Table records.Table
	Err   error
}

func (e *SchemaDriftError) Error() string {
	return fmt.Sprintf("store: schema drift on %s: %v", e.Table, e.Err)
}

func (e *SchemaDriftError) Unwrap() error {
	return e.Err
}

// Open opens the SQLite file named in cfg, then brings its schema up to date
// unless cfg.SkipMigrations is set.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: path must be specified")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	migrations, err := Migrations()
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		DB:         db,
		path:       cfg.Path,
		logger:     logger,
		migrations: migrations,
	}

	if !cfg.SkipMigrations {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Migrate applies any pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	before, err := migrator.GetCurrentVersion(ctx, s.DB)
	if err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	if err := migrator.RunMigrations(ctx, s.DB, s.migrations); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}

	after, err := migrator.GetCurrentVersion(ctx, s.DB)
	if err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	if after != before {
		s.logger.Info("schema migrated", "from", before, "to", after, "path", s.path)
	}
	return nil
}

// Version returns the applied schema version.
func (s *Store) Version(ctx context.Context) (int, error) {
	return migrator.GetCurrentVersion(ctx, s.DB)
}

// Repair re-runs, in isolation, the migrations that create table. It is the
// recovery path for a SchemaDriftError.
func (s *Store) Repair(ctx context.Context, table records.Table) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ran, err := migrator.Repair(ctx, s.DB, s.migrations, string(table))
	if err != nil {
		return fmt.Errorf("store: repair %s: %w", table, err)
	}

	s.logger.Warn("repaired table schema", "table", table, "migrations", ran)
	return nil
}

// Transaction runs fn inside a write transaction scoped to tables. An empty
// tables list allows every table. The transaction commits when fn returns nil
// and rolls back on error or panic. fn must not call write methods on the
// Store itself.
func (s *Store) Transaction(ctx context.Context, tables []records.Table, fn func(*Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	tx := &Tx{Tx: sqlTx, store: s, tables: tables}

	// Make sure we make a best effort to rollback on panic
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return err
	}

	return sqlTx.Commit()
}

func (tx *Tx) checkScope(table records.Table) error {
	if len(tx.tables) == 0 || slices.Contains(tx.tables, table) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTableNotInScope, table)
}

// Error classification functions

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsSchemaDrift reports whether err is a SchemaDriftError, returning it.
func IsSchemaDrift(err error) (*SchemaDriftError, bool) {
	var drift *SchemaDriftError
	if errors.As(err, &drift) {
		return drift, true
	}
	return nil, false
}

// WrapDrift turns SQLite's missing table and column errors into a
// SchemaDriftError for table. Other errors, and nil, pass through.
func WrapDrift(table records.Table, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := IsSchemaDrift(err); ok {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "has no column named") {
		return &SchemaDriftError{Table: table, Err: err}
	}
	return err
}
