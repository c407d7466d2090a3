package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrNoProvider is returned by Repair when no migration provides the table.
var ErrNoProvider = errors.New("migrator: no migration provides table")

// RunMigrations applies every pending migration in order. Versions already
// recorded in schema_migrations are skipped, including versions this binary
// does not know about (a newer client migrated the file).
func RunMigrations(ctx context.Context, db *sql.DB, migrations []Migration) error {
	if err := createSchemaTable(ctx, db); err != nil {
		return fmt.Errorf("failed to create schema table: %w", err)
	}

	applied, err := GetAppliedMigrations(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	appliedSet := make(map[int]bool, len(applied))
	maxApplied := 0
	for _, v := range applied {
		appliedSet[v] = true
		maxApplied = max(maxApplied, v)
	}

	var pending []Migration
	for _, m := range migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m)
		}
	}

	// History cannot go backwards: a pending version below the highest applied
	// one means the file was migrated by an incompatible build.
	for _, m := range pending {
		if m.Version < maxApplied {
			for _, dep := range m.Dependencies {
				if !appliedSet[dep] && dep < maxApplied {
					return fmt.Errorf("migration %d depends on version %d which has not been applied", m.Version, dep)
				}
			}
			return fmt.Errorf("cannot apply migration %d: version %d is already applied (migrations must be applied in order)", m.Version, maxApplied)
		}
	}

	for _, m := range pending {
		for _, dep := range m.Dependencies {
			if !appliedSet[dep] {
				return fmt.Errorf("migration %d depends on version %d which has not been applied", m.Version, dep)
			}
		}

		if err := applyMigration(ctx, db, m, true); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		appliedSet[m.Version] = true
	}

	return nil
}

// Repair re-runs, in isolation and without touching schema_migrations, every
// migration that declares it provides table. Providing migrations must be
// written to be re-runnable. It returns the versions that ran.
func Repair(ctx context.Context, db *sql.DB, migrations []Migration, table string) ([]int, error) {
	var ran []int
	for _, m := range migrations {
		if !slices.Contains(m.Provides, table) {
			continue
		}
		if err := applyMigration(ctx, db, m, false); err != nil {
			return ran, fmt.Errorf("failed to repair %s with migration %d: %w", table, m.Version, err)
		}
		ran = append(ran, m.Version)
	}

	if len(ran) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoProvider, table)
	}
	return ran, nil
}

// GetCurrentVersion returns the highest applied migration version.
// Returns 0 if no migrations have been applied.
func GetCurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// GetAppliedMigrations returns all applied migration versions, sorted.
func GetAppliedMigrations(ctx context.Context, db *sql.DB) ([]int, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		if isMissingTable(err) {
			return []int{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	versions := []int{}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}

	return versions, rows.Err()
}

func isMissingTable(err error) bool {
	return strings.Contains(err.Error(), "no such table")
}

func createSchemaTable(ctx context.Context, db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	_, err := db.ExecContext(ctx, query)
	return err
}

// applyMigration executes one migration. When record is set the version is
// written to schema_migrations in the same transaction.
func applyMigration(ctx context.Context, db *sql.DB, m Migration, record bool) error {
	const recordQuery = "INSERT INTO schema_migrations (version, name) VALUES (?, ?)"

	if m.NoTransaction {
		if _, err := db.ExecContext(ctx, m.UpSQL); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
		if record {
			if _, err := db.ExecContext(ctx, recordQuery, m.Version, m.Name); err != nil {
				return fmt.Errorf("failed to record migration: %w", err)
			}
		}
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if m.UpSQL != "" {
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
	}

	if m.UpFunc != nil {
		if err := m.UpFunc(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("upgrade function failed: %w", err)
		}
	}

	if record {
		if _, err := tx.ExecContext(ctx, recordQuery, m.Version, m.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
