package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/livinlefevreloca/tasksync/tools/migrator"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// goMigrations are the upgrades that need to inspect the existing schema
// before deciding what to do.
var goMigrations = []migrator.Migration{
	{
		Version:      4,
		Name:         "copy_focus_sessions",
		Dependencies: []int{1},
		UpFunc:       copyFocusSessions,
	},
	{
		Version:      5,
		Name:         "add_task_completed_at",
		Dependencies: []int{1},
		Provides:     []string{"tasks"},
		UpFunc:       addTaskCompletedAt,
	},
}

// Migrations returns the full, validated migration set for the local store.
func Migrations() ([]migrator.Migration, error) {
	migrations, err := migrator.LoadMigrations(migrationFS, "migrations", goMigrations...)
	if err != nil {
		return nil, fmt.Errorf("store: load migrations: %w", err)
	}
	return migrations, nil
}

// copyFocusSessions moves rows from the deprecated focus_sessions table into
// sessions and drops it. Rows already present in sessions are kept.
func copyFocusSessions(ctx context.Context, tx *sql.Tx) error {
	exists, err := tableExists(ctx, tx, "focus_sessions")
	if err != nil || !exists {
		return err
	}

	copyQuery := `
		INSERT OR IGNORE INTO sessions (id, user_id, status, updated_at, task_id, started_at, ended_at, planned_minutes)
		SELECT id, user_id, 'active', updated_at,
			CASE WHEN task_id IN ('', 'none', 'global') THEN NULL ELSE task_id END,
			started_at, ended_at, 0
		FROM focus_sessions
	`
	if _, err := tx.ExecContext(ctx, copyQuery); err != nil {
		return fmt.Errorf("copy focus_sessions: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE focus_sessions"); err != nil {
		return fmt.Errorf("drop focus_sessions: %w", err)
	}
	return nil
}

// addTaskCompletedAt adds tasks.completed_at when missing and backfills it
// for completed tasks from their last update.
func addTaskCompletedAt(ctx context.Context, tx *sql.Tx) error {
	exists, err := columnExists(ctx, tx, "tasks", "completed_at")
	if err != nil {
		return err
	}

	if !exists {
		if _, err := tx.ExecContext(ctx, "ALTER TABLE tasks ADD COLUMN completed_at TEXT"); err != nil {
			return fmt.Errorf("add completed_at: %w", err)
		}
	}

	backfill := `
		UPDATE tasks SET completed_at = updated_at
		WHERE status = 'completed' AND completed_at IS NULL
	`
	if _, err := tx.ExecContext(ctx, backfill); err != nil {
		return fmt.Errorf("backfill completed_at: %w", err)
	}
	return nil
}

func tableExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&count)
	return count > 0, err
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&count)
	return count > 0, err
}
