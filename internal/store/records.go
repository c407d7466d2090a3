package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/livinlefevreloca/tasksync/internal/records"
)

// Filter narrows a Query. Set fields are ANDed together.
type Filter struct {
	Owner        string
	UpdatedSince time.Time
	// Match is applied in memory after the SQL filters.
	Match func(records.Record) bool
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// Record Operations
// =============================================================================

// Get retrieves a record by id
func (s *Store) Get(ctx context.Context, table records.Table, id string) (records.Record, error) {
	return get(ctx, s.DB, table, id)
}

// Get retrieves a record by id within a transaction
func (tx *Tx) Get(ctx context.Context, table records.Table, id string) (records.Record, error) {
	if err := tx.checkScope(table); err != nil {
		return nil, err
	}
	return get(ctx, tx.Tx, table, id)
}

// Put inserts the record or overwrites the existing row with the same id
func (s *Store) Put(ctx context.Context, rec records.Record) error {
	return s.Transaction(ctx, []records.Table{rec.Table()}, func(tx *Tx) error {
		return tx.Put(ctx, rec)
	})
}

// Put inserts the record or overwrites the existing row with the same id
// within a transaction
func (tx *Tx) Put(ctx context.Context, rec records.Record) error {
	if err := tx.checkScope(rec.Table()); err != nil {
		return err
	}
	return put(ctx, tx.Tx, rec)
}

// Delete removes a record. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, table records.Table, id string) error {
	return s.Transaction(ctx, []records.Table{table}, func(tx *Tx) error {
		return tx.Delete(ctx, table, id)
	})
}

// Delete removes a record within a transaction
func (tx *Tx) Delete(ctx context.Context, table records.Table, id string) error {
	if err := tx.checkScope(table); err != nil {
		return err
	}
	return del(ctx, tx.Tx, table, id)
}

// Query returns the records of table matching f, oldest update first
func (s *Store) Query(ctx context.Context, table records.Table, f Filter) ([]records.Record, error) {
	return query(ctx, s.DB, table, f)
}

// Query returns the records of table matching f within a transaction
func (tx *Tx) Query(ctx context.Context, table records.Table, f Filter) ([]records.Record, error) {
	if err := tx.checkScope(table); err != nil {
		return nil, err
	}
	return query(ctx, tx.Tx, table, f)
}

func get(ctx context.Context, q querier, table records.Table, id string) (records.Record, error) {
	c, err := codecFor(table)
	if err != nil {
		return nil, err
	}

	rec, err := c.scan(q.QueryRowContext(ctx, c.selectSQL(table)+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, WrapDrift(table, err)
	}

	return rec, nil
}

func put(ctx context.Context, q querier, rec records.Record) error {
	table := rec.Table()
	c, err := codecFor(table)
	if err != nil {
		return err
	}
	if rec.RecordID() == "" {
		return fmt.Errorf("store: put %s: missing id", table)
	}

	if _, err := q.ExecContext(ctx, c.upsertSQL(table), c.values(rec)...); err != nil {
		return WrapDrift(table, err)
	}
	return nil
}

func del(ctx context.Context, q querier, table records.Table, id string) error {
	if _, err := codecFor(table); err != nil {
		return err
	}

	if _, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id); err != nil {
		return WrapDrift(table, err)
	}
	return nil
}

func query(ctx context.Context, q querier, table records.Table, f Filter) ([]records.Record, error) {
	c, err := codecFor(table)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if f.Owner != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.Owner)
	}
	if !f.UpdatedSince.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, FormatTime(f.UpdatedSince))
	}

	stmt := c.selectSQL(table)
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY updated_at, id"

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, WrapDrift(table, err)
	}
	defer rows.Close()

	result := []records.Record{}
	for rows.Next() {
		rec, err := c.scan(rows)
		if err != nil {
			return nil, err
		}
		if f.Match != nil && !f.Match(rec) {
			continue
		}
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, WrapDrift(table, err)
	}

	return result, nil
}
