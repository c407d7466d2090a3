// Package queue is the persisted log of local mutations waiting to be pushed
// to the remote service.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/tasksync/internal/identity"
	"github.com/livinlefevreloca/tasksync/internal/records"
	"github.com/livinlefevreloca/tasksync/internal/store"
)

// MaxRetries is the number of failed pushes after which an item is
// dead-lettered: kept, but no longer drained.
const MaxRetries = 3

// queueTable is the table name reported in schema drift errors.
const queueTable records.Table = "mutation_queue"

// Operation is the kind of remote write an item asks for
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Item is one pending remote write
type Item struct {
	ID            string
	Seq           int64
	Table         records.Table
	Rank          int
	Operation     Operation
	RecordID      string
	Payload       json.RawMessage
	CreatedAt     time.Time
	RetryCount    int
	LastError     string
	LastAttemptAt *time.Time
}

// DeadLettered reports whether the item exhausted its retries
func (i Item) DeadLettered() bool {
	return i.RetryCount >= MaxRetries
}

// Gate decides whether mutations are recorded at all
type Gate interface {
	CanEnqueue() bool
}

// GateFunc adapts a function to Gate
type GateFunc func() bool

func (f GateFunc) CanEnqueue() bool { return f() }

// AuthenticatedGate admits mutations only while remote sync is enabled and
// the caller is signed in.
func AuthenticatedGate(remoteEnabled bool, ids identity.Provider) Gate {
	return GateFunc(func() bool {
		return remoteEnabled && ids.Current().Authenticated()
	})
}

// Queue stores items in the mutation_queue table of the local store
type Queue struct {
	store  *store.Store
	gate   Gate
	logger *slog.Logger
	now    func() time.Time
}

// New creates a queue over st. A nil gate admits every mutation.
func New(st *store.Store, gate Gate, logger *slog.Logger) *Queue {
	if gate == nil {
		gate = GateFunc(func() bool { return true })
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:  st,
		gate:   gate,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source used for created_at
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// =============================================================================
// Write Operations
// =============================================================================

// Enqueue records a mutation in its own transaction. It reports whether the
// item was stored; a closed gate is not an error.
func (q *Queue) Enqueue(ctx context.Context, table records.Table, op Operation, recordID string, payload json.RawMessage) (bool, error) {
	var stored bool
	err := q.store.Transaction(ctx, nil, func(tx *store.Tx) error {
		var err error
		stored, err = q.EnqueueTx(ctx, tx, table, op, recordID, payload)
		return err
	})
	return stored, err
}

// EnqueueTx records a mutation inside tx, so that it commits or rolls back
// with the local write that caused it.
func (q *Queue) EnqueueTx(ctx context.Context, tx *store.Tx, table records.Table, op Operation, recordID string, payload json.RawMessage) (bool, error) {
	if !q.gate.CanEnqueue() {
		return false, nil
	}
	if !table.Valid() {
		return false, fmt.Errorf("queue: unknown table %q", table)
	}
	if !op.Valid() {
		return false, fmt.Errorf("queue: invalid operation %q", op)
	}
	if recordID == "" {
		return false, fmt.Errorf("queue: %s %s: missing record id", op, table)
	}
	if len(payload) == 0 {
		payload, _ = json.Marshal(map[string]string{"id": recordID})
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) + 1 FROM mutation_queue").Scan(&seq); err != nil {
		return false, classify(err)
	}

	query := `
		INSERT INTO mutation_queue (id, seq, table_name, table_rank, operation, record_id, payload, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`
	id := uuid.NewString()
	_, err := tx.ExecContext(ctx, query, id, seq, string(table), table.Rank(), string(op), recordID,
		string(payload), store.FormatTime(q.now()))
	if err != nil {
		return false, classify(err)
	}

	q.logger.Debug("mutation enqueued", "item_id", id, "table", table, "operation", op, "record_id", recordID)
	return true, nil
}

// MarkSucceeded removes a pushed item
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	return q.exec(ctx, "DELETE FROM mutation_queue WHERE id = ?", id)
}

// MarkFailed counts a failed push attempt against the item
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var retries int
	err := q.store.Transaction(ctx, nil, func(tx *store.Tx) error {
		query := `
			UPDATE mutation_queue
			SET retry_count = retry_count + 1, last_error = ?, last_attempt_at = ?
			WHERE id = ?
			RETURNING retry_count
		`
		err := tx.QueryRowContext(ctx, query, msg, store.FormatTime(q.now()), id).Scan(&retries)
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return classify(err)
	})
	if err != nil {
		return err
	}

	if retries >= MaxRetries {
		q.logger.Warn("mutation dead-lettered", "item_id", id, "retry_count", retries, "error", msg)
	}
	return nil
}

// ResetDeadLetters makes every dead-lettered item eligible again with a zero
// retry count. It returns the number of items reset.
func (q *Queue) ResetDeadLetters(ctx context.Context) (int64, error) {
	n, err := q.execCount(ctx, "UPDATE mutation_queue SET retry_count = 0 WHERE retry_count >= ?", MaxRetries)
	if err == nil && n > 0 {
		q.logger.Info("dead letters reset", "count", n)
	}
	return n, err
}

// ReconcileDeadLetters deletes dead letters that a newer item for the same
// record supersedes. The newer item carries the latest row, so pushing it
// makes the older write redundant.
func (q *Queue) ReconcileDeadLetters(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM mutation_queue
		WHERE retry_count >= ?
		AND EXISTS (
			SELECT 1 FROM mutation_queue AS newer
			WHERE newer.table_name = mutation_queue.table_name
			AND newer.record_id = mutation_queue.record_id
			AND (newer.created_at > mutation_queue.created_at
				OR (newer.created_at = mutation_queue.created_at AND newer.seq > mutation_queue.seq))
		)
	`
	n, err := q.execCount(ctx, query, MaxRetries)
	if err == nil && n > 0 {
		q.logger.Info("superseded dead letters removed", "count", n)
	}
	return n, err
}

// Purge deletes one item regardless of its state
func (q *Queue) Purge(ctx context.Context, id string) error {
	n, err := q.execCount(ctx, "DELETE FROM mutation_queue WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *Queue) exec(ctx context.Context, query string, args ...any) error {
	_, err := q.execCount(ctx, query, args...)
	return err
}

func (q *Queue) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := q.store.Transaction(ctx, nil, func(tx *store.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return classify(err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// =============================================================================
// Read Operations
// =============================================================================

const itemColumns = `id, seq, table_name, table_rank, operation, record_id, payload, created_at,
	retry_count, last_error, last_attempt_at`

// Drain returns the items still eligible for push, parents before children,
// then oldest first.
func (q *Queue) Drain(ctx context.Context) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM mutation_queue
		WHERE retry_count < ?
		ORDER BY table_rank, created_at, seq`
	return q.list(ctx, query, MaxRetries)
}

// DeadLetters returns the dead-lettered items in drain order
func (q *Queue) DeadLetters(ctx context.Context) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM mutation_queue
		WHERE retry_count >= ?
		ORDER BY table_rank, created_at, seq`
	return q.list(ctx, query, MaxRetries)
}

// PendingCount returns the number of items eligible for push
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.count(ctx, "SELECT COUNT(*) FROM mutation_queue WHERE retry_count < ?", MaxRetries)
}

// DeadLetterCount returns the number of dead-lettered items
func (q *Queue) DeadLetterCount(ctx context.Context) (int, error) {
	return q.count(ctx, "SELECT COUNT(*) FROM mutation_queue WHERE retry_count >= ?", MaxRetries)
}

func (q *Queue) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := q.store.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (q *Queue) list(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := q.store.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var (
			item      Item
			table     string
			op        string
			payload   string
			createdAt string
			lastError sql.NullString
			attempted sql.NullString
		)
		err := rows.Scan(&item.ID, &item.Seq, &table, &item.Rank, &op, &item.RecordID, &payload,
			&createdAt, &item.RetryCount, &lastError, &attempted)
		if err != nil {
			return nil, err
		}

		item.Table = records.Table(table)
		item.Operation = Operation(op)
		item.Payload = json.RawMessage(payload)
		item.LastError = lastError.String
		if item.CreatedAt, err = store.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("queue: item %s created_at: %w", item.ID, err)
		}
		if attempted.Valid {
			t, err := store.ParseTime(attempted.String)
			if err != nil {
				return nil, fmt.Errorf("queue: item %s last_attempt_at: %w", item.ID, err)
			}
			item.LastAttemptAt = &t
		}

		items = append(items, item)
	}

	return items, classify(rows.Err())
}

func classify(err error) error {
	return store.WrapDrift(queueTable, err)
}
