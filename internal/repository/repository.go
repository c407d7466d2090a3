// Package repository is the write path used by the application. Every write
// lands in the store first and is queued for the remote in the same
// transaction; nothing here waits on the network.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/tasksync/internal/identity"
	"github.com/livinlefevreloca/tasksync/internal/queue"
	"github.com/livinlefevreloca/tasksync/internal/records"
	"github.com/livinlefevreloca/tasksync/internal/store"
)

// Repository writes records optimistically and queues them for push
type Repository struct {
	store  *store.Store
	queue  *queue.Queue
	ids    identity.Provider
	logger *slog.Logger
	now    func() time.Time

	// onWrite runs after every committed write
	onWrite func(ctx context.Context)
}

func New(st *store.Store, q *queue.Queue, ids identity.Provider, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		store:  st,
		queue:  q,
		ids:    ids,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source used for updated_at
func (r *Repository) SetClock(now func() time.Time) {
	r.now = now
}

// OnWrite registers fn to run after each committed write, such as a status
// count refresh.
func (r *Repository) OnWrite(fn func(ctx context.Context)) {
	r.onWrite = fn
}

// Get returns one record
func (r *Repository) Get(ctx context.Context, table records.Table, id string) (records.Record, error) {
	return r.store.Get(ctx, table, id)
}

// List returns the current owner's records in table. Soft-deleted records
// are left out unless includeDeleted is set.
func (r *Repository) List(ctx context.Context, table records.Table, includeDeleted bool) ([]records.Record, error) {
	f := store.Filter{Owner: r.ids.Current().Owner()}
	if !includeDeleted {
		f.Match = func(rec records.Record) bool {
			return !isDeleted(rec)
		}
	}
	return r.store.Query(ctx, table, f)
}

// Save inserts or updates rec. An empty id is filled with a new UUID. An
// insert takes the current owner; an update keeps the stored row's owner,
// since ownership only changes when local rows are claimed.
func (r *Repository) Save(ctx context.Context, rec records.Record) error {
	op := queue.OpUpdate
	if rec.RecordID() == "" {
		rec.SetRecordID(uuid.NewString())
		op = queue.OpInsert
	}
	table := rec.Table()

	err := r.store.Transaction(ctx, []records.Table{table}, func(tx *store.Tx) error {
		owner := r.ids.Current().Owner()
		if op == queue.OpUpdate {
			existing, err := tx.Get(ctx, table, rec.RecordID())
			switch {
			case store.IsNotFound(err):
				op = queue.OpInsert
			case err != nil:
				return err
			case existing.Owner() != "":
				owner = existing.Owner()
			}
		}
		rec.SetOwner(owner)
		return r.write(ctx, tx, rec, op)
	})
	if err != nil {
		return fmt.Errorf("save %s %s: %w", table, rec.RecordID(), err)
	}

	r.written(ctx)
	return nil
}

// SoftDelete marks a record deleted. The row stays and is pushed as an
// update, so other devices see the status change.
func (r *Repository) SoftDelete(ctx context.Context, table records.Table, id string) error {
	err := r.store.Transaction(ctx, []records.Table{table}, func(tx *store.Tx) error {
		rec, err := tx.Get(ctx, table, id)
		if err != nil {
			return err
		}
		rec.SetStatus(records.StatusDeleted)
		return r.write(ctx, tx, rec, queue.OpUpdate)
	})
	if err != nil {
		return fmt.Errorf("soft delete %s %s: %w", table, id, err)
	}

	r.written(ctx)
	return nil
}

// Remove hard-deletes a record locally and queues the remote delete.
// Removing an absent record still queues the delete.
func (r *Repository) Remove(ctx context.Context, table records.Table, id string) error {
	err := r.store.Transaction(ctx, []records.Table{table}, func(tx *store.Tx) error {
		existing, err := tx.Get(ctx, table, id)
		if err != nil && !store.IsNotFound(err) {
			return err
		}
		if err := tx.Delete(ctx, table, id); err != nil {
			return err
		}
		if existing != nil && !r.owns(existing) {
			r.logger.Debug("not queueing delete of another owner's record",
				"table", table, "record_id", id, "owner", existing.Owner())
			return nil
		}
		_, err = r.queue.EnqueueTx(ctx, tx, table, queue.OpDelete, id, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("remove %s %s: %w", table, id, err)
	}

	r.written(ctx)
	return nil
}

// owns reports whether rec belongs to the current caller. Local rows
// waiting to be claimed and rows of another account are stored but never
// queued; the claim pushes local rows.
func (r *Repository) owns(rec records.Record) bool {
	return rec.Owner() == r.ids.Current().Owner()
}

// write stores rec with its owner already set and queues it when the caller
// owns it.
func (r *Repository) write(ctx context.Context, tx *store.Tx, rec records.Record, op queue.Operation) error {
	rec.Touch(r.now())
	records.Normalize(rec)

	if err := tx.Put(ctx, rec); err != nil {
		return err
	}

	if !r.owns(rec) {
		r.logger.Debug("record written without queueing",
			"table", rec.Table(),
			"record_id", rec.RecordID(),
			"owner", rec.Owner())
		return nil
	}

	payload, err := records.Encode(rec)
	if err != nil {
		return err
	}
	queued, err := r.queue.EnqueueTx(ctx, tx, rec.Table(), op, rec.RecordID(), payload)
	if err != nil {
		return err
	}
	r.logger.Debug("record written",
		"table", rec.Table(),
		"record_id", rec.RecordID(),
		"operation", op,
		"queued", queued)
	return nil
}

func (r *Repository) written(ctx context.Context) {
	if r.onWrite != nil {
		r.onWrite(ctx)
	}
}

func isDeleted(rec records.Record) bool {
	type deletable interface{ IsDeleted() bool }
	d, ok := rec.(deletable)
	return ok && d.IsDeleted()
}
