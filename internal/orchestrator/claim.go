package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/livinlefevreloca/tasksync/internal/records"
	"github.com/livinlefevreloca/tasksync/internal/store"
)

// metaPendingClaim journals a claim whose rows were rewritten but not yet
// pushed, so an interrupted claim is finished or undone on the next login.
const metaPendingClaim = "pending_claim"

// pendingClaim is the journal entry for one claim
type pendingClaim struct {
	Owner   string                     `json:"owner"`
	Stamp   time.Time                  `json:"stamp"`
	Records map[records.Table][]string `json:"records"`
}

func (p *pendingClaim) size() int {
	n := 0
	for _, ids := range p.Records {
		n += len(ids)
	}
	return n
}

// claim hands every locally owned record to owner: rewrite the owner in one
// store transaction, then push the rewritten rows in dependency order after
// deleting colliding server-side placeholders. A failed push restores the
// local owner. Once no local rows remain, claim is a no-op.
func (o *Orchestrator) claim(ctx context.Context, owner string) (int, error) {
	pending, err := o.loadPendingClaim(ctx)
	if err != nil {
		return 0, err
	}

	if pending != nil && pending.Owner != owner {
		o.logger.Warn("undoing interrupted claim for another identity", "claimed_for", pending.Owner)
		if err := o.revertClaim(ctx, pending); err != nil {
			return 0, err
		}
		pending = nil
	}

	if pending == nil {
		pending, err = o.rewriteOwners(ctx, owner)
		if err != nil {
			return 0, fmt.Errorf("claim local records: %w", err)
		}
		if pending == nil {
			return 0, nil
		}
	} else {
		o.logger.Info("resuming interrupted claim", "records", pending.size())
	}

	if err := o.pushClaim(ctx, pending); err != nil {
		if rerr := o.revertClaim(context.WithoutCancel(ctx), pending); rerr != nil {
			return 0, errors.Join(err, rerr)
		}
		o.logger.Warn("claim push failed, local ownership restored", "error", err)
		return 0, fmt.Errorf("claim local records: %w", err)
	}

	err = o.store.Transaction(ctx, nil, func(tx *store.Tx) error {
		if err := tx.SetMeta(ctx, store.MetaClaimedOwner, owner); err != nil {
			return err
		}
		return tx.DeleteMeta(ctx, metaPendingClaim)
	})
	if err != nil {
		return 0, err
	}

	n := pending.size()
	o.logger.Info("claimed local records", "user_id", owner, "records", n)
	return n, nil
}

func (o *Orchestrator) loadPendingClaim(ctx context.Context) (*pendingClaim, error) {
	raw, err := o.store.GetMeta(ctx, metaPendingClaim)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var p pendingClaim
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode pending claim: %w", err)
	}
	return &p, nil
}

// rewriteOwners moves local rows to owner and journals them in the same
// transaction. It returns nil when there is nothing to claim.
func (o *Orchestrator) rewriteOwners(ctx context.Context, owner string) (*pendingClaim, error) {
	p := &pendingClaim{
		Owner:   owner,
		Stamp:   o.now().UTC(),
		Records: make(map[records.Table][]string),
	}

	err := o.store.Transaction(ctx, nil, func(tx *store.Tx) error {
		for _, table := range records.Tables() {
			recs, err := tx.Query(ctx, table, store.Filter{Owner: records.LocalOwner})
			if err != nil {
				return err
			}
			for _, rec := range recs {
				rec.SetOwner(owner)
				rec.Touch(p.Stamp)
				if err := tx.Put(ctx, rec); err != nil {
					return err
				}
				p.Records[table] = append(p.Records[table], rec.RecordID())
			}
		}

		if p.size() == 0 {
			return nil
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.SetMeta(ctx, metaPendingClaim, string(raw))
	})
	if err != nil || p.size() == 0 {
		return nil, err
	}
	return p, nil
}

// pushClaim upserts the claimed rows, parents first
func (o *Orchestrator) pushClaim(ctx context.Context, p *pendingClaim) error {
	claimed := make(map[records.Table][]records.Record)
	for table, ids := range p.Records {
		for _, id := range ids {
			rec, err := o.store.Get(ctx, table, id)
			if store.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			if rec.Owner() == p.Owner {
				claimed[table] = append(claimed[table], rec)
			}
		}
	}

	if err := o.deletePlaceholders(ctx, p.Owner, claimed[records.TableBuckets]); err != nil {
		return err
	}

	for _, table := range records.Tables() {
		if err := o.client.UpsertRecords(ctx, table, claimed[table]); err != nil {
			return err
		}
	}
	return nil
}

// deletePlaceholders removes remote default buckets that the account
// created on sign-up, when a local default bucket is about to replace them.
func (o *Orchestrator) deletePlaceholders(ctx context.Context, owner string, local []records.Record) error {
	hasLocalDefault := false
	var localIDs []string
	for _, rec := range local {
		localIDs = append(localIDs, rec.RecordID())
		if b, ok := rec.(*records.Bucket); ok && b.IsDefault {
			hasLocalDefault = true
		}
	}
	if !hasLocalDefault {
		return nil
	}

	remoteBuckets, err := o.client.PullAll(ctx, records.TableBuckets, owner)
	if err != nil {
		return err
	}
	for _, rec := range remoteBuckets {
		b := rec.(*records.Bucket)
		if !b.IsDefault || slices.Contains(localIDs, b.ID) {
			continue
		}
		o.logger.Info("deleting remote placeholder bucket", "bucket_id", b.ID, "name", b.Name)
		if err := o.client.DeleteRecord(ctx, records.TableBuckets, b.ID); err != nil {
			return err
		}
		if err := o.store.Delete(ctx, records.TableBuckets, b.ID); err != nil {
			return err
		}
	}
	return nil
}

// revertClaim restores the local owner on journaled rows that nothing has
// touched since the rewrite, and clears the journal.
func (o *Orchestrator) revertClaim(ctx context.Context, p *pendingClaim) error {
	err := o.store.Transaction(ctx, nil, func(tx *store.Tx) error {
		for table, ids := range p.Records {
			for _, id := range ids {
				rec, err := tx.Get(ctx, table, id)
				if store.IsNotFound(err) {
					continue
				}
				if err != nil {
					return err
				}
				if rec.Owner() != p.Owner || !rec.Updated().Equal(p.Stamp) {
					continue
				}
				rec.SetOwner(records.LocalOwner)
				if err := tx.Put(ctx, rec); err != nil {
					return err
				}
			}
		}
		return tx.DeleteMeta(ctx, metaPendingClaim)
	})
	if err != nil {
		return fmt.Errorf("revert claim: %w", err)
	}
	return nil
}

// ClaimedOwner returns the identity local records were last claimed for,
// or "" if no claim has completed.
func (o *Orchestrator) ClaimedOwner(ctx context.Context) (string, error) {
	owner, err := o.store.GetMeta(ctx, store.MetaClaimedOwner)
	if store.IsNotFound(err) {
		return "", nil
	}
	return owner, err
}
