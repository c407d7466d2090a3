package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/livinlefevreloca/tasksync/internal/changefeed"
	"github.com/livinlefevreloca/tasksync/internal/identity"
	"github.com/livinlefevreloca/tasksync/internal/queue"
	"github.com/livinlefevreloca/tasksync/internal/records"
	"github.com/livinlefevreloca/tasksync/internal/remote"
	"github.com/livinlefevreloca/tasksync/internal/store"
)

// Orchestrator owns the sync status and runs every sync cycle. Cycles never
// overlap: requests with the same trigger coalesce, different triggers
// queue behind the run lock.
type Orchestrator struct {
	// Configuration
	config Config
	logger *slog.Logger
	now    func() time.Time

	// Dependencies
	store  *store.Store
	queue  *queue.Queue
	client *remote.Client
	ids    identity.Provider
	feed   *changefeed.Subscriber

	// Cycle serialization
	runMu sync.Mutex
	group singleflight.Group

	// State management
	mu        sync.Mutex
	state     State
	status    Status
	observers map[int]func(Status)
	nextObs   int
	offline   bool

	// Lifecycle
	lifeMu   sync.Mutex
	cancel   context.CancelFunc
	unwatch  func()
	wg       sync.WaitGroup
	changes  chan identity.Identity
	lastSeen identity.Identity

	// Optional state recorder for testing
	recorder *StateRecorder
}

// NewOrchestrator wires an orchestrator. feed may be nil, in which case no
// change feed is attached and no caches are reloaded.
func NewOrchestrator(
	config Config,
	st *store.Store,
	q *queue.Queue,
	client *remote.Client,
	ids identity.Provider,
	feed *changefeed.Subscriber,
	logger *slog.Logger,
) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if st == nil || q == nil || client == nil || ids == nil {
		return nil, fmt.Errorf("orchestrator: store, queue, client and identity are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		config:    config,
		logger:    logger,
		now:       time.Now,
		store:     st,
		queue:     q,
		client:    client,
		ids:       ids,
		feed:      feed,
		state:     &IdleState{},
		status:    Status{State: StateIdle},
		observers: make(map[int]func(Status)),
	}, nil
}

// SetClock replaces the time source
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// SetRecorder records every transition on r
func (o *Orchestrator) SetRecorder(r *StateRecorder) {
	o.recorder = r
}

// =============================================================================
// Status
// =============================================================================

// Status returns a snapshot of the current sync status
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// GetStateName returns the current state name
func (o *Orchestrator) GetStateName() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Name()
}

// Observe registers fn for every status change. The returned function
// removes the registration.
func (o *Orchestrator) Observe(fn func(Status)) (cancel func()) {
	o.mu.Lock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.observers, id)
			o.mu.Unlock()
		})
	}
}

// update mutates status under the lock, then notifies observers outside it
func (o *Orchestrator) update(fn func(*Status)) {
	o.mu.Lock()
	fn(&o.status)
	o.status.State = o.state.Name()
	snapshot := o.status
	fns := make([]func(Status), 0, len(o.observers))
	for _, f := range o.observers {
		fns = append(fns, f)
	}
	o.mu.Unlock()

	for _, f := range fns {
		f(snapshot)
	}
}

// transitionTo performs a state transition and logs it
func (o *Orchestrator) transitionTo(newState State, fn func(*Status)) {
	o.mu.Lock()
	oldStateName := o.state.Name()
	o.state = newState
	o.mu.Unlock()

	// Record state for testing if recorder is present
	if o.recorder != nil {
		o.recorder.Record(newState)
	}

	o.logger.Info("state transition",
		"from", oldStateName,
		"to", newState.Name())

	if fn == nil {
		fn = func(*Status) {}
	}
	o.update(fn)
}

// beginCycle moves any non-syncing state to syncing
func (o *Orchestrator) beginCycle() {
	o.mu.Lock()
	current := o.state
	o.mu.Unlock()

	switch s := current.(type) {
	case *IdleState:
		o.transitionTo(s.ToSyncing(), nil)
	case *SyncedState:
		o.transitionTo(s.ToSyncing(), nil)
	case *ErrorState:
		o.transitionTo(s.ToSyncing(), nil)
	}
}

// endCycle moves syncing to synced or error depending on c
func (o *Orchestrator) endCycle(ctx context.Context, c *cycle) error {
	// Counts are local reads and must survive a cycle that hit its timeout.
	pending, dead := o.counts(context.WithoutCancel(ctx))

	o.mu.Lock()
	syncing, ok := o.state.(*SyncingState)
	o.mu.Unlock()
	if !ok {
		// A logout landed mid-cycle.
		return c.last()
	}

	if c.failed() {
		last := c.last()
		o.logger.Warn("sync cycle failed",
			"trigger", c.trigger,
			"errors", len(c.errs),
			"error", last)
		o.transitionTo(syncing.ToError(), func(s *Status) {
			s.Error = last.Error()
			s.ErrorCount = len(c.errs)
			s.PendingCount = pending
			s.DeadLetterCount = dead
		})
		return last
	}

	now := o.now()
	o.logger.Info("sync cycle complete", "trigger", c.trigger, "pending", pending, "dead_letters", dead)
	o.transitionTo(syncing.ToSynced(), func(s *Status) {
		s.LastSyncedAt = now
		s.Error = ""
		s.ErrorCount = 0
		s.PendingCount = pending
		s.DeadLetterCount = dead
	})
	return nil
}

func (o *Orchestrator) counts(ctx context.Context) (pending, dead int) {
	pending, err := o.queue.PendingCount(ctx)
	if err != nil {
		o.logger.Warn("failed to count pending mutations", "error", err)
	}
	dead, err = o.queue.DeadLetterCount(ctx)
	if err != nil {
		o.logger.Warn("failed to count dead letters", "error", err)
	}
	return pending, dead
}

// RefreshCounts updates the pending and dead-letter counts without running
// a cycle. The write path calls it after enqueueing.
func (o *Orchestrator) RefreshCounts(ctx context.Context) {
	pending, dead := o.counts(ctx)
	o.update(func(s *Status) {
		s.PendingCount = pending
		s.DeadLetterCount = dead
	})
}

// =============================================================================
// Triggers
// =============================================================================

// run executes fn once per concurrent burst of t, under the run lock
func (o *Orchestrator) run(ctx context.Context, t trigger, fn func(ctx context.Context) error) error {
	_, err, shared := o.group.Do(string(t), func() (any, error) {
		o.runMu.Lock()
		defer o.runMu.Unlock()

		cctx, cancel := context.WithTimeout(ctx, o.config.CycleTimeout)
		defer cancel()
		return nil, fn(cctx)
	})
	if shared {
		o.logger.Debug("coalesced sync request", "trigger", t)
	}
	return err
}

func (o *Orchestrator) owner() (string, error) {
	id := o.ids.Current()
	if !id.Authenticated() {
		return "", ErrNotAuthenticated
	}
	return id.UserID, nil
}

// Login runs the full cycle for a newly authenticated caller: identity
// migration, pull, dead-letter reconciliation, push, subscribe.
func (o *Orchestrator) Login(ctx context.Context) error {
	return o.run(ctx, triggerLogin, func(ctx context.Context) error {
		owner, err := o.owner()
		if err != nil {
			return err
		}

		o.beginCycle()
		c := &cycle{trigger: triggerLogin}

		if _, err := o.claim(ctx, owner); err != nil {
			c.fail(err)
			return o.endCycle(ctx, c)
		}

		c.fail(o.pull(ctx, owner))

		if n, err := o.queue.ReconcileDeadLetters(ctx); err != nil {
			c.fail(err)
		} else if n > 0 {
			o.logger.Info("removed superseded dead letters", "count", n)
		}

		c.fail(o.flush(ctx))
		c.fail(o.subscribe(ctx))
		return o.endCycle(ctx, c)
	})
}

// SyncNow is the manual trigger. It resets dead letters, since the caller
// believes the earlier failure is fixed, then runs pull, push and a cache
// reload.
func (o *Orchestrator) SyncNow(ctx context.Context) error {
	return o.run(ctx, triggerManual, func(ctx context.Context) error {
		owner, err := o.owner()
		if err != nil {
			return err
		}

		o.beginCycle()
		c := &cycle{trigger: triggerManual}

		if _, err := o.claim(ctx, owner); err != nil {
			c.fail(err)
			return o.endCycle(ctx, c)
		}

		c.fail(o.pull(ctx, owner))

		if n, err := o.queue.ResetDeadLetters(ctx); err != nil {
			c.fail(err)
		} else if n > 0 {
			o.logger.Info("reset dead letters for manual sync", "count", n)
		}

		c.fail(o.flush(ctx))
		if !o.client.Subscribed() {
			c.fail(o.subscribe(ctx))
		}
		return o.endCycle(ctx, c)
	})
}

// Reconnect flushes the queue after connectivity returns
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	return o.run(ctx, triggerReconnect, func(ctx context.Context) error {
		if _, err := o.owner(); err != nil {
			return err
		}

		o.beginCycle()
		c := &cycle{trigger: triggerReconnect}
		c.fail(o.flush(ctx))
		return o.endCycle(ctx, c)
	})
}

// Tick is the periodic pull. It catches changes a dropped change feed
// missed and re-attaches the feed. Failures are logged and swallowed,
// except schema drift that a repair could not fix. A tick that succeeds
// after a failed one counts as a reconnect and flushes the queue.
func (o *Orchestrator) Tick(ctx context.Context) error {
	var reconnected bool
	err := o.run(ctx, triggerTick, func(ctx context.Context) error {
		owner, err := o.owner()
		if err != nil {
			return nil
		}

		err = o.pull(ctx, owner)
		_, drifted := store.IsSchemaDrift(err)

		o.mu.Lock()
		wasOffline := o.offline
		o.offline = !drifted && remote.IsRetryable(err)
		o.mu.Unlock()

		if err != nil {
			if drifted {
				o.logger.Error("schema drift not repaired by tick", "error", err)
				return err
			}
			o.logger.Warn("periodic pull failed", "error", err)
			return nil
		}
		reconnected = wasOffline

		if !o.client.Subscribed() {
			if prev := o.client.SubscriptionErr(); prev != nil {
				o.logger.Info("change feed dropped, re-subscribing", "error", prev)
			}
			if err := o.subscribe(ctx); err != nil {
				o.logger.Warn("failed to re-subscribe change feed", "error", err)
			}
		}

		o.RefreshCounts(ctx)
		return nil
	})

	if reconnected {
		o.logger.Info("remote reachable again, flushing queue")
		if err := o.Reconnect(ctx); err != nil {
			o.logger.Warn("reconnect flush failed", "error", err)
		}
	}
	return err
}

// Logout detaches the change feed and resets the status to idle. The queue
// is left intact for the next login.
func (o *Orchestrator) Logout(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.client.Unsubscribe()

	o.mu.Lock()
	current := o.state
	o.mu.Unlock()

	reset := func(s *Status) {
		*s = Status{}
	}
	switch s := current.(type) {
	case *SyncingState:
		o.transitionTo(s.ToIdle(), reset)
	case *SyncedState:
		o.transitionTo(s.ToIdle(), reset)
	case *ErrorState:
		o.transitionTo(s.ToIdle(), reset)
	case *IdleState:
		o.update(reset)
	}
	return nil
}

// =============================================================================
// Steps
// =============================================================================

// pull overwrites local rows with the remote snapshot, table by table in
// dependency order, then reloads caches. Every table is attempted; the last
// error is returned.
func (o *Orchestrator) pull(ctx context.Context, owner string) error {
	var last error
	var changed []records.Table

	for _, table := range records.Tables() {
		n, err := o.pullTable(ctx, table, owner)
		if err != nil {
			o.logger.Warn("pull failed", "table", table, "error", err)
			last = err
			continue
		}
		changed = append(changed, table)
		o.logger.Debug("pulled table", "table", table, "records", n)
	}

	if o.feed != nil && len(changed) > 0 {
		// Reload logs and counts hook failures; the pull itself succeeded.
		o.feed.Reload(ctx, changed)
	}
	return last
}

func (o *Orchestrator) pullTable(ctx context.Context, table records.Table, owner string) (int, error) {
	recs, err := o.client.PullAll(ctx, table, owner)
	if err != nil {
		return 0, err
	}

	write := func() error {
		return o.store.Transaction(ctx, []records.Table{table}, func(tx *store.Tx) error {
			for _, rec := range recs {
				if err := tx.Put(ctx, rec); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err = write()
	if drift, ok := store.IsSchemaDrift(err); ok {
		o.logger.Warn("schema drift during pull, repairing", "table", drift.Table, "error", drift.Err)
		if rerr := o.store.Repair(ctx, drift.Table); rerr != nil {
			return 0, errors.Join(err, rerr)
		}
		err = write()
	}
	return len(recs), err
}

// flush pushes drained queue items in dependency order. A network failure
// stops the flush, since later items would fail the same way. A validation
// failure is counted against the item and the flush moves on. An auth
// failure stops the flush without counting, since re-authenticating fixes
// it.
func (o *Orchestrator) flush(ctx context.Context) error {
	items, err := o.queue.Drain(ctx)
	if err != nil {
		return err
	}

	// Queue bookkeeping runs even when the push outlived the cycle timeout,
	// so a timed out item still counts the attempt.
	local := context.WithoutCancel(ctx)

	var last error
	pushed := 0
	for _, item := range items {
		err := o.client.Push(ctx, item)
		if err == nil {
			if err := o.queue.MarkSucceeded(local, item.ID); err != nil {
				return err
			}
			pushed++
			continue
		}

		o.logger.Warn("push failed",
			"item_id", item.ID,
			"table", item.Table,
			"operation", item.Operation,
			"record_id", item.RecordID,
			"kind", remote.KindOf(err),
			"error", err)

		if remote.IsAuth(err) {
			return err
		}
		if merr := o.queue.MarkFailed(local, item.ID, err); merr != nil {
			return errors.Join(err, merr)
		}
		last = err
		if remote.IsRetryable(err) {
			break
		}
	}

	if len(items) > 0 {
		o.logger.Info("flushed mutation queue", "drained", len(items), "pushed", pushed)
	}
	return last
}

func (o *Orchestrator) subscribe(ctx context.Context) error {
	if o.feed == nil {
		return nil
	}
	return o.client.Subscribe(ctx, records.Tables(), o.feed.Handle)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start runs the app-start path: a login cycle if the caller is already
// authenticated, the periodic tick, and the identity watch. Identity
// changes are handled in arrival order.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if o.cancel != nil {
		return fmt.Errorf("orchestrator: already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.changes = make(chan identity.Identity, 16)
	o.lastSeen = identity.Anonymous

	o.unwatch = o.ids.Watch(func(id identity.Identity) {
		select {
		case o.changes <- id:
		case <-ctx.Done():
		}
	})

	o.wg.Add(2)
	go o.watchIdentity(ctx, o.ids.Current())
	go o.tickLoop(ctx)

	o.logger.Info("orchestrator started", "tick_interval", o.config.TickInterval)
	return nil
}

func (o *Orchestrator) watchIdentity(ctx context.Context, initial identity.Identity) {
	defer o.wg.Done()

	o.onIdentity(ctx, initial)
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.changes:
			o.onIdentity(ctx, id)
		}
	}
}

// onIdentity reacts to identity transitions. Switching accounts is a logout
// followed by a login.
func (o *Orchestrator) onIdentity(ctx context.Context, id identity.Identity) {
	prev := o.lastSeen
	o.lastSeen = id

	if prev.UserID == id.UserID {
		return
	}
	if prev.Authenticated() {
		o.logger.Info("identity signed out", "user_id", prev.UserID)
		_ = o.Logout(ctx)
	}
	if id.Authenticated() {
		o.logger.Info("identity signed in", "user_id", id.UserID)
		if err := o.Login(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("login sync failed", "error", err)
		}
	}
}

func (o *Orchestrator) tickLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Tick(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("tick failed", "error", err)
			}
		}
	}
}

// Stop ends the background loops and detaches the change feed. The status
// is left as it was.
func (o *Orchestrator) Stop() {
	o.lifeMu.Lock()
	cancel, unwatch := o.cancel, o.unwatch
	o.cancel, o.unwatch = nil, nil
	o.lifeMu.Unlock()

	if cancel == nil {
		return
	}
	unwatch()
	cancel()
	o.wg.Wait()
	o.client.Unsubscribe()
	o.logger.Info("orchestrator stopped")
}
