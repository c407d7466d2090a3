package changefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livinlefevreloca/tasksync/internal/records"
	"github.com/livinlefevreloca/tasksync/internal/remote"
	"github.com/livinlefevreloca/tasksync/internal/store"
)

// ErrNotStarted is returned by Shutdown on a subscriber that never ran
var ErrNotStarted = errors.New("changefeed: not started")

// Subscriber applies remote change events to the store. Events are buffered
// on a channel and written in batches by a single goroutine, each batch in
// one store transaction, so a feed write never interleaves with another
// writer mid-record.
type Subscriber struct {
	// Configuration
	config Config
	store  *store.Store
	logger *slog.Logger

	// Event buffering
	events chan remote.Event

	// Cache reload hooks
	reloadMu  sync.RWMutex
	reloaders []Reloader

	// Counters
	applied atomic.Int64
	batches atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	reloadFailed atomic.Int64

	// Control
	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewSubscriber creates a subscriber writing to st
func NewSubscriber(config Config, st *store.Store, logger *slog.Logger) (*Subscriber, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Subscriber{
		config: config,
		store:  st,
		logger: logger,
		events: make(chan remote.Event, config.ChannelSize),
	}, nil
}

// AddReloader registers a hook run after every applied batch
func (s *Subscriber) AddReloader(r Reloader) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	s.reloaders = append(s.reloaders, r)
}

// Reload runs every registered hook for tables. All hooks run; each failure
// is logged and counted in Stats.ReloadFailed, and the first is returned.
func (s *Subscriber) Reload(ctx context.Context, tables []records.Table) error {
	s.reloadMu.RLock()
	hooks := slices.Clone(s.reloaders)
	s.reloadMu.RUnlock()

	var first error
	for _, r := range hooks {
		if err := r.Reload(ctx, tables); err != nil {
			s.reloadFailed.Add(1)
			s.logger.Warn("cache reload failed", "tables", tables, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Handle queues ev for the applier. It is the onChange callback handed to
// remote.Client.Subscribe and blocks while the buffer is full. Events that
// arrive before Start or after Shutdown are dropped; the next pull picks
// them up.
func (s *Subscriber) Handle(ev remote.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started || s.closed {
		s.dropped.Add(1)
		s.logger.Debug("dropping change, applier not running",
			"table", ev.Table, "record_id", ev.ID, "started", s.started)
		return
	}
	s.events <- ev
}

// Stats returns current subscriber statistics
func (s *Subscriber) Stats() Stats {
	return Stats{
		Buffered: len(s.events),
		Applied:  s.applied.Load(),
		Batches:  s.batches.Load(),
		Failed:   s.failed.Load(),
		Dropped:  s.dropped.Load(),

		ReloadFailed: s.reloadFailed.Load(),
	}
}

// Start launches the applier goroutine. ctx scopes the store writes.
func (s *Subscriber) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true

	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Subscriber) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]remote.Event, 0, s.config.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.flush(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				flush()
				s.logger.Debug("change feed applier shut down")
				return
			}
			batch = append(batch, ev)
			if len(batch) >= s.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flush applies one batch, repairing the schema once on drift, then reloads
// caches for the tables it touched.
func (s *Subscriber) flush(ctx context.Context, batch []remote.Event) {
	tables := touchedTables(batch)

	err := s.apply(ctx, tables, batch)
	if drift, ok := store.IsSchemaDrift(err); ok {
		s.logger.Warn("schema drift applying change feed", "table", drift.Table, "error", drift.Err)
		if rerr := s.store.Repair(ctx, drift.Table); rerr == nil {
			err = s.apply(ctx, tables, batch)
		} else {
			err = errors.Join(err, rerr)
		}
	}

	if err != nil {
		s.failed.Add(int64(len(batch)))
		s.logger.Error("failed to apply change feed batch",
			"events", len(batch),
			"tables", tables,
			"error", err)
		return
	}

	s.applied.Add(int64(len(batch)))
	s.batches.Add(1)
	s.logger.Debug("applied change feed batch", "events", len(batch), "tables", tables)

	// Reload logs and counts its own failures; the batch is already stored.
	s.Reload(ctx, tables)
}

func (s *Subscriber) apply(ctx context.Context, tables []records.Table, batch []remote.Event) error {
	return s.store.Transaction(ctx, tables, func(tx *store.Tx) error {
		for _, ev := range batch {
			switch ev.Type {
			case remote.EventInsert, remote.EventUpdate:
				if err := tx.Put(ctx, ev.Record); err != nil {
					return fmt.Errorf("apply %s %s/%s: %w", ev.Type, ev.Table, ev.ID, err)
				}
			case remote.EventDelete:
				if err := tx.Delete(ctx, ev.Table, ev.ID); err != nil {
					return fmt.Errorf("apply delete %s/%s: %w", ev.Table, ev.ID, err)
				}
			default:
				s.logger.Warn("ignoring unknown change event", "table", ev.Table, "event", ev.Type)
			}
		}
		return nil
	})
}

func touchedTables(batch []remote.Event) []records.Table {
	var tables []records.Table
	for _, ev := range batch {
		if !slices.Contains(tables, ev.Table) {
			tables = append(tables, ev.Table)
		}
	}
	slices.SortFunc(tables, func(a, b records.Table) int { return a.Rank() - b.Rank() })
	return tables
}

// Shutdown stops accepting events, applies everything already buffered and
// waits for the applier to exit.
func (s *Subscriber) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started

	// Closing the channel lets the applier drain what is buffered and exit.
	close(s.events)
	s.mu.Unlock()

	if !started {
		return ErrNotStarted
	}

	s.logger.Debug("waiting for change feed applier to drain", "buffered", len(s.events))
	s.wg.Wait()
	s.logger.Info("change feed subscriber shutdown complete")
	return nil
}
