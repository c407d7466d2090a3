package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/tasksync/internal/queue"
	"github.com/livinlefevreloca/tasksync/internal/records"
	"github.com/livinlefevreloca/tasksync/internal/store"
)

// Event is a change-feed notification translated to the local record shape
type Event struct {
	Table records.Table
	Type  EventType
	ID    string
	// Record is nil for deletes.
	Record records.Record
}

// Client moves records between the local shape and a Backend
type Client struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu  sync.Mutex
	sub Subscription
}

func NewClient(backend Backend, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the time source used for pull windows
func (c *Client) SetClock(now func() time.Time) {
	c.now = now
}

// Push performs the remote write for one queue item. Inserts and updates are
// upserts by primary key; deleting an absent row succeeds.
func (c *Client) Push(ctx context.Context, item queue.Item) error {
	switch item.Operation {
	case queue.OpInsert, queue.OpUpdate:
		row, err := encodeRow(item.Table, item.Payload)
		if err != nil {
			return &Error{Kind: KindValidation, Op: "upsert", Table: item.Table, Err: err}
		}
		return c.backend.Upsert(ctx, item.Table, []json.RawMessage{row})

	case queue.OpDelete:
		return c.DeleteRecord(ctx, item.Table, item.RecordID)

	default:
		return &Error{Kind: KindValidation, Op: string(item.Operation), Table: item.Table,
			Message: "unknown queue operation"}
	}
}

// encodeRow round-trips a payload through the table's record type so that
// only known columns, with normalized references, reach the remote.
func encodeRow(table records.Table, payload json.RawMessage) (json.RawMessage, error) {
	rec, err := records.Decode(table, payload)
	if err != nil {
		return nil, err
	}
	return records.Encode(rec)
}

// UpsertRecords pushes recs of one table in a single request
func (c *Client) UpsertRecords(ctx context.Context, table records.Table, recs []records.Record) error {
	if len(recs) == 0 {
		return nil
	}

	rows := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		if rec.Table() != table {
			return fmt.Errorf("remote: %s record in %s upsert", rec.Table(), table)
		}
		row, err := records.Encode(rec)
		if err != nil {
			return &Error{Kind: KindValidation, Op: "upsert", Table: table, Err: err}
		}
		rows = append(rows, row)
	}
	return c.backend.Upsert(ctx, table, rows)
}

// DeleteRecord removes a remote row, treating an absent row as deleted
func (c *Client) DeleteRecord(ctx context.Context, table records.Table, id string) error {
	err := c.backend.Delete(ctx, table, id)
	if IsNotFound(err) {
		c.logger.Debug("remote row already absent", "table", table, "record_id", id)
		return nil
	}
	return err
}

// windowed tables are pulled from the start of the local day only
var windowed = map[records.Table]bool{
	records.TableSessions:    true,
	records.TableTimeEntries: true,
}

// PullAll returns the remote snapshot of table owned by owner. Sessions and
// time entries are limited to rows started today. Rows that fail to decode
// are skipped.
func (c *Client) PullAll(ctx context.Context, table records.Table, owner string) ([]records.Record, error) {
	filter := Filter{{Column: "user_id", Op: OpEq, Value: owner}}
	if windowed[table] {
		filter = append(filter, Condition{Column: "started_at", Op: OpGte, Value: store.FormatTime(startOfDay(c.now()))})
	}

	rows, err := c.backend.SelectAll(ctx, table, filter)
	if err != nil {
		return nil, err
	}

	recs := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := records.Decode(table, row)
		if err != nil {
			c.logger.Warn("skipping undecodable remote row", "table", table, "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Subscribe attaches the change feed, replacing any existing subscription.
// onChange runs on the feed's goroutine.
func (c *Client) Subscribe(ctx context.Context, tables []records.Table, onChange func(Event)) error {
	c.Unsubscribe()

	sub, err := c.backend.Subscribe(ctx, tables, func(ch Change) {
		ev, err := translate(ch)
		if err != nil {
			c.logger.Warn("dropping change feed event", "table", ch.Table, "event", ch.Event, "error", err)
			return
		}
		onChange(ev)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

// Unsubscribe detaches the change feed. It is safe to call when not
// subscribed.
func (c *Client) Unsubscribe() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			c.logger.Warn("failed to close change feed", "error", err)
		}
	}
}

// Subscribed reports whether the change feed is attached and alive
func (c *Client) Subscribed() bool {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()

	if sub == nil {
		return false
	}
	select {
	case <-sub.Done():
		return false
	default:
		return true
	}
}

// SubscriptionErr returns why the last subscription ended, if it did
func (c *Client) SubscriptionErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub == nil {
		return nil
	}
	return c.sub.Err()
}

// translate maps a raw change to the local record shape. Deletes only need
// the id, which the remote sends in old_record.
func translate(ch Change) (Event, error) {
	if !ch.Table.Valid() {
		return Event{}, fmt.Errorf("unknown table %q", ch.Table)
	}

	switch ch.Event {
	case EventInsert, EventUpdate:
		rec, err := records.Decode(ch.Table, ch.Record)
		if err != nil {
			return Event{}, err
		}
		return Event{Table: ch.Table, Type: ch.Event, ID: rec.RecordID(), Record: rec}, nil

	case EventDelete:
		raw := ch.OldRecord
		if len(raw) == 0 {
			raw = ch.Record
		}
		var key struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &key); err != nil {
			return Event{}, err
		}
		if key.ID == "" {
			return Event{}, fmt.Errorf("delete without id")
		}
		return Event{Table: ch.Table, Type: EventDelete, ID: key.ID}, nil

	default:
		return Event{}, fmt.Errorf("unknown event type %q", ch.Event)
	}
}
