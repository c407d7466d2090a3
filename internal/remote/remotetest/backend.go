// Package remotetest provides an in-memory remote.Backend with scriptable
// failures, a call log and change emission.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/livinlefevreloca/tasksync/internal/records"
	"github.com/livinlefevreloca/tasksync/internal/remote"
)

// Backend operation names used in calls and faults
const (
	OpUpsert    = "upsert"
	OpDelete    = "delete"
	OpSelect    = "select"
	OpSubscribe = "subscribe"
)

// Call is one recorded backend operation
type Call struct {
	Op    string
	Table records.Table
	IDs   []string
}

type fault struct {
	op    string
	table records.Table
	err   error
}

// Backend is an in-memory remote.Backend. The zero value is not usable; call
// New.
type Backend struct {
	mu     sync.Mutex
	rows   map[records.Table]map[string]json.RawMessage
	calls  []Call
	faults []fault
	subs   map[*subscription]struct{}
	hook   func(op string, table records.Table)

	// EmitOnWrite broadcasts successful upserts and deletes to subscribers,
	// the way a realtime server echoes writes.
	EmitOnWrite bool
}

func New() *Backend {
	return &Backend{
		rows: make(map[records.Table]map[string]json.RawMessage),
		subs: make(map[*subscription]struct{}),
	}
}

// FailNext makes the next op on table fail with err. An empty table matches
// any table. Faults queue up in call order.
func (b *Backend) FailNext(op string, table records.Table, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = append(b.faults, fault{op: op, table: table, err: err})
}

// FailAlways is FailNext repeated n times
func (b *Backend) FailAlways(op string, table records.Table, err error, n int) {
	for i := 0; i < n; i++ {
		b.FailNext(op, table, err)
	}
}

// ClearFaults drops every scripted failure
func (b *Backend) ClearFaults() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = nil
}

// SetHook installs fn to run at the start of every operation, outside the
// backend's lock.
func (b *Backend) SetHook(fn func(op string, table records.Table)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = fn
}

func (b *Backend) begin(op string, table records.Table, ids []string) error {
	b.mu.Lock()
	hook := b.hook
	b.calls = append(b.calls, Call{Op: op, Table: table, IDs: ids})

	var err error
	for i, f := range b.faults {
		if f.op == op && (f.table == "" || f.table == table) {
			err = f.err
			b.faults = slices.Delete(b.faults, i, i+1)
			break
		}
	}
	b.mu.Unlock()

	if hook != nil {
		hook(op, table)
	}
	return err
}

// =============================================================================
// remote.Backend
// =============================================================================

func (b *Backend) Upsert(ctx context.Context, table records.Table, rows []json.RawMessage) error {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		id, err := rowID(row)
		if err != nil {
			return &remote.Error{Kind: remote.KindValidation, Op: OpUpsert, Table: table, Err: err}
		}
		ids = append(ids, id)
	}

	if err := b.begin(OpUpsert, table, ids); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &remote.Error{Kind: remote.KindNetwork, Op: OpUpsert, Table: table, Err: err}
	}

	b.mu.Lock()
	t := b.table(table)
	for i, row := range rows {
		t[ids[i]] = append(json.RawMessage(nil), row...)
	}
	emit := b.EmitOnWrite
	b.mu.Unlock()

	if emit {
		for _, row := range rows {
			b.Emit(remote.Change{Table: table, Event: remote.EventUpdate, Record: row})
		}
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, table records.Table, id string) error {
	if err := b.begin(OpDelete, table, []string{id}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &remote.Error{Kind: remote.KindNetwork, Op: OpDelete, Table: table, Err: err}
	}

	b.mu.Lock()
	t := b.table(table)
	_, ok := t[id]
	delete(t, id)
	emit := b.EmitOnWrite
	b.mu.Unlock()

	if !ok {
		return &remote.Error{Kind: remote.KindNotFound, Op: OpDelete, Table: table, Message: "no row with id " + id}
	}
	if emit {
		old, _ := json.Marshal(map[string]string{"id": id})
		b.Emit(remote.Change{Table: table, Event: remote.EventDelete, OldRecord: old})
	}
	return nil
}

func (b *Backend) SelectAll(ctx context.Context, table records.Table, filter remote.Filter) ([]json.RawMessage, error) {
	if err := b.begin(OpSelect, table, nil); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &remote.Error{Kind: remote.KindNetwork, Op: OpSelect, Table: table, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.table(table)
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := []json.RawMessage{}
	for _, id := range ids {
		ok, err := matches(t[id], filter)
		if err != nil {
			return nil, &remote.Error{Kind: remote.KindValidation, Op: OpSelect, Table: table, Err: err}
		}
		if ok {
			out = append(out, append(json.RawMessage(nil), t[id]...))
		}
	}
	return out, nil
}

func (b *Backend) Subscribe(ctx context.Context, tables []records.Table, onChange func(remote.Change)) (remote.Subscription, error) {
	if err := b.begin(OpSubscribe, "", nil); err != nil {
		return nil, err
	}

	sub := &subscription{
		backend:  b,
		tables:   slices.Clone(tables),
		onChange: onChange,
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

func (b *Backend) table(t records.Table) map[string]json.RawMessage {
	rows, ok := b.rows[t]
	if !ok {
		rows = make(map[string]json.RawMessage)
		b.rows[t] = rows
	}
	return rows
}

// =============================================================================
// Test controls
// =============================================================================

// Seed stores recs directly, as if another device had pushed them
func (b *Backend) Seed(recs ...records.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range recs {
		row, err := records.Encode(rec)
		if err != nil {
			panic(err)
		}
		b.table(rec.Table())[rec.RecordID()] = row
	}
}

// Remove deletes a row without recording a call
func (b *Backend) Remove(table records.Table, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.table(table), id)
}

// Records returns the decoded rows of table sorted by id
func (b *Backend) Records(table records.Table) []records.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.table(table)
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]records.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := records.Decode(table, t[id])
		if err != nil {
			panic(err)
		}
		out = append(out, rec)
	}
	return out
}

// Record returns one decoded row, or nil
func (b *Backend) Record(table records.Table, id string) records.Record {
	b.mu.Lock()
	row, ok := b.table(table)[id]
	b.mu.Unlock()

	if !ok {
		return nil
	}
	rec, err := records.Decode(table, row)
	if err != nil {
		panic(err)
	}
	return rec
}

// Calls returns the recorded operations in order
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// CallsTo returns the recorded operations named op
func (b *Backend) CallsTo(op string) []Call {
	var out []Call
	for _, c := range b.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// Subscribers returns the number of live subscriptions
func (b *Backend) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Emit delivers change to every live subscription on its table
func (b *Backend) Emit(change remote.Change) {
	b.mu.Lock()
	var targets []*subscription
	for sub := range b.subs {
		if slices.Contains(sub.tables, change.Table) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.onChange(change)
	}
}

// EmitRecord emits an update carrying rec
func (b *Backend) EmitRecord(event remote.EventType, rec records.Record) {
	row, err := records.Encode(rec)
	if err != nil {
		panic(err)
	}
	change := remote.Change{Table: rec.Table(), Event: event, Record: row}
	if event == remote.EventDelete {
		change.Record = nil
		change.OldRecord, _ = json.Marshal(map[string]string{"id": rec.RecordID()})
	}
	b.Emit(change)
}

// DropSubscriptions ends every live subscription with err, as a lost
// connection would.
func (b *Backend) DropSubscriptions(err error) {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.end(err)
	}
}

type subscription struct {
	backend  *Backend
	tables   []records.Table
	onChange func(remote.Change)

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.backend.mu.Lock()
	delete(s.backend.subs, s)
	s.backend.mu.Unlock()

	s.end(nil)
	return nil
}

func (s *subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// =============================================================================
// Filtering
// =============================================================================

func rowID(row json.RawMessage) (string, error) {
	var key struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(row, &key); err != nil {
		return "", err
	}
	if key.ID == "" {
		return "", fmt.Errorf("row without id")
	}
	return key.ID, nil
}

func matches(row json.RawMessage, filter remote.Filter) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(row, &fields); err != nil {
		return false, err
	}

	for _, c := range filter {
		got := fieldString(fields[c.Column])
		switch c.Op {
		case remote.OpEq:
			if got != c.Value {
				return false, nil
			}
		case remote.OpGte:
			if compare(got, c.Value) < 0 {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported operator %q", c.Op)
		}
	}
	return true, nil
}

func fieldString(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// compare orders timestamps by time and everything else as text
func compare(a, b string) int {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
