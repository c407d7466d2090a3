// Package remote adapts local records to the remote backing service: pushes
// queue items, pulls table snapshots and relays the change feed.
package remote

import (
	"context"
	"encoding/json"

	"github.com/livinlefevreloca/tasksync/internal/records"
)

// EventType is the kind of change reported by the change feed
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Operator is a filter comparison
type Operator string

const (
	OpEq  Operator = "eq"
	OpGte Operator = "gte"
)

// Condition restricts a scan to rows whose column compares to Value
type Condition struct {
	Column string
	Op     Operator
	Value  string
}

// Filter is a list of ANDed conditions
type Filter []Condition

// Change is a raw change-feed notification, as the remote sends it
type Change struct {
	Table     records.Table
	Event     EventType
	Record    json.RawMessage
	OldRecord json.RawMessage
}

// Subscription is a live change-feed attachment
type Subscription interface {
	// Done is closed when the subscription ends, by Close or by the remote.
	Done() <-chan struct{}
	// Err explains why the subscription ended. It is nil after Close.
	Err() error
	Close() error
}

// Backend is the remote service boundary. Rows are JSON objects whose keys
// are the remote column names.
type Backend interface {
	// Upsert inserts rows or overwrites existing rows with the same id.
	Upsert(ctx context.Context, table records.Table, rows []json.RawMessage) error
	// Delete removes the row with id, returning a KindNotFound error when the
	// remote never had it.
	Delete(ctx context.Context, table records.Table, id string) error
	SelectAll(ctx context.Context, table records.Table, filter Filter) ([]json.RawMessage, error)
	Subscribe(ctx context.Context, tables []records.Table, onChange func(Change)) (Subscription, error)
}
