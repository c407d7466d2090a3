// Package records defines the synchronized entities and the single place
// where their JSON form is turned back into typed values.
package records

import (
	"encoding/json"
	"fmt"
	"time"
)

// LocalOwner is the owner sentinel for rows not yet claimed by an
// authenticated identity.
const LocalOwner = "local"

// Record statuses
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusArchived  = "archived"
	StatusDeleted   = "deleted"
)

// Record is implemented by every synchronized entity.
type Record interface {
	Table() Table
	RecordID() string
	SetRecordID(id string)
	Owner() string
	SetOwner(owner string)
	Touch(now time.Time)
	Updated() time.Time
	SetStatus(status string)
}

// Base holds the fields shared by every record. JSON names match the remote
// column names so the same encoding serves as queue payload and remote row.
type Base struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"user_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *Base) RecordID() string { return b.ID }
func (b *Base) SetRecordID(id string) { b.ID = id }
func (b *Base) Owner() string { return b.OwnerID }
func (b *Base) SetOwner(owner string) { b.OwnerID = owner }
func (b *Base) Updated() time.Time { return b.UpdatedAt }
func (b *Base) Touch(now time.Time) { b.UpdatedAt = now.UTC() }
func (b *Base) SetStatus(status string) { b.Status = status }
func (b *Base) IsLocal() bool { return b.OwnerID == LocalOwner }
func (b *Base) IsDeleted() bool { return b.Status == StatusDeleted }

// Bucket groups tasks. IsDefault marks the per-account "Inbox" bucket, which
// the remote service may also create on its own when an account is created.
type Bucket struct {
	Base
	Name      string  `json:"name"`
	Position  int     `json:"position"`
	Color     *string `json:"color"`
	IsDefault bool    `json:"is_default"`
}

func (*Bucket) Table() Table { return TableBuckets }

// Connection is a link to a third-party task provider.
type Connection struct {
	Base
	Provider        string  `json:"provider"`
	Label           string  `json:"label"`
	ExternalAccount *string `json:"external_account"`
}

func (*Connection) Table() Table { return TableConnections }

// ImportRule routes tasks from a connection into a bucket.
type ImportRule struct {
	Base
	ConnectionID   *string `json:"connection_id"`
	TargetBucketID *string `json:"target_bucket_id"`
	Query          string  `json:"query"`
	Enabled        bool    `json:"enabled"`
}

func (*ImportRule) Table() Table { return TableImportRules }

type Task struct {
	Base
	Title        string     `json:"title"`
	Notes        string     `json:"notes"`
	BucketID     *string    `json:"bucket_id"`
	ConnectionID *string    `json:"connection_id"`
	ExternalID   *string    `json:"external_id"`
	Position     int        `json:"position"`
	DueAt        *time.Time `json:"due_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

func (*Task) Table() Table { return TableTasks }

// Session is a focus session spent on a task.
type Session struct {
	Base
	TaskID         *string    `json:"task_id"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at"`
	PlannedMinutes int        `json:"planned_minutes"`
}

func (*Session) Table() Table { return TableSessions }

type TimeEntry struct {
	Base
	TaskID          *string   `json:"task_id"`
	SessionID       *string   `json:"session_id"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds int64     `json:"duration_seconds"`
	Note            string    `json:"note"`
}

func (*TimeEntry) Table() Table { return TableTimeEntries }

// New returns an empty record for the table.
func New(t Table) (Record, error) {
	switch t {
	case TableBuckets:
		return &Bucket{}, nil
	case TableConnections:
		return &Connection{}, nil
	case TableImportRules:
		return &ImportRule{}, nil
	case TableTasks:
		return &Task{}, nil
	case TableSessions:
		return &Session{}, nil
	case TableTimeEntries:
		return &TimeEntry{}, nil
	default:
		return nil, fmt.Errorf("records: unknown table %q", t)
	}
}

// Decode parses the JSON form of a row of the given table. Legacy foreign-key
// sentinels are normalized and timestamps converted to UTC.
func Decode(t Table, data []byte) (Record, error) {
	rec, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("records: decode %s: %w", t, err)
	}
	Normalize(rec)
	if rec.RecordID() == "" {
		return nil, fmt.Errorf("records: decode %s: missing id", t)
	}
	return rec, nil
}

// Encode returns the JSON form of a record.
func Encode(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("records: encode %s %s: %w", rec.Table(), rec.RecordID(), err)
	}
	return data, nil
}

// Normalize rewrites legacy foreign-key sentinels to nil and converts all
// timestamps to UTC.
func Normalize(rec Record) {
	switch r := rec.(type) {
	case *Bucket:
		normalizeBase(&r.Base)
	case *Connection:
		normalizeBase(&r.Base)
	case *ImportRule:
		normalizeBase(&r.Base)
		normalizeRef(&r.ConnectionID)
		normalizeRef(&r.TargetBucketID)
	case *Task:
		normalizeBase(&r.Base)
		normalizeRef(&r.BucketID)
		normalizeRef(&r.ConnectionID)
		normalizeRef(&r.ExternalID)
		normalizeTime(r.DueAt)
		normalizeTime(r.CompletedAt)
	case *Session:
		normalizeBase(&r.Base)
		normalizeRef(&r.TaskID)
		r.StartedAt = r.StartedAt.UTC()
		normalizeTime(r.EndedAt)
	case *TimeEntry:
		normalizeBase(&r.Base)
		normalizeRef(&r.TaskID)
		normalizeRef(&r.SessionID)
		r.StartedAt = r.StartedAt.UTC()
	}
}

// IsNullRef reports whether a foreign-key value is one of the legacy
// spellings of "no reference".
func IsNullRef(v string) bool {
	switch v {
	case "", "none", "global":
		return true
	}
	return false
}

func normalizeBase(b *Base) {
	b.UpdatedAt = b.UpdatedAt.UTC()
	if b.Status == "" {
		b.Status = StatusActive
	}
}

func normalizeRef(ref **string) {
	if *ref != nil && IsNullRef(**ref) {
		*ref = nil
	}
}

func normalizeTime(t *time.Time) {
	if t != nil {
		*t = t.UTC()
	}
}
