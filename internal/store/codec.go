package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/livinlefevreloca/tasksync/internal/records"
)

// timeLayout is fixed width so that stored timestamps compare correctly as
// text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t the way the store persists timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

// timeColumn scans a TEXT timestamp column into a time.Time.
type timeColumn struct{ dst *time.Time }

func (c timeColumn) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*c.dst = time.Time{}
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	case time.Time:
		*c.dst = v.UTC()
		return nil
	default:
		return fmt.Errorf("store: cannot scan %T into time", src)
	}

	t, err := ParseTime(s)
	if err != nil {
		return err
	}
	*c.dst = t
	return nil
}

// nullTimeColumn scans a nullable TEXT timestamp column into a *time.Time.
type nullTimeColumn struct{ dst **time.Time }

func (c nullTimeColumn) Scan(src any) error {
	if src == nil {
		*c.dst = nil
		return nil
	}
	var t time.Time
	if err := (timeColumn{dst: &t}).Scan(src); err != nil {
		return err
	}
	*c.dst = &t
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// codec maps one record type onto its table's columns. values and scan list
// columns in the same order as columns.
type codec struct {
	columns []string
	values  func(rec records.Record) []any
	scan    func(row scanner) (records.Record, error)
}

var baseColumns = []string{"id", "user_id", "status", "updated_at"}

func baseValues(b *records.Base) []any {
	return []any{b.ID, b.OwnerID, b.Status, FormatTime(b.UpdatedAt)}
}

func baseDest(b *records.Base) []any {
	return []any{&b.ID, &b.OwnerID, &b.Status, timeColumn{&b.UpdatedAt}}
}

func columns(extra ...string) []string {
	return append(append([]string{}, baseColumns...), extra...)
}

var codecs = map[records.Table]codec{
	records.TableBuckets: {
		columns: columns("name", "position", "color", "is_default"),
		values: func(rec records.Record) []any {
			r := rec.(*records.Bucket)
			return append(baseValues(&r.Base), r.Name, r.Position, r.Color, r.IsDefault)
		},
		scan: func(row scanner) (records.Record, error) {
			r := &records.Bucket{}
			return r, row.Scan(append(baseDest(&r.Base), &r.Name, &r.Position, &r.Color, &r.IsDefault)...)
		},
	},
	records.TableConnections: {
		columns: columns("provider", "label", "external_account"),
		values: func(rec records.Record) []any {
			r := rec.(*records.Connection)
			return append(baseValues(&r.Base), r.Provider, r.Label, r.ExternalAccount)
		},
		scan: func(row scanner) (records.Record, error) {
			r := &records.Connection{}
			return r, row.Scan(append(baseDest(&r.Base), &r.Provider, &r.Label, &r.ExternalAccount)...)
		},
	},
	records.TableImportRules: {
		columns: columns("connection_id", "target_bucket_id", "query", "enabled"),
		values: func(rec records.Record) []any {
			r := rec.(*records.ImportRule)
			return append(baseValues(&r.Base), r.ConnectionID, r.TargetBucketID, r.Query, r.Enabled)
		},
		scan: func(row scanner) (records.Record, error) {
			r := &records.ImportRule{}
			return r, row.Scan(append(baseDest(&r.Base), &r.ConnectionID, &r.TargetBucketID, &r.Query, &r.Enabled)...)
		},
	},
	records.TableTasks: {
		columns: columns("title", "notes", "bucket_id", "connection_id", "external_id", "position", "due_at", "completed_at"),
		values: func(rec records.Record) []any {
			r := rec.(*records.Task)
			return append(baseValues(&r.Base), r.Title, r.Notes, r.BucketID, r.ConnectionID, r.ExternalID,
				r.Position, formatNullTime(r.DueAt), formatNullTime(r.CompletedAt))
		},
		scan: func(row scanner) (records.Record, error) {
			r := &records.Task{}
			return r, row.Scan(append(baseDest(&r.Base), &r.Title, &r.Notes, &r.BucketID, &r.ConnectionID,
				&r.ExternalID, &r.Position, nullTimeColumn{&r.DueAt}, nullTimeColumn{&r.CompletedAt})...)
		},
	},
	records.TableSessions: {
		columns: columns("task_id", "started_at", "ended_at", "planned_minutes"),
		values: func(rec records.Record) []any {
			r := rec.(*records.Session)
			return append(baseValues(&r.Base), r.TaskID, FormatTime(r.StartedAt), formatNullTime(r.EndedAt), r.PlannedMinutes)
		},
		scan: func(row scanner) (records.Record, error) {
			r := &records.Session{}
			return r, row.Scan(append(baseDest(&r.Base), &r.TaskID, timeColumn{&r.StartedAt},
				nullTimeColumn{&r.EndedAt}, &r.PlannedMinutes)...)
		},
	},
	records.TableTimeEntries: {
		columns: columns("task_id", "session_id", "started_at", "duration_seconds", "note"),
		values: func(rec records.Record) []any {
			r := rec.(*records.TimeEntry)
			return append(baseValues(&r.Base), r.TaskID, r.SessionID, FormatTime(r.StartedAt), r.DurationSeconds, r.Note)
		},
		scan: func(row scanner) (records.Record, error) {
			r := &records.TimeEntry{}
			return r, row.Scan(append(baseDest(&r.Base), &r.TaskID, &r.SessionID, timeColumn{&r.StartedAt},
				&r.DurationSeconds, &r.Note)...)
		},
	},
}

func codecFor(table records.Table) (codec, error) {
	c, ok := codecs[table]
	if !ok {
		return codec{}, fmt.Errorf("store: unknown table %q", table)
	}
	return c, nil
}

func (c codec) selectSQL(table records.Table) string {
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(c.columns, ", "), table)
}

// upsertSQL overwrites every column of an existing row with the same id.
func (c codec) upsertSQL(table records.Table) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(c.columns)), ", ")

	var updates []string
	for _, col := range c.columns[1:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		table, strings.Join(c.columns, ", "), placeholders, strings.Join(updates, ", "))
}
