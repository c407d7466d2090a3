package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/tasksync/internal/records"
	"github.com/livinlefevreloca/tasksync/internal/testutil"
)

// =============================================================================
// Test Fixtures and Helpers
// =============================================================================

// NewTestStore opens a migrated store in a temp file
func NewTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), Config{Path: testutil.DBPath(t), BusyTimeout: time.Second}, testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

var testNow = time.Date(2026, 3, 4, 10, 30, 0, 123456789, time.UTC)

func makeBucket(id, owner string) *records.Bucket {
	return &records.Bucket{
		Base: records.Base{ID: id, OwnerID: owner, Status: records.StatusActive, UpdatedAt: testNow},
		Name: "Bucket " + id,
	}
}

func makeTask(id, owner string, bucketID *string) *records.Task {
	return &records.Task{
		Base:     records.Base{ID: id, OwnerID: owner, Status: records.StatusActive, UpdatedAt: testNow},
		Title:    "Task " + id,
		BucketID: bucketID,
	}
}

// =============================================================================
// Record Operation Tests
// =============================================================================

func TestPutGet_RoundTripsEveryTable(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	ended := testNow.Add(25 * time.Minute)
	due := testNow.Add(48 * time.Hour)
	recs := []records.Record{
		&records.Bucket{Base: records.Base{ID: "b1", OwnerID: "u1", Status: records.StatusActive, UpdatedAt: testNow},
			Name: "Inbox", Position: 2, Color: strPtr("#ff0000"), IsDefault: true},
		&records.Connection{Base: records.Base{ID: "c1", OwnerID: "u1", Status: records.StatusActive, UpdatedAt: testNow},
			Provider: "linear", Label: "Work"},
		&records.ImportRule{Base: records.Base{ID: "r1", OwnerID: "u1", Status: records.StatusActive, UpdatedAt: testNow},
			ConnectionID: strPtr("c1"), TargetBucketID: strPtr("b1"), Query: "assignee:me", Enabled: true},
		&records.Task{Base: records.Base{ID: "t1", OwnerID: "u1", Status: records.StatusCompleted, UpdatedAt: testNow},
			Title: "Write", Notes: "n", BucketID: strPtr("b1"), Position: 3, DueAt: &due, CompletedAt: &testNow},
		&records.Session{Base: records.Base{ID: "s1", OwnerID: "u1", Status: records.StatusActive, UpdatedAt: testNow},
			TaskID: strPtr("t1"), StartedAt: testNow, EndedAt: &ended, PlannedMinutes: 25},
		&records.TimeEntry{Base: records.Base{ID: "e1", OwnerID: "u1", Status: records.StatusActive, UpdatedAt: testNow},
			TaskID: strPtr("t1"), SessionID: strPtr("s1"), StartedAt: testNow, DurationSeconds: 1500, Note: "focus"},
	}

	for _, rec := range recs {
		require.NoError(t, s.Put(ctx, rec), "put %s", rec.Table())

		got, err := s.Get(ctx, rec.Table(), rec.RecordID())
		require.NoError(t, err, "get %s", rec.Table())
		assert.Equal(t, rec, got, "round trip of %s", rec.Table())
	}
}

func TestGet_NotFound(t *testing.T) {
	s := NewTestStore(t)

	_, err := s.Get(context.Background(), records.TableTasks, "missing")
	assert.True(t, IsNotFound(err), "expected not found, got %v", err)
}

func TestPut_OverwritesByPrimaryKey(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	task := makeTask("t1", "u1", nil)
	require.NoError(t, s.Put(ctx, task))

	task.Title = "Renamed"
	task.BucketID = strPtr("b9")
	require.NoError(t, s.Put(ctx, task))

	all, err := s.Query(ctx, records.TableTasks, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Renamed", all[0].(*records.Task).Title)
	assert.Equal(t, "b9", *all[0].(*records.Task).BucketID)
}

func TestDelete_AbsentIsNotAnError(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Delete(ctx, records.TableBuckets, "never-existed"))

	require.NoError(t, s.Put(ctx, makeBucket("b1", "u1")))
	require.NoError(t, s.Delete(ctx, records.TableBuckets, "b1"))
	require.NoError(t, s.Delete(ctx, records.TableBuckets, "b1"))

	_, err := s.Get(ctx, records.TableBuckets, "b1")
	assert.True(t, IsNotFound(err))
}

func TestQuery_Filters(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	old := makeBucket("b-old", "u1")
	old.UpdatedAt = testNow.Add(-time.Hour)
	other := makeBucket("b-other", "u2")
	match := makeBucket("b-match", "u1")
	miss := makeBucket("b-miss", "u1")
	miss.Name = "skip me"

	for _, b := range []*records.Bucket{old, other, match, miss} {
		require.NoError(t, s.Put(ctx, b))
	}

	got, err := s.Query(ctx, records.TableBuckets, Filter{
		Owner:        "u1",
		UpdatedSince: testNow,
		Match: func(r records.Record) bool {
			return r.(*records.Bucket).Name != "skip me"
		},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b-match", got[0].RecordID())

	all, err := s.Query(ctx, records.TableBuckets, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, "b-old", all[0].RecordID(), "oldest update sorts first")
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestTransaction_RollsBackOnError(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Transaction(ctx, []records.Table{records.TableBuckets, records.TableTasks}, func(tx *Tx) error {
		require.NoError(t, tx.Put(ctx, makeBucket("b1", "u1")))
		require.NoError(t, tx.Put(ctx, makeTask("t1", "u1", strPtr("b1"))))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, records.TableBuckets, "b1")
	assert.True(t, IsNotFound(err), "bucket must not survive rollback")
	_, err = s.Get(ctx, records.TableTasks, "t1")
	assert.True(t, IsNotFound(err), "task must not survive rollback")
}

func TestTransaction_RollsBackOnPanic(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = s.Transaction(ctx, nil, func(tx *Tx) error {
			require.NoError(t, tx.Put(ctx, makeBucket("b1", "u1")))
			panic("mid-write")
		})
	})

	_, err := s.Get(ctx, records.TableBuckets, "b1")
	assert.True(t, IsNotFound(err))

	// The write lock was released.
	require.NoError(t, s.Put(ctx, makeBucket("b2", "u1")))
}

func TestTransaction_EnforcesScope(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	err := s.Transaction(ctx, []records.Table{records.TableBuckets}, func(tx *Tx) error {
		return tx.Put(ctx, makeTask("t1", "u1", nil))
	})
	assert.ErrorIs(t, err, ErrTableNotInScope)
}

func TestTransaction_ConcurrentWritersDoNotTear(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := string(rune('a' + i))
			err := s.Transaction(ctx, []records.Table{records.TableTasks}, func(tx *Tx) error {
				task := makeTask("t1", "u1", nil)
				task.Title = name
				task.Notes = name
				return tx.Put(ctx, task)
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, records.TableTasks, "t1")
	require.NoError(t, err)
	task := got.(*records.Task)
	assert.Equal(t, task.Title, task.Notes, "fields from different writers must not mix")
}

// =============================================================================
// Schema Drift Tests
// =============================================================================

func TestSchemaDrift_DetectedAndRepaired(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	_, err := s.Exec("DROP TABLE sessions")
	require.NoError(t, err)

	_, err = s.Query(ctx, records.TableSessions, Filter{})
	drift, ok := IsSchemaDrift(err)
	require.True(t, ok, "expected schema drift, got %v", err)
	assert.Equal(t, records.TableSessions, drift.Table)

	require.NoError(t, s.Repair(ctx, records.TableSessions))

	got, err := s.Query(ctx, records.TableSessions, Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSchemaDrift_MissingColumnRepaired(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	// Simulate a build that recreated tasks without completed_at.
	_, err := s.Exec("DROP TABLE tasks")
	require.NoError(t, err)
	_, err = s.Exec(`CREATE TABLE tasks (id TEXT PRIMARY KEY, user_id TEXT NOT NULL, status TEXT NOT NULL DEFAULT 'active',
		updated_at TEXT NOT NULL, title TEXT NOT NULL DEFAULT '', notes TEXT NOT NULL DEFAULT '', bucket_id TEXT,
		connection_id TEXT, external_id TEXT, position INTEGER NOT NULL DEFAULT 0, due_at TEXT)`)
	require.NoError(t, err)

	err = s.Put(ctx, makeTask("t1", "u1", nil))
	_, ok := IsSchemaDrift(err)
	require.True(t, ok, "expected schema drift, got %v", err)

	require.NoError(t, s.Repair(ctx, records.TableTasks))
	require.NoError(t, s.Put(ctx, makeTask("t1", "u1", nil)))
}

// =============================================================================
// Meta Tests
// =============================================================================

func TestMeta(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	_, err := s.GetMeta(ctx, MetaClaimedOwner)
	assert.True(t, IsNotFound(err))

	require.NoError(t, s.SetMeta(ctx, MetaClaimedOwner, "u1"))
	require.NoError(t, s.SetMeta(ctx, MetaClaimedOwner, "u2"))

	v, err := s.GetMeta(ctx, MetaClaimedOwner)
	require.NoError(t, err)
	assert.Equal(t, "u2", v)

	require.NoError(t, s.Transaction(ctx, nil, func(tx *Tx) error {
		return tx.DeleteMeta(ctx, MetaClaimedOwner)
	}))
	_, err = s.GetMeta(ctx, MetaClaimedOwner)
	assert.True(t, IsNotFound(err))
}

func TestIsDuplicate(t *testing.T) {
	assert.False(t, IsDuplicate(nil))
	assert.True(t, IsDuplicate(ErrDuplicate))
	assert.True(t, IsDuplicate(errors.New("UNIQUE constraint failed: buckets.id")))
	assert.False(t, IsDuplicate(sql.ErrNoRows))
}
