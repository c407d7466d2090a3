package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/tasksync/internal/identity"
	"github.com/livinlefevreloca/tasksync/internal/records"
	"github.com/livinlefevreloca/tasksync/internal/store"
	"github.com/livinlefevreloca/tasksync/internal/testutil"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

func newTestQueue(t *testing.T, gate Gate) (*Queue, *store.Store, *testutil.TestLogger) {
	t.Helper()

	logger := testutil.NewTestLogger()
	st, err := store.Open(context.Background(), store.Config{Path: testutil.DBPath(t), BusyTimeout: time.Second}, logger.Logger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := New(st, gate, logger.Logger())
	clock := testutil.NewMockClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	clock.AutoAdvance(time.Millisecond)
	q.SetClock(clock.Now)
	return q, st, logger
}

func enqueue(t *testing.T, q *Queue, table records.Table, op Operation, id string) {
	t.Helper()

	stored, err := q.Enqueue(context.Background(), table, op, id, json.RawMessage(`{"id":"`+id+`"}`))
	require.NoError(t, err)
	require.True(t, stored)
}

func failN(t *testing.T, q *Queue, id string, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		require.NoError(t, q.MarkFailed(context.Background(), id, errors.New("network down")))
	}
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.RecordID
	}
	return out
}

// ==============================================================================
// Enqueue and Gate Tests
// ==============================================================================

func TestEnqueue_ClosedGateIsNoOp(t *testing.T) {
	q, _, _ := newTestQueue(t, GateFunc(func() bool { return false }))
	ctx := context.Background()

	stored, err := q.Enqueue(ctx, records.TableTasks, OpInsert, "t1", json.RawMessage(`{"id":"t1"}`))
	require.NoError(t, err)
	assert.False(t, stored)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAuthenticatedGate(t *testing.T) {
	ids := identity.NewStatic(identity.Anonymous)

	assert.False(t, AuthenticatedGate(true, ids).CanEnqueue(), "anonymous caller")

	ids.Set(identity.Identity{UserID: "u1"})
	assert.True(t, AuthenticatedGate(true, ids).CanEnqueue())
	assert.False(t, AuthenticatedGate(false, ids).CanEnqueue(), "remote sync disabled")
}

func TestEnqueue_Validation(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "widgets", OpInsert, "w1", nil)
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, records.TableTasks, "upsert", "t1", nil)
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, records.TableTasks, OpInsert, "", nil)
	assert.Error(t, err)
}

func TestEnqueue_DeleteWithoutPayloadCarriesID(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()

	stored, err := q.Enqueue(ctx, records.TableTasks, OpDelete, "t1", nil)
	require.NoError(t, err)
	require.True(t, stored)

	items, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"id":"t1"}`, string(items[0].Payload))
	assert.Equal(t, OpDelete, items[0].Operation)
	assert.Equal(t, records.TableTasks.Rank(), items[0].Rank)
}

func TestEnqueueTx_RollsBackWithLocalWrite(t *testing.T) {
	q, st, _ := newTestQueue(t, nil)
	ctx := context.Background()

	boom := errors.New("boom")
	err := st.Transaction(ctx, nil, func(tx *store.Tx) error {
		_, err := q.EnqueueTx(ctx, tx, records.TableTasks, OpInsert, "t1", json.RawMessage(`{"id":"t1"}`))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// ==============================================================================
// Drain Ordering Tests
// ==============================================================================

func TestDrain_ParentsBeforeChildren(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()

	// Enqueued child first, as UI timing can produce.
	enqueue(t, q, records.TableTimeEntries, OpInsert, "e1")
	enqueue(t, q, records.TableTasks, OpInsert, "t1")
	enqueue(t, q, records.TableSessions, OpInsert, "s1")
	enqueue(t, q, records.TableImportRules, OpInsert, "r1")
	enqueue(t, q, records.TableBuckets, OpInsert, "b1")
	enqueue(t, q, records.TableTasks, OpUpdate, "t2")
	enqueue(t, q, records.TableConnections, OpInsert, "c1")

	items, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "c1", "r1", "t1", "t2", "s1", "e1"}, ids(items))
}

func TestDrain_SameTimestampKeepsInsertionOrder(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return fixed })

	enqueue(t, q, records.TableTasks, OpInsert, "t1")
	enqueue(t, q, records.TableTasks, OpUpdate, "t1")
	enqueue(t, q, records.TableTasks, OpDelete, "t1")

	items, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, OpInsert, items[0].Operation)
	assert.Equal(t, OpUpdate, items[1].Operation)
	assert.Equal(t, OpDelete, items[2].Operation)
}

// ==============================================================================
// Retry and Dead Letter Tests
// ==============================================================================

func TestMarkSucceeded_RemovesItem(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()

	enqueue(t, q, records.TableBuckets, OpInsert, "b1")
	items, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, q.MarkSucceeded(ctx, items[0].ID))

	items, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDeadLetterThreshold(t *testing.T) {
	q, _, logger := newTestQueue(t, nil)
	ctx := context.Background()

	enqueue(t, q, records.TableBuckets, OpInsert, "b1")
	items, err := q.Drain(ctx)
	require.NoError(t, err)
	id := items[0].ID

	failN(t, q, id, MaxRetries-1)
	items, err = q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1, "still eligible below the threshold")
	assert.Equal(t, MaxRetries-1, items[0].RetryCount)
	assert.Equal(t, "network down", items[0].LastError)
	assert.NotNil(t, items[0].LastAttemptAt)

	failN(t, q, id, 1)
	items, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, items, "dead letter is excluded from drain")

	dead, err := q.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dead)
	assert.Len(t, logger.FindMessage("mutation dead-lettered"), 1)

	letters, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.True(t, letters[0].DeadLettered())

	n, err := q.ResetDeadLetters(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	items, err = q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Zero(t, items[0].RetryCount)
}

func TestMarkFailed_UnknownItem(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)

	err := q.MarkFailed(context.Background(), "missing", errors.New("x"))
	assert.True(t, store.IsNotFound(err))
}

func TestReconcileDeadLetters_RemovesOnlySuperseded(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()

	enqueue(t, q, records.TableTasks, OpUpdate, "t1")
	enqueue(t, q, records.TableTasks, OpUpdate, "t2")

	items, err := q.Drain(ctx)
	require.NoError(t, err)
	for _, item := range items {
		failN(t, q, item.ID, MaxRetries)
	}

	// A newer write to t1 supersedes its dead letter; t2 has none.
	enqueue(t, q, records.TableTasks, OpUpdate, "t1")

	n, err := q.ReconcileDeadLetters(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	letters, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, ids(letters))

	pending, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids(pending))
}

func TestPurge(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()

	enqueue(t, q, records.TableTasks, OpInsert, "t1")
	items, err := q.Drain(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Purge(ctx, items[0].ID))
	assert.True(t, store.IsNotFound(q.Purge(ctx, items[0].ID)))
}

func TestQueue_SchemaDrift(t *testing.T) {
	q, st, _ := newTestQueue(t, nil)
	ctx := context.Background()

	_, err := st.Exec("DROP TABLE mutation_queue")
	require.NoError(t, err)

	_, err = q.Drain(ctx)
	drift, ok := store.IsSchemaDrift(err)
	require.True(t, ok, "expected schema drift, got %v", err)
	assert.Equal(t, queueTable, drift.Table)

	require.NoError(t, st.Repair(ctx, queueTable))
	_, err = q.Drain(ctx)
	assert.NoError(t, err)
}
