package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/tasksync/internal/changefeed"
	"github.com/livinlefevreloca/tasksync/internal/identity"
	"github.com/livinlefevreloca/tasksync/internal/queue"
	"github.com/livinlefevreloca/tasksync/internal/records"
	"github.com/livinlefevreloca/tasksync/internal/remote"
	"github.com/livinlefevreloca/tasksync/internal/remote/remotetest"
	"github.com/livinlefevreloca/tasksync/internal/repository"
	"github.com/livinlefevreloca/tasksync/internal/store"
	"github.com/livinlefevreloca/tasksync/internal/testutil"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

var testNow = time.Date(2026, 4, 20, 14, 0, 0, 0, time.UTC)

var signedIn = identity.Identity{UserID: "u1", Token: "token-u1"}

// harness wires a real store and queue to an in-memory remote
type harness struct {
	orch     *Orchestrator
	store    *store.Store
	queue    *queue.Queue
	backend  *remotetest.Backend
	client   *remote.Client
	feed     *changefeed.Subscriber
	repo     *repository.Repository
	ids      *identity.Static
	clock    *testutil.MockClock
	logger   *testutil.TestLogger
	recorder *StateRecorder
}

func newHarness(t *testing.T, initial identity.Identity) *harness {
	t.Helper()
	ctx := context.Background()

	logger := testutil.NewTestLogger()
	log := logger.Logger()

	st, err := store.Open(ctx, store.Config{Path: testutil.DBPath(t), BusyTimeout: time.Second}, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewMockClock(testNow)
	clock.AutoAdvance(time.Millisecond)

	ids := identity.NewStatic(initial)
	q := queue.New(st, queue.AuthenticatedGate(true, ids), log)
	q.SetClock(clock.Now)

	backend := remotetest.New()
	client := remote.NewClient(backend, log)
	client.SetClock(clock.Now)

	feedCfg := changefeed.DefaultConfig()
	feedCfg.FlushInterval = 5 * time.Millisecond
	feed, err := changefeed.NewSubscriber(feedCfg, st, log)
	require.NoError(t, err)
	feed.Start(ctx)
	t.Cleanup(func() { feed.Shutdown() })

	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour
	cfg.CycleTimeout = 10 * time.Second
	orch, err := NewOrchestrator(cfg, st, q, client, ids, feed, log)
	require.NoError(t, err)
	orch.SetClock(clock.Now)

	recorder := NewStateRecorder()
	orch.SetRecorder(recorder)

	repo := repository.New(st, q, ids, log)
	repo.SetClock(clock.Now)

	t.Cleanup(orch.Stop)
	t.Cleanup(client.Unsubscribe)

	return &harness{
		orch:     orch,
		store:    st,
		queue:    q,
		backend:  backend,
		client:   client,
		feed:     feed,
		repo:     repo,
		ids:      ids,
		clock:    clock,
		logger:   logger,
		recorder: recorder,
	}
}

func bucket(id, owner string) *records.Bucket {
	return &records.Bucket{
		Base: records.Base{ID: id, OwnerID: owner, Status: records.StatusActive, UpdatedAt: testNow},
		Name: "Bucket " + id,
	}
}

func task(id, owner string, bucketID *string) *records.Task {
	return &records.Task{
		Base:     records.Base{ID: id, OwnerID: owner, Status: records.StatusActive, UpdatedAt: testNow},
		Title:    "Task " + id,
		BucketID: bucketID,
	}
}

func strPtr(s string) *string { return &s }

func networkErr(op string) error {
	return &remote.Error{Kind: remote.KindNetwork, Op: op, Message: "connection reset"}
}

func (h *harness) enqueue(t *testing.T, op queue.Operation, rec records.Record) {
	t.Helper()

	payload, err := records.Encode(rec)
	require.NoError(t, err)
	stored, err := h.queue.Enqueue(context.Background(), rec.Table(), op, rec.RecordID(), payload)
	require.NoError(t, err)
	require.True(t, stored)
}

func (h *harness) drain(t *testing.T) []queue.Item {
	t.Helper()
	items, err := h.queue.Drain(context.Background())
	require.NoError(t, err)
	return items
}

func (h *harness) local(t *testing.T, table records.Table, id string) records.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), table, id)
	require.NoError(t, err)
	return rec
}

func upsertedIDs(calls []remotetest.Call) [][]string {
	var out [][]string
	for _, c := range calls {
		out = append(out, append([]string{string(c.Table)}, c.IDs...))
	}
	return out
}
