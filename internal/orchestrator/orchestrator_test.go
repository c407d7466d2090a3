package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/tasksync/internal/identity"
	"github.com/livinlefevreloca/tasksync/internal/queue"
	"github.com/livinlefevreloca/tasksync/internal/records"
	"github.com/livinlefevreloca/tasksync/internal/remote"
	"github.com/livinlefevreloca/tasksync/internal/remote/remotetest"
	"github.com/livinlefevreloca/tasksync/internal/store"
	"github.com/livinlefevreloca/tasksync/internal/testutil"
)

// ==============================================================================
// Construction Tests
// ==============================================================================

func TestNewOrchestrator_Validation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 0
	_, err := NewOrchestrator(cfg, nil, nil, nil, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewOrchestrator(DefaultConfig(), nil, nil, nil, nil, nil, nil)
	assert.Error(t, err, "dependencies are required")
}

// ==============================================================================
// Login Tests
// ==============================================================================

func TestLogin_RequiresIdentity(t *testing.T) {
	h := newHarness(t, identity.Anonymous)

	err := h.orch.Login(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, StateIdle, h.orch.Status().State)
	assert.Empty(t, h.backend.Calls())
}

func TestLogin_PullsPushesAndSubscribes(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()

	h.backend.Seed(bucket("b-remote", "u1"), task("t-remote", "u1", strPtr("b-remote")))
	h.backend.Seed(bucket("b-other", "u2"))
	h.enqueue(t, queue.OpInsert, bucket("b-local", "u1"))

	require.NoError(t, h.orch.Login(ctx))

	h.local(t, records.TableBuckets, "b-remote")
	h.local(t, records.TableTasks, "t-remote")
	_, err := h.store.Get(ctx, records.TableBuckets, "b-other")
	assert.True(t, store.IsNotFound(err), "other owners are not pulled")

	assert.NotNil(t, h.backend.Record(records.TableBuckets, "b-local"), "queue flushed")
	assert.Empty(t, h.drain(t))
	assert.True(t, h.client.Subscribed())

	status := h.orch.Status()
	assert.Equal(t, StateSynced, status.State)
	assert.False(t, status.LastSyncedAt.IsZero())
	assert.Zero(t, status.PendingCount)
}

func TestLogin_PullOverwritesLocal(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()

	local := bucket("b1", "u1")
	local.Name = "local edit"
	local.UpdatedAt = testNow.Add(time.Hour)
	require.NoError(t, h.store.Put(ctx, local))

	remoteCopy := bucket("b1", "u1")
	remoteCopy.Name = "remote"
	h.backend.Seed(remoteCopy)

	require.NoError(t, h.orch.Login(ctx))
	assert.Equal(t, "remote", h.local(t, records.TableBuckets, "b1").(*records.Bucket).Name,
		"remote wins locally without comparing timestamps")
}

// ==============================================================================
// Sticky Error Tests
// ==============================================================================

func TestCycle_ErrorIsSticky(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()

	h.enqueue(t, queue.OpInsert, bucket("b1", "u1"))
	h.backend.FailNext(remotetest.OpSelect, records.TableTasks, networkErr("select"))

	err := h.orch.Login(ctx)
	require.Error(t, err)

	assert.NotNil(t, h.backend.Record(records.TableBuckets, "b1"), "push still ran after the failed pull")
	assert.Empty(t, h.drain(t))

	status := h.orch.Status()
	assert.Equal(t, StateError, status.State, "a later success does not clear the earlier failure")
	assert.Contains(t, status.Error, "connection reset")
	assert.Equal(t, 1, status.ErrorCount)
	assert.True(t, status.LastSyncedAt.IsZero())
}

func TestCycle_ErrorCountsEveryFailedStep(t *testing.T) {
	h := newHarness(t, signedIn)

	h.enqueue(t, queue.OpInsert, bucket("b1", "u1"))
	h.backend.FailNext(remotetest.OpSelect, records.TableBuckets, networkErr("select"))
	h.backend.FailNext(remotetest.OpUpsert, "", &remote.Error{Kind: remote.KindNetwork, Op: "upsert", Message: "push down"})

	require.Error(t, h.orch.Login(context.Background()))

	status := h.orch.Status()
	assert.Equal(t, 2, status.ErrorCount)
	assert.Contains(t, status.Error, "push down", "the last message is surfaced")
	assert.Equal(t, 1, status.PendingCount)
}

// ==============================================================================
// Push Policy Tests
// ==============================================================================

func TestFlush_NetworkFailureStopsFlush(t *testing.T) {
	h := newHarness(t, signedIn)

	h.enqueue(t, queue.OpInsert, bucket("b1", "u1"))
	h.enqueue(t, queue.OpInsert, task("t1", "u1", strPtr("b1")))
	h.backend.FailNext(remotetest.OpUpsert, records.TableBuckets, networkErr("upsert"))

	require.Error(t, h.orch.Reconnect(context.Background()))

	items := h.drain(t)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].RetryCount, "failed item is counted")
	assert.Equal(t, 0, items[1].RetryCount, "later items are not attempted")
	assert.Len(t, h.backend.CallsTo(remotetest.OpUpsert), 1)
}

func TestFlush_ValidationFailureContinues(t *testing.T) {
	h := newHarness(t, signedIn)

	h.enqueue(t, queue.OpInsert, bucket("b1", "u1"))
	h.enqueue(t, queue.OpInsert, bucket("b2", "u1"))
	h.backend.FailNext(remotetest.OpUpsert, records.TableBuckets,
		&remote.Error{Kind: remote.KindValidation, Op: "upsert", Code: "PGRST204", Message: "column missing"})

	require.Error(t, h.orch.Reconnect(context.Background()))

	items := h.drain(t)
	require.Len(t, items, 1)
	assert.Equal(t, "b1", items[0].RecordID)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.Contains(t, items[0].LastError, "column missing")
	assert.NotNil(t, h.backend.Record(records.TableBuckets, "b2"))
}

func TestFlush_AuthFailureIsNotCounted(t *testing.T) {
	h := newHarness(t, signedIn)

	h.enqueue(t, queue.OpInsert, bucket("b1", "u1"))
	h.backend.FailNext(remotetest.OpUpsert, "", &remote.Error{Kind: remote.KindAuth, Op: "upsert", Status: 401})

	err := h.orch.Reconnect(context.Background())
	assert.True(t, remote.IsAuth(err))

	items := h.drain(t)
	require.Len(t, items, 1)
	assert.Zero(t, items[0].RetryCount)
	assert.Equal(t, StateError, h.orch.Status().State)
}

func TestFlush_TimedOutPushIsCountedUntilDeadLettered(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()
	h.orch.config.CycleTimeout = 50 * time.Millisecond

	h.enqueue(t, queue.OpInsert, bucket("b1", "u1"))
	h.backend.SetHook(func(op string, table records.Table) {
		if op == remotetest.OpUpsert {
			time.Sleep(100 * time.Millisecond)
		}
	})

	for i := 1; i <= queue.MaxRetries; i++ {
		err := h.orch.Reconnect(ctx)
		require.Error(t, err)
		assert.True(t, remote.IsRetryable(err), "a timeout is transient")

		st := h.orch.Status()
		if i < queue.MaxRetries {
			assert.Equal(t, 1, st.PendingCount, "attempt %d", i)
			items := h.drain(t)
			require.Len(t, items, 1)
			assert.Equal(t, i, items[0].RetryCount)
		}
	}

	assert.Empty(t, h.drain(t))
	dead, err := h.queue.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dead)

	st := h.orch.Status()
	assert.Equal(t, 0, st.PendingCount)
	assert.Equal(t, 1, st.DeadLetterCount)
	assert.Equal(t, StateError, st.State)
}

func TestFlush_DeleteOfAbsentRemoteRowSucceeds(t *testing.T) {
	h := newHarness(t, signedIn)

	h.enqueue(t, queue.OpDelete, task("never-remote", "u1", nil))
	require.NoError(t, h.orch.Reconnect(context.Background()))

	assert.Empty(t, h.drain(t), "the item is removed, not retried")
	dead, err := h.queue.DeadLetterCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, dead)
}

// ==============================================================================
// Dead Letter Tests
// ==============================================================================

func TestDeadLetters_ExcludedUntilManualSync(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()

	h.enqueue(t, queue.OpInsert, bucket("b1", "u1"))
	h.backend.FailAlways(remotetest.OpUpsert, "", networkErr("upsert"), queue.MaxRetries)

	for i := 0; i < queue.MaxRetries; i++ {
		require.Error(t, h.orch.Reconnect(ctx))
	}
	assert.Equal(t, 1, h.orch.Status().DeadLetterCount)
	assert.Equal(t, 0, h.orch.Status().PendingCount)

	h.backend.ResetCalls()
	require.NoError(t, h.orch.Reconnect(ctx))
	assert.Empty(t, h.backend.CallsTo(remotetest.OpUpsert), "dead letters are never auto-retried")

	require.NoError(t, h.orch.SyncNow(ctx))
	assert.NotNil(t, h.backend.Record(records.TableBuckets, "b1"), "manual sync re-admits dead letters")
	assert.Zero(t, h.orch.Status().DeadLetterCount)
}

func TestDeadLetters_LoginReconcilesSuperseded(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()

	old := bucket("b1", "u1")
	old.Name = "first try"
	h.enqueue(t, queue.OpInsert, old)
	items := h.drain(t)
	for i := 0; i < queue.MaxRetries; i++ {
		require.NoError(t, h.queue.MarkFailed(ctx, items[0].ID, errors.New("boom")))
	}

	newer := bucket("b1", "u1")
	newer.Name = "second try"
	h.enqueue(t, queue.OpUpdate, newer)
	h.enqueue(t, queue.OpInsert, bucket("b2", "u1"))
	stuck := h.drain(t)
	for i := 0; i < queue.MaxRetries; i++ {
		require.NoError(t, h.queue.MarkFailed(ctx, stuck[1].ID, errors.New("boom")))
	}

	require.NoError(t, h.orch.Login(ctx))

	assert.Equal(t, "second try", h.backend.Record(records.TableBuckets, "b1").(*records.Bucket).Name)
	dead, err := h.queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1, "only the unsuperseded dead letter remains")
	assert.Equal(t, "b2", dead[0].RecordID)
}

// ==============================================================================
// Idempotence Tests
// ==============================================================================

func TestCycle_TwiceIsNoOp(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()

	h.backend.Seed(bucket("b1", "u1"))
	t1 := task("t1", "u1", strPtr("b1"))
	require.NoError(t, h.store.Put(ctx, t1))
	h.enqueue(t, queue.OpInsert, t1)
	require.NoError(t, h.orch.SyncNow(ctx))

	before := h.local(t, records.TableTasks, "t1")
	h.backend.ResetCalls()

	require.NoError(t, h.orch.SyncNow(ctx))

	assert.Empty(t, h.backend.CallsTo(remotetest.OpUpsert), "no duplicate pushes")
	assert.Empty(t, h.backend.CallsTo(remotetest.OpDelete))
	assert.Empty(t, h.drain(t), "queue does not grow")
	assert.Equal(t, before, h.local(t, records.TableTasks, "t1"))
	assert.Len(t, h.backend.Records(records.TableTasks), 1)
}

func TestPull_Idempotent(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()

	h.backend.Seed(bucket("b1", "u1"), task("t1", "u1", strPtr("b1")))

	require.NoError(t, h.orch.pull(ctx, "u1"))
	first, err := h.store.Query(ctx, records.TableTasks, store.Filter{})
	require.NoError(t, err)

	require.NoError(t, h.orch.pull(ctx, "u1"))
	second, err := h.store.Query(ctx, records.TableTasks, store.Filter{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

// ==============================================================================
// Tick Tests
// ==============================================================================

func TestTick_SwallowsNetworkErrors(t *testing.T) {
	h := newHarness(t, signedIn)
	h.backend.FailNext(remotetest.OpSelect, "", networkErr("select"))

	assert.NoError(t, h.orch.Tick(context.Background()))
	assert.True(t, h.logger.HasWarning())
}

func TestTick_AnonymousIsNoOp(t *testing.T) {
	h := newHarness(t, identity.Anonymous)

	assert.NoError(t, h.orch.Tick(context.Background()))
	assert.Empty(t, h.backend.Calls())
}

func TestTick_RepairsSchemaDrift(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()

	h.backend.Seed(task("t1", "u1", nil))
	_, err := h.store.ExecContext(ctx, `DROP TABLE tasks`)
	require.NoError(t, err)

	require.NoError(t, h.orch.Tick(ctx))
	h.local(t, records.TableTasks, "t1")
	assert.NotEmpty(t, h.logger.FindMessage("schema drift during pull, repairing"))
}

func TestTick_ResubscribesDroppedFeed(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()

	require.NoError(t, h.orch.Login(ctx))
	h.backend.DropSubscriptions(errors.New("socket closed"))
	require.False(t, h.client.Subscribed())

	require.NoError(t, h.orch.Tick(ctx))
	assert.True(t, h.client.Subscribed())
	assert.Equal(t, 1, h.backend.Subscribers())
}

func TestTick_ReconnectFlushesQueue(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()

	h.backend.FailNext(remotetest.OpSelect, "", networkErr("select"))
	require.NoError(t, h.orch.Tick(ctx))

	h.enqueue(t, queue.OpInsert, bucket("b1", "u1"))
	require.NoError(t, h.orch.Tick(ctx))

	assert.NotNil(t, h.backend.Record(records.TableBuckets, "b1"), "first good tick after a failure flushes")
	assert.Empty(t, h.drain(t))
}

// ==============================================================================
// Logout Tests
// ==============================================================================

func TestLogout_ClearsStatusKeepsQueue(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()

	h.backend.FailNext(remotetest.OpUpsert, "", networkErr("upsert"))
	h.enqueue(t, queue.OpInsert, bucket("b1", "u1"))
	require.Error(t, h.orch.Login(ctx))
	require.Equal(t, 1, h.orch.Status().PendingCount)

	require.NoError(t, h.orch.Logout(ctx))

	status := h.orch.Status()
	assert.Equal(t, Status{State: StateIdle}, status)
	assert.False(t, h.client.Subscribed())
	assert.Zero(t, h.backend.Subscribers())
	assert.Len(t, h.drain(t), 1, "queued work survives logout")
}

// ==============================================================================
// Observer Tests
// ==============================================================================

func TestObserve_ReceivesTransitions(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()

	var mu sync.Mutex
	var states []string
	cancel := h.orch.Observe(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s.State)
	})

	require.NoError(t, h.orch.Login(ctx))
	cancel()
	cancel()
	require.NoError(t, h.orch.Logout(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{StateSyncing, StateSynced}, states)
}

// ==============================================================================
// Concurrency Tests
// ==============================================================================

func TestSyncNow_ConcurrentRequestsCoalesce(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.backend.SetHook(func(op string, table records.Table) {
		if op == remotetest.OpSelect && table == records.TableBuckets {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = h.orch.SyncNow(ctx)
	}()
	<-entered

	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.orch.SyncNow(ctx)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	selects := 0
	for _, c := range h.backend.CallsTo(remotetest.OpSelect) {
		if c.Table == records.TableBuckets {
			selects++
		}
	}
	assert.Equal(t, 1, selects, "coalesced requests share one cycle")
}

func TestCycles_NeverOverlap(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()

	var mu sync.Mutex
	active, maxActive := 0, 0
	h.backend.SetHook(func(op string, table records.Table) {
		if op != remotetest.OpSelect || table != records.TableBuckets {
			return
		}
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for _, fn := range []func(context.Context) error{h.orch.Login, h.orch.SyncNow, h.orch.Tick} {
		wg.Add(1)
		go func(fn func(context.Context) error) {
			defer wg.Done()
			_ = fn(ctx)
		}(fn)
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
}

// TestChangeFeed_DuringManualSync checks that a change-feed write racing a
// pull leaves the local row equal to the remote's final state.
func TestChangeFeed_DuringManualSync(t *testing.T) {
	h := newHarness(t, signedIn)
	ctx := context.Background()

	h.backend.Seed(task("t1", "u1", nil))
	require.NoError(t, h.orch.Login(ctx))

	final := task("t1", "u1", nil)
	final.Title = "edited on phone"
	final.UpdatedAt = testNow.Add(time.Minute)

	var once sync.Once
	h.backend.SetHook(func(op string, table records.Table) {
		if op == remotetest.OpSelect && table == records.TableTasks {
			once.Do(func() {
				h.backend.Seed(final)
				h.backend.EmitRecord(remote.EventUpdate, final)
			})
		}
	})

	require.NoError(t, h.orch.SyncNow(ctx))
	testutil.WaitFor(t, func() bool { return h.feed.Stats().Applied >= 1 }, 2*time.Second, "feed applied")

	got := h.local(t, records.TableTasks, "t1").(*records.Task)
	assert.Equal(t, "edited on phone", got.Title)
	assert.Equal(t, final.UpdatedAt, got.UpdatedAt)
}

// ==============================================================================
// Lifecycle Tests
// ==============================================================================

func TestStart_FollowsIdentity(t *testing.T) {
	h := newHarness(t, identity.Anonymous)
	ctx := context.Background()

	require.NoError(t, h.orch.Start(ctx))
	assert.Error(t, h.orch.Start(ctx), "double start")

	h.ids.Set(signedIn)
	testutil.WaitFor(t, func() bool { return h.orch.Status().State == StateSynced }, 2*time.Second, "login on sign-in")
	assert.True(t, h.client.Subscribed())

	h.ids.Clear()
	testutil.WaitFor(t, func() bool { return h.orch.Status().State == StateIdle }, 2*time.Second, "logout on sign-out")
	assert.False(t, h.client.Subscribed())

	h.orch.Stop()
	h.orch.Stop()
}

func TestStart_AuthenticatedAtLaunch(t *testing.T) {
	h := newHarness(t, signedIn)
	h.backend.Seed(bucket("b1", "u1"))

	require.NoError(t, h.orch.Start(context.Background()))
	testutil.WaitFor(t, func() bool { return h.orch.Status().State == StateSynced }, 2*time.Second)
	h.local(t, records.TableBuckets, "b1")
}

func TestStart_TickLoopRuns(t *testing.T) {
	h := newHarness(t, signedIn)
	h.orch.config.TickInterval = 10 * time.Millisecond

	require.NoError(t, h.orch.Start(context.Background()))
	testutil.WaitFor(t, func() bool { return len(h.backend.CallsTo(remotetest.OpSelect)) > 2*len(records.Tables()) },
		2*time.Second, "ticks pulled")
}
