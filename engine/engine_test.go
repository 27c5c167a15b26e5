package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/itskum47/taskforge/config"
	"github.com/itskum47/taskforge/events"
	"github.com/itskum47/taskforge/registry"
	"github.com/itskum47/taskforge/store"
	"github.com/itskum47/taskforge/task"
)

type testRig struct {
	eng *Engine
	reg *registry.Registry
	kv  *store.Client
	bus *events.Bus
	cfg config.Config
}

func newTestRig(t *testing.T, mutate func(*config.Config)) *testRig {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log := zap.NewNop().Sugar()
	kv := store.NewWithClient(rdb, log)
	keys := store.Keys{Prefix: cfg.KeyPrefix}
	reg := registry.New(kv, keys, cfg.HeartbeatTimeout, cfg.WorkerRecordTTL(), 0, log)
	bus := events.NewBus(log)

	eng, err := New(cfg, kv, reg, bus, log)
	require.NoError(t, err)
	return &testRig{eng: eng, reg: reg, kv: kv, bus: bus, cfg: cfg}
}

// collectTaskEvents subscribes a recorder that keeps task.* event types in
// emission order, ignoring the worker.* lifecycle noise around them.
func collectTaskEvents(rig *testRig) *[]events.Type {
	var seen []events.Type
	rig.bus.Subscribe(func(e events.Event) {
		if len(e.Type) > 5 && e.Type[:5] == "task." {
			seen = append(seen, e.Type)
		}
	})
	return &seen
}

func intPtr(n int) *int { return &n }

func TestHappyPathLifecycle(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	seen := collectTaskEvents(rig)

	_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w1", Capacity: 2})
	require.NoError(t, err)

	enq, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "render", Payload: map[string]interface{}{"frame": 7}})
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, enq.Status)
	require.Equal(t, task.PriorityMedium, enq.Priority)
	require.Equal(t, 3, enq.MaxRetries)

	claimed, err := rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, enq.ID, claimed.ID)
	require.Equal(t, task.StatusAssigned, claimed.Status)
	require.Equal(t, "w1", claimed.AssigneeID)

	w, err := rig.eng.GetWorker(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, w.CurrentLoad)

	started, err := rig.eng.Start(ctx, enq.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusProcessing, started.Status)
	require.NotNil(t, started.StartedAt)

	progressed, err := rig.eng.Progress(ctx, enq.ID, 40, map[string]interface{}{"stage": "shade"})
	require.NoError(t, err)
	require.Equal(t, 40, progressed.Progress)

	// Progress never moves backwards within an attempt.
	progressed, err = rig.eng.Progress(ctx, enq.ID, 10, nil)
	require.NoError(t, err)
	require.Equal(t, 40, progressed.Progress)

	done, err := rig.eng.Complete(ctx, enq.ID, map[string]interface{}{"ok": true})
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.Empty(t, done.AssigneeID)

	w, err = rig.eng.GetWorker(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 0, w.CurrentLoad)

	// Position structures are clean.
	n, err := rig.kv.ZCard(ctx, store.Keys{Prefix: rig.cfg.KeyPrefix}.Processing())
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	require.Equal(t, []events.Type{
		events.TaskEnqueued, events.TaskAssigned, events.TaskStarted,
		events.TaskProgress, events.TaskProgress, events.TaskCompleted,
	}, *seen)
}

func TestRetryBackoffThenDeadLetter(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	seen := collectTaskEvents(rig)

	_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w1", Capacity: 1})
	require.NoError(t, err)

	enq, err := rig.eng.Enqueue(ctx, EnqueueOptions{
		Type:         "flaky",
		MaxRetries:   intPtr(2),
		RetryDelayMS: 10,
	})
	require.NoError(t, err)

	// Attempt 1 fails: one retry consumed, task goes to scheduled.
	claimed, err := rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	failed, err := rig.eng.Fail(ctx, enq.ID, "boom 1")
	require.NoError(t, err)
	require.Equal(t, task.StatusScheduled, failed.Status)
	require.Equal(t, 1, failed.RetryCount)
	require.NotNil(t, failed.ScheduledFor)

	// The slot is released on failure.
	w, err := rig.eng.GetWorker(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 0, w.CurrentLoad)

	// Nothing is claimable until the backoff elapses.
	claimed, err = rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, claimed)

	// Attempt 2.
	promoted, err := rig.eng.PromoteDue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, promoted)
	claimed, err = rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	failed, err = rig.eng.Fail(ctx, enq.ID, "boom 2")
	require.NoError(t, err)
	require.Equal(t, task.StatusScheduled, failed.Status)
	require.Equal(t, 2, failed.RetryCount)

	// Attempt 3 exhausts the budget and dead-letters the task.
	promoted, err = rig.eng.PromoteDue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, promoted)
	claimed, err = rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	dead, err := rig.eng.Fail(ctx, enq.ID, "boom 3")
	require.NoError(t, err)
	require.Equal(t, task.StatusDead, dead.Status)
	require.Equal(t, 3, dead.RetryCount)
	require.Equal(t, []string{"boom 1", "boom 2", "boom 3"}, dead.ErrorHistory)
	require.Equal(t, "boom 3", dead.DeadLetterReason)

	entries, err := rig.eng.DeadLetterEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, enq.ID, entries[0].Task.ID)
	require.Len(t, entries[0].ErrorHistory, 3)

	require.Equal(t, []events.Type{
		events.TaskEnqueued,
		events.TaskAssigned, events.TaskRetried,
		events.TaskPromoted, events.TaskAssigned, events.TaskRetried,
		events.TaskPromoted, events.TaskAssigned, events.TaskDeadLettered,
	}, *seen)
}

func TestDeadLetterDisabledStopsAtFailed(t *testing.T) {
	rig := newTestRig(t, func(c *config.Config) { c.DeadLetterEnabled = false })
	ctx := context.Background()

	_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w1", Capacity: 1})
	require.NoError(t, err)

	enq, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "flaky", MaxRetries: intPtr(0)})
	require.NoError(t, err)
	_, err = rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)

	failed, err := rig.eng.Fail(ctx, enq.ID, "boom")
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, failed.Status)

	entries, err := rig.eng.DeadLetterEntries(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPriorityPrecedence(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w1", Capacity: 10})
	require.NoError(t, err)

	low, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "a", Priority: "low"})
	require.NoError(t, err)
	crit, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "b", Priority: "critical"})
	require.NoError(t, err)
	med, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "c", Priority: "medium"})
	require.NoError(t, err)

	depth, err := rig.eng.QueueDepth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, depth)

	var order []string
	for i := 0; i < 3; i++ {
		claimed, err := rig.eng.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		order = append(order, claimed.ID)
	}
	require.Equal(t, []string{crit.ID, med.ID, low.ID}, order)

	depth, err = rig.eng.QueueDepth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, depth)
}

func TestDelayedEnqueueAndPromotion(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w1", Capacity: 1})
	require.NoError(t, err)

	enq, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "later", DelayMS: 60_000})
	require.NoError(t, err)
	require.Equal(t, task.StatusScheduled, enq.Status)
	require.NotNil(t, enq.ScheduledFor)

	// Not claimable before the due time.
	claimed, err := rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, claimed)

	promoted, err := rig.eng.PromoteDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Zero(t, promoted)

	promoted, err = rig.eng.PromoteDue(ctx, time.Now().UTC().Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	got, err := rig.eng.GetTask(ctx, enq.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)
	require.Nil(t, got.ScheduledFor)

	claimed, err = rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, enq.ID, claimed.ID)
}

func TestStickyAdhesionAndFailover(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w1", Capacity: 2})
	require.NoError(t, err)
	_, err = rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w2", Capacity: 2})
	require.NoError(t, err)

	// First sticky claim binds the key to the load-based winner.
	ta, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "session", StickyKey: "sess-9"})
	require.NoError(t, err)
	claimed, err := rig.eng.Claim(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, ta.ID, claimed.ID)
	bound := claimed.AssigneeID
	_, err = rig.eng.Complete(ctx, ta.ID, nil)
	require.NoError(t, err)

	// Load the bound worker so load-based would now prefer the other one.
	filler, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "filler"})
	require.NoError(t, err)
	_, err = rig.eng.Claim(ctx, bound)
	require.NoError(t, err)

	tb, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "session", StickyKey: "sess-9"})
	require.NoError(t, err)
	claimed, err = rig.eng.Claim(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, tb.ID, claimed.ID)
	require.Equal(t, bound, claimed.AssigneeID, "sticky beats load")

	_, err = rig.eng.Complete(ctx, tb.ID, nil)
	require.NoError(t, err)
	_, err = rig.eng.Complete(ctx, filler.ID, nil)
	require.NoError(t, err)

	// The bound worker leaves; the next sticky claim rebinds elsewhere.
	require.NoError(t, rig.eng.UnregisterWorker(ctx, bound))
	other := "w1"
	if bound == "w1" {
		other = "w2"
	}

	tc, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "session", StickyKey: "sess-9"})
	require.NoError(t, err)
	claimed, err = rig.eng.Claim(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, tc.ID, claimed.ID)
	require.Equal(t, other, claimed.AssigneeID)

	// The rebind is durable.
	persisted, err := rig.kv.HashGet(ctx, store.Keys{Prefix: rig.cfg.KeyPrefix}.StickyMap(), "sess-9")
	require.NoError(t, err)
	require.Equal(t, other, persisted)
}

func TestSkillGatingHoldsTask(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w_py", Capacity: 4, Skills: []string{"python"}})
	require.NoError(t, err)

	enq, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "train", RequiredSkills: []string{"ml"}})
	require.NoError(t, err)

	// No candidate matches: the claim is empty and the task stays pending.
	claimed, err := rig.eng.Claim(ctx, "")
	require.NoError(t, err)
	require.Nil(t, claimed)

	got, err := rig.eng.GetTask(ctx, enq.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)
	depth, err := rig.eng.QueueDepth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	// A matching worker arrives and the task routes to it.
	_, err = rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w_ml", Capacity: 4, Skills: []string{"ml"}})
	require.NoError(t, err)
	claimed, err = rig.eng.Claim(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, "w_ml", claimed.AssigneeID)
}

func TestReplayDeadLetter(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w1", Capacity: 1})
	require.NoError(t, err)

	enq, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "doomed", MaxRetries: intPtr(0)})
	require.NoError(t, err)
	_, err = rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	dead, err := rig.eng.Fail(ctx, enq.ID, "fatal")
	require.NoError(t, err)
	require.Equal(t, task.StatusDead, dead.Status)

	replayed, err := rig.eng.ReplayDeadLetter(ctx, enq.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, replayed.Status)
	require.Zero(t, replayed.RetryCount)
	require.Empty(t, replayed.ErrorHistory)
	require.Empty(t, replayed.DeadLetterReason)

	entries, err := rig.eng.DeadLetterEntries(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, entries)

	// The replayed task behaves like a fresh one.
	claimed, err := rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, enq.ID, claimed.ID)

	// Replaying an unknown id is an error.
	_, err = rig.eng.ReplayDeadLetter(ctx, "ghost")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCancelPendingTask(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w1", Capacity: 1})
	require.NoError(t, err)

	enq, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "unwanted"})
	require.NoError(t, err)

	cancelled, err := rig.eng.Cancel(ctx, enq.ID, "operator request")
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, cancelled.Status)

	// The id is gone from pending; the next claim sees an empty queue.
	claimed, err := rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, claimed)

	// Terminal states cannot be cancelled again.
	_, err = rig.eng.Cancel(ctx, enq.ID, "again")
	require.ErrorIs(t, err, task.ErrIllegalTransition)
}

func TestCancelProcessingReleasesSlot(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w1", Capacity: 1})
	require.NoError(t, err)

	enq, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "job"})
	require.NoError(t, err)
	_, err = rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = rig.eng.Start(ctx, enq.ID)
	require.NoError(t, err)

	_, err = rig.eng.Cancel(ctx, enq.ID, "shutdown")
	require.NoError(t, err)

	w, err := rig.eng.GetWorker(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 0, w.CurrentLoad)

	n, err := rig.kv.ZCard(ctx, store.Keys{Prefix: rig.cfg.KeyPrefix}.Processing())
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestDirectedClaimAtCapacity(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w1", Capacity: 1})
	require.NoError(t, err)

	_, err = rig.eng.Enqueue(ctx, EnqueueOptions{Type: "a"})
	require.NoError(t, err)
	_, err = rig.eng.Enqueue(ctx, EnqueueOptions{Type: "b"})
	require.NoError(t, err)

	claimed, err := rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Full worker: the claim is a quiet no-op, not an error.
	claimed, err = rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, claimed)

	depth, err := rig.eng.QueueDepth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestDirectedClaimUnknownAndOfflineWorker(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.eng.Claim(ctx, "ghost")
	require.ErrorIs(t, err, registry.ErrNotFound)

	_, err = rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w1", Capacity: 1})
	require.NoError(t, err)
	require.NoError(t, rig.reg.MarkOffline(ctx, "w1"))

	_, err = rig.eng.Claim(ctx, "w1")
	require.ErrorIs(t, err, ErrWorkerOffline)
}

func TestUnregisterWorkerRequeuesHeldTasks(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w1", Capacity: 2})
	require.NoError(t, err)

	enq, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "held"})
	require.NoError(t, err)
	_, err = rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, rig.eng.UnregisterWorker(ctx, "w1"))

	got, err := rig.eng.GetTask(ctx, enq.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)
	require.Empty(t, got.AssigneeID)

	_, err = rig.eng.GetWorker(ctx, "w1")
	require.ErrorIs(t, err, registry.ErrNotFound)

	// The task is claimable by a newcomer.
	_, err = rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w2", Capacity: 1})
	require.NoError(t, err)
	claimed, err := rig.eng.Claim(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, enq.ID, claimed.ID)
}

func TestExpireWorkersFailsOverHeldTasks(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w1", Capacity: 1})
	require.NoError(t, err)

	enq, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "held"})
	require.NoError(t, err)
	_, err = rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = rig.eng.Start(ctx, enq.ID)
	require.NoError(t, err)

	// A sweep before the heartbeat window lapses changes nothing.
	expired, err := rig.eng.ExpireWorkers(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Zero(t, expired)

	past := time.Now().UTC().Add(rig.cfg.HeartbeatTimeout + time.Second)
	expired, err = rig.eng.ExpireWorkers(ctx, past)
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	w, err := rig.eng.GetWorker(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusOffline, w.Status)

	// The held task went through the failure path with budget remaining.
	got, err := rig.eng.GetTask(ctx, enq.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusScheduled, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, "worker heartbeat timeout", got.LastError)

	// A second sweep at the same point is a no-op.
	expired, err = rig.eng.ExpireWorkers(ctx, past)
	require.NoError(t, err)
	require.Zero(t, expired)
}

func TestStickyMapSurvivesRestart(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w1", Capacity: 2})
	require.NoError(t, err)
	_, err = rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w2", Capacity: 2})
	require.NoError(t, err)

	ta, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "session", StickyKey: "sess-1"})
	require.NoError(t, err)
	claimed, err := rig.eng.Claim(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	bound := claimed.AssigneeID
	_, err = rig.eng.Complete(ctx, ta.ID, nil)
	require.NoError(t, err)
	require.NoError(t, rig.eng.Close(ctx))

	// A fresh engine over the same store honors the binding.
	log := zap.NewNop().Sugar()
	reg2 := registry.New(rig.kv, store.Keys{Prefix: rig.cfg.KeyPrefix}, rig.cfg.HeartbeatTimeout, rig.cfg.WorkerRecordTTL(), 0, log)
	eng2, err := New(rig.cfg, rig.kv, reg2, events.NewBus(log), log)
	require.NoError(t, err)

	// Tilt load away from the bound worker to prove adhesion, not luck.
	filler, err := eng2.Enqueue(ctx, EnqueueOptions{Type: "filler"})
	require.NoError(t, err)
	_, err = eng2.Claim(ctx, bound)
	require.NoError(t, err)

	tb, err := eng2.Enqueue(ctx, EnqueueOptions{Type: "session", StickyKey: "sess-1"})
	require.NoError(t, err)
	claimed, err = eng2.Claim(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, tb.ID, claimed.ID)
	require.Equal(t, bound, claimed.AssigneeID)

	_, err = eng2.Complete(ctx, filler.ID, nil)
	require.NoError(t, err)
}

func TestRoutingHintRoundRobin(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	for _, id := range []string{"w1", "w2"} {
		_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: id, Capacity: 4})
		require.NoError(t, err)
	}

	var assignees []string
	for i := 0; i < 4; i++ {
		enq, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "fair", RoutingHint: "round-robin"})
		require.NoError(t, err)
		claimed, err := rig.eng.Claim(ctx, "")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Equal(t, enq.ID, claimed.ID)
		assignees = append(assignees, claimed.AssigneeID)
	}
	require.Equal(t, []string{"w1", "w2", "w1", "w2"}, assignees)
}

func TestArbitratedClaimNoWorkersKeepsTask(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	enq, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "waiting"})
	require.NoError(t, err)

	claimed, err := rig.eng.Claim(ctx, "")
	require.NoError(t, err)
	require.Nil(t, claimed)

	got, err := rig.eng.GetTask(ctx, enq.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)
}

func TestDirectedClaimThrottled(t *testing.T) {
	rig := newTestRig(t, func(c *config.Config) {
		c.ClaimRatePerSec = 0.001
		c.ClaimBurst = 1
	})
	ctx := context.Background()

	_, err := rig.eng.RegisterWorker(ctx, registry.RegisterOptions{ID: "w1", Capacity: 4})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := rig.eng.Enqueue(ctx, EnqueueOptions{Type: "work"})
		require.NoError(t, err)
	}

	claimed, err := rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The burst is spent; the second claim is throttled, not failed.
	claimed, err = rig.eng.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, claimed)
}
