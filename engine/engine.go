// Package engine orchestrates the queue: enqueue, claim, lifecycle
// progress, retry/backoff, dead-lettering and worker management. Every
// operation is I/O bound on the KV store; no in-memory lock is held
// across a store call.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/taskforge/config"
	"github.com/itskum47/taskforge/dispatch"
	"github.com/itskum47/taskforge/events"
	"github.com/itskum47/taskforge/registry"
	"github.com/itskum47/taskforge/store"
	"github.com/itskum47/taskforge/task"
)

// taskTTL is the retention of task records, refreshed on every write.
const taskTTL = 7 * 24 * time.Hour

var (
	// ErrTaskNotFound is returned when a task id does not resolve.
	ErrTaskNotFound = errors.New("engine: task not found")
	// ErrWorkerOffline is returned on a directed claim against a worker
	// the registry considers offline.
	ErrWorkerOffline = errors.New("engine: worker is offline")
)

// Engine is the handle callers own. It is safe for concurrent use and
// safe to run in several processes against one KV store.
type Engine struct {
	cfg      config.Config
	kv       *store.Client
	keys     store.Keys
	registry *registry.Registry
	bus      *events.Bus
	state    *dispatch.State
	limiter  *tokenBucketLimiter
	defPol   dispatch.Policy
	log      *zap.SugaredLogger
}

// New builds an Engine and reloads the persisted sticky map into the
// in-memory mirror.
func New(cfg config.Config, kv *store.Client, reg *registry.Registry, bus *events.Bus, log *zap.SugaredLogger) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		kv:       kv,
		keys:     store.Keys{Prefix: cfg.KeyPrefix},
		registry: reg,
		bus:      bus,
		state:    dispatch.NewState(),
		limiter:  newTokenBucketLimiter(cfg.ClaimRatePerSec, cfg.ClaimBurst),
		defPol:   dispatch.ParsePolicy(cfg.DefaultStrategy),
		log:      log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sticky, err := kv.HashGetAll(ctx, e.keys.StickyMap())
	if err != nil {
		return nil, fmt.Errorf("engine: reload sticky map: %w", err)
	}
	e.state.LoadSticky(sticky)

	return e, nil
}

// Close persists the sticky-map mirror. The KV connection belongs to the
// caller and is not closed here.
func (e *Engine) Close(ctx context.Context) error {
	var firstErr error
	for key, workerID := range e.state.StickySnapshot() {
		if err := e.kv.HashSet(ctx, e.keys.StickyMap(), key, workerID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OnEvent registers an in-process event handler.
func (e *Engine) OnEvent(h events.Handler) *events.Subscription {
	return e.bus.Subscribe(h)
}

// OffEvent removes a previously registered handler.
func (e *Engine) OffEvent(sub *events.Subscription) {
	sub.Unsubscribe()
}

// --- Worker surface (delegates to the registry) ---

// RegisterWorker registers a worker and emits worker.registered.
func (e *Engine) RegisterWorker(ctx context.Context, opts registry.RegisterOptions) (*registry.Worker, error) {
	w, err := e.registry.Register(ctx, opts)
	if err != nil {
		return nil, err
	}
	e.emit(events.Event{
		Type:     events.WorkerRegistered,
		WorkerID: w.ID,
		Payload:  map[string]interface{}{"capacity": w.Capacity, "skills": w.Skills},
	})
	return w, nil
}

// UnregisterWorker requeues every task the worker holds, then removes the
// record. The writes are best-effort in sequence; an interruption is
// completed by the expiry sweep once the heartbeat TTL lapses.
func (e *Engine) UnregisterWorker(ctx context.Context, id string) error {
	if _, err := e.registry.Get(ctx, id); err != nil {
		return err
	}

	held, err := e.tasksHeldBy(ctx, id)
	if err != nil {
		return err
	}
	for _, t := range held {
		if err := e.requeue(ctx, t); err != nil {
			e.log.Warnf("engine: requeue %s during unregister of %s: %v", t.ID, id, err)
		}
	}

	if err := e.registry.Remove(ctx, id); err != nil {
		return err
	}
	e.emit(events.Event{Type: events.WorkerUnregistered, WorkerID: id})
	return nil
}

// Heartbeat refreshes the worker's liveness window.
func (e *Engine) Heartbeat(ctx context.Context, id string) error {
	return e.registry.Heartbeat(ctx, id)
}

// GetWorker fetches one worker record.
func (e *Engine) GetWorker(ctx context.Context, id string) (*registry.Worker, error) {
	return e.registry.Get(ctx, id)
}

// ListWorkers returns every registered worker.
func (e *Engine) ListWorkers(ctx context.Context) ([]registry.Worker, error) {
	return e.registry.List(ctx)
}

// --- Shared helpers ---

func (e *Engine) emit(ev events.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.bus.Publish(ev)
}

// loadTask fetches and decodes a task record. Undecodable records are
// logged with the offending key and reported as not found.
func (e *Engine) loadTask(ctx context.Context, id string) (*task.Task, error) {
	key := e.keys.Task(id)
	raw, err := e.kv.Get(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var t task.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		e.log.Errorf("engine: undecodable task record at %s: %v", key, err)
		return nil, ErrTaskNotFound
	}
	return &t, nil
}

// saveTask writes the record back with a refreshed TTL.
func (e *Engine) saveTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("engine: marshal task %s: %w", t.ID, err)
	}
	return e.kv.SetWithTTL(ctx, e.keys.Task(t.ID), string(data), taskTTL)
}

// tasksHeldBy reads the processing set and filters by assignee.
func (e *Engine) tasksHeldBy(ctx context.Context, workerID string) ([]*task.Task, error) {
	ids, err := e.kv.ZRangeByRank(ctx, e.keys.Processing(), 0, -1)
	if err != nil {
		return nil, err
	}
	var held []*task.Task
	for _, id := range ids {
		t, err := e.loadTask(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.AssigneeID == workerID {
			held = append(held, t)
		}
	}
	return held, nil
}

// requeue puts a task a lost worker held back on pending. The worker is
// gone, so no load decrement happens here.
func (e *Engine) requeue(ctx context.Context, t *task.Task) error {
	if err := t.Apply(task.StatusPending, time.Now().UTC()); err != nil {
		return err
	}
	if _, err := e.kv.ZRemove(ctx, e.keys.Processing(), t.ID); err != nil {
		return err
	}
	if err := e.pushPending(ctx, t, true); err != nil {
		return err
	}
	return e.saveTask(ctx, t)
}
