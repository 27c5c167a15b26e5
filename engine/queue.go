package engine

import (
	"context"
	"errors"
	"time"

	"github.com/itskum47/taskforge/dispatch"
	"github.com/itskum47/taskforge/events"
	"github.com/itskum47/taskforge/observability"
	"github.com/itskum47/taskforge/registry"
	"github.com/itskum47/taskforge/store"
	"github.com/itskum47/taskforge/task"
)

// EnqueueOptions are the producer-supplied fields of a new task.
type EnqueueOptions struct {
	ID             string
	Type           string
	Payload        map[string]interface{}
	Priority       string
	DelayMS        int64
	ScheduledFor   *time.Time
	MaxRetries     *int
	RetryDelayMS   int64
	RequiredSkills []string
	StickyKey      string
	RoutingHint    string
	Metadata       map[string]interface{}
}

// Enqueue mints a task, fills defaults and places it on the scheduled set
// (when delayed) or the pending structures. It returns the constructed
// task.
func (e *Engine) Enqueue(ctx context.Context, opts EnqueueOptions) (*task.Task, error) {
	priority, err := task.ParsePriority(opts.Priority)
	if err != nil {
		return nil, err
	}

	id := opts.ID
	if id == "" {
		id = task.NewID()
	}

	maxRetries := e.cfg.MaxRetries
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		maxRetries = *opts.MaxRetries
	}
	baseDelayMS := opts.RetryDelayMS
	if baseDelayMS <= 0 {
		baseDelayMS = e.cfg.BaseRetryDelay.Milliseconds()
	}

	now := time.Now().UTC()
	t := &task.Task{
		SchemaVersion:    task.SchemaVersion,
		ID:               id,
		Type:             opts.Type,
		Payload:          opts.Payload,
		Priority:         priority,
		Status:           task.StatusPending,
		CreatedAt:        now,
		MaxRetries:       maxRetries,
		BaseRetryDelayMS: baseDelayMS,
		RequiredSkills:   opts.RequiredSkills,
		StickyKey:        opts.StickyKey,
		RoutingHint:      opts.RoutingHint,
		Metadata:         opts.Metadata,
	}

	var due time.Time
	if opts.ScheduledFor != nil {
		due = opts.ScheduledFor.UTC()
	} else if opts.DelayMS > 0 {
		due = now.Add(time.Duration(opts.DelayMS) * time.Millisecond)
	}

	if !due.IsZero() && due.After(now) {
		t.Status = task.StatusScheduled
		t.ScheduledFor = &due
		// Record first so the scheduled entry never references a missing key.
		if err := e.saveTask(ctx, t); err != nil {
			return nil, err
		}
		if err := e.kv.ZAdd(ctx, e.keys.Scheduled(), float64(due.UnixMilli()), t.ID); err != nil {
			return nil, err
		}
	} else {
		if err := e.saveTask(ctx, t); err != nil {
			return nil, err
		}
		if err := e.pushPending(ctx, t, true); err != nil {
			return nil, err
		}
	}

	observability.TasksEnqueued.WithLabelValues(string(priority)).Inc()
	e.emit(events.Event{
		Type:   events.TaskEnqueued,
		TaskID: t.ID,
		Payload: map[string]interface{}{
			"type":     t.Type,
			"priority": string(t.Priority),
			"delayed":  t.Status == task.StatusScheduled,
		},
	})
	return t, nil
}

// pushPending places a task id on its priority band's pending list and the
// per-band cross-check ZSET. Pushes go at the head; claims pop the tail,
// so each band drains FIFO.
func (e *Engine) pushPending(ctx context.Context, t *task.Task, updateGauge bool) error {
	band := string(t.Priority)
	if err := e.kv.ListPushHead(ctx, e.keys.Pending(band), t.ID); err != nil {
		return err
	}
	if err := e.kv.ZAdd(ctx, e.keys.PrioritySet(band), float64(time.Now().UnixMilli()), t.ID); err != nil {
		return err
	}
	if updateGauge {
		if depth, err := e.kv.ListLength(ctx, e.keys.Pending(band)); err == nil {
			observability.QueueDepth.WithLabelValues(band).Set(float64(depth))
		}
	}
	return nil
}

// popPending pops the next claimable id, draining bands critical to low so
// a strictly higher-priority pending task always comes out first.
func (e *Engine) popPending(ctx context.Context) (string, error) {
	for _, p := range task.Priorities {
		id, err := e.kv.ListPopTail(ctx, e.keys.Pending(string(p)))
		if errors.Is(err, store.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		return id, nil
	}
	return "", nil
}

// Claim transfers the next pending task to a worker. With a worker id the
// claim is directed; without one the distribution policy arbitrates. A
// nil task with nil error means nothing was claimable.
func (e *Engine) Claim(ctx context.Context, workerID string) (*task.Task, error) {
	if workerID != "" {
		return e.claimDirected(ctx, workerID)
	}
	return e.claimArbitrated(ctx)
}

func (e *Engine) claimDirected(ctx context.Context, workerID string) (*task.Task, error) {
	if !e.limiter.allow(workerID) {
		observability.Claims.WithLabelValues("throttled").Inc()
		return nil, nil
	}

	w, err := e.registry.Get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if w.Status == registry.StatusOffline {
		return nil, ErrWorkerOffline
	}
	if w.CurrentLoad >= w.Capacity {
		observability.Claims.WithLabelValues("at_capacity").Inc()
		return nil, nil
	}

	t, err := e.popTask(ctx)
	if err != nil || t == nil {
		return nil, err
	}
	return e.assign(ctx, t, workerID, "directed claim")
}

func (e *Engine) claimArbitrated(ctx context.Context) (*task.Task, error) {
	t, err := e.popTask(ctx)
	if err != nil || t == nil {
		return nil, err
	}

	workers, err := e.registry.Available(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	res := e.route(ctx, t, workers)
	if res == nil {
		// No eligible worker; the id goes back to the head of its band.
		if err := e.kv.ListPushHead(ctx, e.keys.Pending(string(t.Priority)), t.ID); err != nil {
			return nil, err
		}
		observability.Claims.WithLabelValues("no_route").Inc()
		return nil, nil
	}
	return e.assign(ctx, t, res.WorkerID, res.Reason)
}

// popTask pops an id and resolves it to a still-pending task, dropping
// stale references as it goes.
func (e *Engine) popTask(ctx context.Context) (*task.Task, error) {
	id, err := e.popPending(ctx)
	if err != nil {
		return nil, err
	}
	if id == "" {
		observability.Claims.WithLabelValues("empty").Inc()
		return nil, nil
	}

	t, err := e.loadTask(ctx, id)
	if errors.Is(err, ErrTaskNotFound) {
		// Record expired or undecodable; drop the cross-check entries too.
		for _, p := range task.Priorities {
			if _, remErr := e.kv.ZRemove(ctx, e.keys.PrioritySet(string(p)), id); remErr != nil {
				e.log.Warnf("engine: prune priority entry for %s: %v", id, remErr)
			}
		}
		observability.Claims.WithLabelValues("stale").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusPending {
		// Cancelled or otherwise moved on while queued.
		if _, remErr := e.kv.ZRemove(ctx, e.keys.PrioritySet(string(t.Priority)), id); remErr != nil {
			e.log.Warnf("engine: prune priority entry for %s: %v", id, remErr)
		}
		observability.Claims.WithLabelValues("stale").Inc()
		return nil, nil
	}
	return t, nil
}

// assign moves a pending task to a specific worker. The processing-set
// insert happens first: if the process dies mid-assign the task is an
// orphan there, and the sweep recovers it once the worker's heartbeat
// lapses.
func (e *Engine) assign(ctx context.Context, t *task.Task, workerID, reason string) (*task.Task, error) {
	now := time.Now().UTC()
	if err := e.kv.ZAdd(ctx, e.keys.Processing(), float64(now.UnixMilli()), t.ID); err != nil {
		return nil, err
	}

	t.AssigneeID = workerID
	if err := t.Apply(task.StatusAssigned, now); err != nil {
		return nil, err
	}
	// New attempt: observers expect progress back at zero.
	t.Progress = 0

	if _, err := e.kv.ZRemove(ctx, e.keys.PrioritySet(string(t.Priority)), t.ID); err != nil {
		return nil, err
	}
	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}
	if err := e.registry.AdjustLoad(ctx, workerID, +1); err != nil {
		e.log.Warnf("engine: load increment for %s: %v", workerID, err)
	}

	observability.Claims.WithLabelValues("assigned").Inc()
	e.emit(events.Event{
		Type:     events.TaskAssigned,
		TaskID:   t.ID,
		WorkerID: workerID,
		Payload:  map[string]interface{}{"reason": reason},
	})
	return t, nil
}

// route runs the policy selected from the task's routing fields against a
// snapshot of available workers.
func (e *Engine) route(ctx context.Context, t *task.Task, workers []registry.Worker) *dispatch.Result {
	dctx := dispatch.Context{Task: t, Workers: workers, State: e.state}

	switch dispatch.SelectPolicy(t, e.defPol) {
	case dispatch.PolicyRoundRobin:
		return dispatch.RoundRobin(dctx)
	case dispatch.PolicySkillBased:
		res := dispatch.SkillBased(dctx)
		if res == nil && len(t.RequiredSkills) == 0 {
			res = dispatch.LoadBased(dctx)
		}
		return res
	case dispatch.PolicySticky:
		lookup := func(key string) (string, bool) {
			v, err := e.kv.HashGet(ctx, e.keys.StickyMap(), key)
			if err != nil {
				return "", false
			}
			return v, true
		}
		res, rebound := dispatch.Sticky(dctx, lookup)
		if res != nil && rebound {
			// Last-writer-wins at the map key across engine instances.
			if err := e.kv.HashSet(ctx, e.keys.StickyMap(), t.StickyKey, res.WorkerID); err != nil {
				e.log.Warnf("engine: persist sticky binding %s: %v", t.StickyKey, err)
			}
		}
		return res
	default:
		return dispatch.LoadBased(dctx)
	}
}

// QueueDepth returns the total number of pending tasks across all bands.
func (e *Engine) QueueDepth(ctx context.Context) (int64, error) {
	var total int64
	for _, p := range task.Priorities {
		n, err := e.kv.ListLength(ctx, e.keys.Pending(string(p)))
		if err != nil {
			return 0, err
		}
		observability.QueueDepth.WithLabelValues(string(p)).Set(float64(n))
		total += n
	}
	return total, nil
}
