package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/itskum47/taskforge/events"
	"github.com/itskum47/taskforge/observability"
	"github.com/itskum47/taskforge/registry"
	"github.com/itskum47/taskforge/task"
)

// PromoteDue moves every scheduled task whose due time has passed onto the
// pending structures. Idempotent under concurrent sweepers: the ZSET
// removal is atomic and single-winner, so each task is promoted once.
func (e *Engine) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := e.kv.ZRangeByScore(ctx, e.keys.Scheduled(), math.Inf(-1), float64(now.UnixMilli()))
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, id := range ids {
		removed, err := e.kv.ZRemove(ctx, e.keys.Scheduled(), id)
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			// Another sweeper won this id.
			continue
		}

		t, err := e.loadTask(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			e.log.Warnf("engine: scheduled id %s has no record, dropping", id)
			continue
		}
		if err != nil {
			return promoted, err
		}
		if t.Status != task.StatusScheduled {
			continue
		}

		if err := t.Apply(task.StatusPending, now); err != nil {
			e.log.Warnf("engine: promote %s: %v", id, err)
			continue
		}
		if err := e.saveTask(ctx, t); err != nil {
			return promoted, err
		}
		if err := e.pushPending(ctx, t, true); err != nil {
			return promoted, err
		}

		observability.TasksPromoted.Inc()
		e.emit(events.Event{Type: events.TaskPromoted, TaskID: t.ID})
		promoted++
	}
	return promoted, nil
}

// ExpireWorkers marks workers with a lapsed heartbeat offline and pushes
// every task they held through the failure path. It also clears orphaned
// processing entries whose worker record has expired entirely.
func (e *Engine) ExpireWorkers(ctx context.Context, now time.Time) (int, error) {
	workers, err := e.registry.List(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range workers {
		w := &workers[i]
		if w.Status == registry.StatusOffline {
			continue
		}
		if now.Sub(w.LastHeartbeat) <= e.cfg.HeartbeatTimeout {
			continue
		}

		if err := e.registry.MarkOffline(ctx, w.ID); err != nil {
			e.log.Warnf("engine: mark %s offline: %v", w.ID, err)
			continue
		}
		observability.WorkersExpired.Inc()
		e.emit(events.Event{Type: events.WorkerOffline, WorkerID: w.ID})
		expired++

		held, err := e.tasksHeldBy(ctx, w.ID)
		if err != nil {
			e.log.Errorf("engine: list tasks held by %s: %v", w.ID, err)
			continue
		}
		for _, t := range held {
			if _, err := e.Fail(ctx, t.ID, "worker heartbeat timeout"); err != nil {
				e.log.Warnf("engine: reassign %s from dead worker %s: %v", t.ID, w.ID, err)
			}
		}
	}

	if err := e.sweepOrphans(ctx); err != nil {
		e.log.Warnf("engine: orphan sweep: %v", err)
	}
	return expired, nil
}

// sweepOrphans self-heals the processing set: entries whose task record is
// gone or terminal are dropped, and tasks whose assignee no longer exists
// in the registry at all are failed over.
func (e *Engine) sweepOrphans(ctx context.Context) error {
	ids, err := e.kv.ZRangeByRank(ctx, e.keys.Processing(), 0, -1)
	if err != nil {
		return err
	}

	for _, id := range ids {
		t, err := e.loadTask(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			if _, remErr := e.kv.ZRemove(ctx, e.keys.Processing(), id); remErr != nil {
				return remErr
			}
			continue
		}
		if err != nil {
			return err
		}

		if t.Status != task.StatusAssigned && t.Status != task.StatusProcessing {
			if _, remErr := e.kv.ZRemove(ctx, e.keys.Processing(), id); remErr != nil {
				return remErr
			}
			continue
		}

		_, err = e.registry.Get(ctx, t.AssigneeID)
		if errors.Is(err, registry.ErrNotFound) {
			if _, failErr := e.Fail(ctx, t.ID, "worker lost"); failErr != nil {
				e.log.Warnf("engine: fail orphan %s: %v", t.ID, failErr)
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}
