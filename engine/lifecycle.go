package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/itskum47/taskforge/events"
	"github.com/itskum47/taskforge/observability"
	"github.com/itskum47/taskforge/registry"
	"github.com/itskum47/taskforge/task"
)

// GetTask fetches one task record.
func (e *Engine) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return e.loadTask(ctx, id)
}

// Start advances an assigned task to processing and stamps started-at on
// the first attempt.
func (e *Engine) Start(ctx context.Context, id string) (*task.Task, error) {
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.Apply(task.StatusProcessing, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}
	e.emit(events.Event{Type: events.TaskStarted, TaskID: t.ID, WorkerID: t.AssigneeID})
	return t, nil
}

// Complete finishes a processing task, releases the worker slot and
// removes the task from the processing set.
func (e *Engine) Complete(ctx context.Context, id string, output interface{}) (*task.Task, error) {
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}

	workerID := t.AssigneeID
	if err := t.Apply(task.StatusCompleted, time.Now().UTC()); err != nil {
		return nil, err
	}
	t.Output = output

	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}
	if _, err := e.kv.ZRemove(ctx, e.keys.Processing(), t.ID); err != nil {
		return nil, err
	}
	e.releaseSlot(ctx, workerID)

	observability.TasksCompleted.Inc()
	e.emit(events.Event{
		Type:     events.TaskCompleted,
		TaskID:   t.ID,
		WorkerID: workerID,
		Payload:  map[string]interface{}{"output": output},
	})
	return t, nil
}

// Progress updates the task's progress percentage and merges progress
// data. The status is untouched; within one attempt progress never moves
// backwards.
func (e *Engine) Progress(ctx context.Context, id string, pct int, data map[string]interface{}) (*task.Task, error) {
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct > t.Progress {
		t.Progress = pct
	}
	if len(data) > 0 {
		if t.ProgressData == nil {
			t.ProgressData = make(map[string]interface{}, len(data))
		}
		for k, v := range data {
			t.ProgressData[k] = v
		}
	}

	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}
	e.emit(events.Event{
		Type:     events.TaskProgress,
		TaskID:   t.ID,
		WorkerID: t.AssigneeID,
		Payload:  map[string]interface{}{"progress": t.Progress, "data": data},
	})
	return t, nil
}

// Fail records a failed attempt. With retry budget left the task is
// rescheduled with exponential backoff; otherwise it is dead-lettered (or
// left terminally failed when dead-lettering is disabled).
func (e *Engine) Fail(ctx context.Context, id, errMsg string) (*task.Task, error) {
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusAssigned && t.Status != task.StatusProcessing {
		return nil, task.ErrIllegalTransition
	}

	// Decrement targets the real assignee; captured before the transition
	// clears the field.
	workerID := t.AssigneeID
	now := time.Now().UTC()

	t.RetryCount++
	t.RecordError(errMsg)
	if err := t.Apply(task.StatusFailed, now); err != nil {
		return nil, err
	}

	if t.RetryCount <= t.MaxRetries {
		return e.failRetry(ctx, t, workerID, errMsg, now)
	}
	return e.failPermanent(ctx, t, workerID, errMsg, now)
}

func (e *Engine) failRetry(ctx context.Context, t *task.Task, workerID, errMsg string, now time.Time) (*task.Task, error) {
	base := time.Duration(t.BaseRetryDelayMS) * time.Millisecond
	if base <= 0 {
		base = e.cfg.BaseRetryDelay
	}
	delay := task.BackoffDelay(base, e.cfg.MaxRetryDelay, t.RetryCount)
	due := now.Add(delay)

	if err := t.Apply(task.StatusScheduled, now); err != nil {
		return nil, err
	}
	t.ScheduledFor = &due

	// Scheduled entry lands before the processing removal so a crash
	// mid-fail cannot lose the task.
	if err := e.kv.ZAdd(ctx, e.keys.Scheduled(), float64(due.UnixMilli()), t.ID); err != nil {
		return nil, err
	}
	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}
	if _, err := e.kv.ZRemove(ctx, e.keys.Processing(), t.ID); err != nil {
		return nil, err
	}
	e.releaseSlot(ctx, workerID)

	observability.TaskRetries.Inc()
	e.emit(events.Event{
		Type:     events.TaskRetried,
		TaskID:   t.ID,
		WorkerID: workerID,
		Payload: map[string]interface{}{
			"retry_count": t.RetryCount,
			"max_retries": t.MaxRetries,
			"delay_ms":    delay.Milliseconds(),
			"error":       errMsg,
		},
	})
	return t, nil
}

func (e *Engine) failPermanent(ctx context.Context, t *task.Task, workerID, errMsg string, now time.Time) (*task.Task, error) {
	if !e.cfg.DeadLetterEnabled {
		// Dead-lettering disabled: failed is terminal.
		if err := e.saveTask(ctx, t); err != nil {
			return nil, err
		}
		if _, err := e.kv.ZRemove(ctx, e.keys.Processing(), t.ID); err != nil {
			return nil, err
		}
		e.releaseSlot(ctx, workerID)
		e.emit(events.Event{
			Type:     events.TaskFailed,
			TaskID:   t.ID,
			WorkerID: workerID,
			Payload:  map[string]interface{}{"error": errMsg, "retry_count": t.RetryCount},
		})
		return t, nil
	}

	if err := t.Apply(task.StatusDead, now); err != nil {
		return nil, err
	}
	t.DeadLetterReason = errMsg

	entry := task.DeadLetterEntry{
		SchemaVersion: task.SchemaVersion,
		Task:          t,
		DiedAtMS:      now.UnixMilli(),
		Reason:        errMsg,
		ErrorHistory:  t.ErrorHistory,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	// Envelope first, processing removal last: a crash mid-fail still
	// shows the task as dead.
	if err := e.kv.ZAdd(ctx, e.keys.DeadLetter(), float64(now.UnixMilli()), string(data)); err != nil {
		return nil, err
	}
	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}
	if _, err := e.kv.ZRemove(ctx, e.keys.Processing(), t.ID); err != nil {
		return nil, err
	}
	e.releaseSlot(ctx, workerID)

	observability.TasksDeadLettered.Inc()
	e.emit(events.Event{
		Type:     events.TaskDeadLettered,
		TaskID:   t.ID,
		WorkerID: workerID,
		Payload: map[string]interface{}{
			"reason":      errMsg,
			"retry_count": t.RetryCount,
		},
	})
	return t, nil
}

// Cancel removes a non-terminal task from whichever position structure
// holds it. All three removals are issued; only one will actually hit.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*task.Task, error) {
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.CanTransition(t.Status, task.StatusCancelled) {
		return nil, task.ErrIllegalTransition
	}

	workerID := t.AssigneeID
	wasHeld := t.Status == task.StatusAssigned || t.Status == task.StatusProcessing
	band := string(t.Priority)

	if err := t.Apply(task.StatusCancelled, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}

	if _, err := e.kv.ListRemove(ctx, e.keys.Pending(band), t.ID); err != nil {
		return nil, err
	}
	if _, err := e.kv.ZRemove(ctx, e.keys.PrioritySet(band), t.ID); err != nil {
		return nil, err
	}
	if _, err := e.kv.ZRemove(ctx, e.keys.Scheduled(), t.ID); err != nil {
		return nil, err
	}
	if _, err := e.kv.ZRemove(ctx, e.keys.Processing(), t.ID); err != nil {
		return nil, err
	}
	if wasHeld {
		e.releaseSlot(ctx, workerID)
	}

	e.emit(events.Event{
		Type:     events.TaskCancelled,
		TaskID:   t.ID,
		WorkerID: workerID,
		Payload:  map[string]interface{}{"reason": reason},
	})
	return t, nil
}

// DeadLetterEntries returns up to limit envelopes, oldest death first.
// limit <= 0 returns everything.
func (e *Engine) DeadLetterEntries(ctx context.Context, limit int64) ([]task.DeadLetterEntry, error) {
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	members, err := e.kv.ZRangeByRank(ctx, e.keys.DeadLetter(), 0, stop)
	if err != nil {
		return nil, err
	}

	entries := make([]task.DeadLetterEntry, 0, len(members))
	for _, m := range members {
		var entry task.DeadLetterEntry
		if err := json.Unmarshal([]byte(m), &entry); err != nil {
			e.log.Errorf("engine: undecodable dead-letter envelope on %s: %v", e.keys.DeadLetter(), err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ReplayDeadLetter removes a dead-letter entry and re-enqueues its task as
// pending with a fresh retry budget, behaving like a new task from then on.
func (e *Engine) ReplayDeadLetter(ctx context.Context, id string) (*task.Task, error) {
	members, err := e.kv.ZRangeByRank(ctx, e.keys.DeadLetter(), 0, -1)
	if err != nil {
		return nil, err
	}

	for _, m := range members {
		var entry task.DeadLetterEntry
		if err := json.Unmarshal([]byte(m), &entry); err != nil || entry.Task == nil {
			continue
		}
		if entry.Task.ID != id {
			continue
		}

		if _, err := e.kv.ZRemove(ctx, e.keys.DeadLetter(), m); err != nil {
			return nil, err
		}

		t := entry.Task
		// Replay is the one sanctioned exit from dead: the record is reborn
		// pending with its error state wiped.
		t.Status = task.StatusPending
		t.AssigneeID = ""
		t.RetryCount = 0
		t.LastError = ""
		t.ErrorHistory = nil
		t.DeadLetterReason = ""
		t.Progress = 0
		t.ProgressData = nil
		t.ScheduledFor = nil
		t.Output = nil

		if err := e.saveTask(ctx, t); err != nil {
			return nil, err
		}
		if err := e.pushPending(ctx, t, true); err != nil {
			return nil, err
		}
		e.emit(events.Event{Type: events.TaskReplayed, TaskID: t.ID})
		return t, nil
	}
	return nil, ErrTaskNotFound
}

// releaseSlot decrements a worker's load, tolerating workers that have
// already expired out of the registry.
func (e *Engine) releaseSlot(ctx context.Context, workerID string) {
	if workerID == "" {
		return
	}
	if err := e.registry.AdjustLoad(ctx, workerID, -1); err != nil && !errors.Is(err, registry.ErrNotFound) {
		e.log.Warnf("engine: load decrement for %s: %v", workerID, err)
	}
}
