// Package registry tracks the pool of long-lived workers: registration,
// heartbeat-driven liveness and load accounting.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/taskforge/observability"
	"github.com/itskum47/taskforge/store"
)

// ErrNotFound is returned when a worker id does not resolve.
var ErrNotFound = errors.New("registry: worker not found")

// WorkerStatus is the liveness/occupancy state of a worker.
type WorkerStatus string

const (
	StatusIdle    WorkerStatus = "idle"
	StatusBusy    WorkerStatus = "busy"
	StatusOffline WorkerStatus = "offline"
)

// Worker is the registry's record of one agent.
type Worker struct {
	ID            string            `json:"id"`
	Skills        []string          `json:"skills,omitempty"`
	Capacity      int               `json:"capacity"`
	CurrentLoad   int               `json:"current_load"`
	Status        WorkerStatus      `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	RegisteredAt  time.Time         `json:"registered_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// HasSkill reports whether the worker advertises the given skill.
func (w *Worker) HasSkill(skill string) bool {
	for _, s := range w.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// FreeSlots returns the remaining concurrent-task capacity.
func (w *Worker) FreeSlots() int {
	free := w.Capacity - w.CurrentLoad
	if free < 0 {
		return 0
	}
	return free
}

// LoadRatio returns current load over capacity.
func (w *Worker) LoadRatio() float64 {
	if w.Capacity <= 0 {
		return 1
	}
	return float64(w.CurrentLoad) / float64(w.Capacity)
}

// Alive reports whether the last heartbeat is within the timeout.
func (w *Worker) Alive(now time.Time, timeout time.Duration) bool {
	return w.Status != StatusOffline && now.Sub(w.LastHeartbeat) <= timeout
}

// RegisterOptions are the caller-supplied fields of a registration.
type RegisterOptions struct {
	ID       string
	Skills   []string
	Capacity int
	Metadata map[string]string
}

// Registry persists worker records on the KV store. Available-worker
// snapshots are cached for at most one poll interval so the query stays
// cheap enough to run on every claim.
type Registry struct {
	kv        *store.Client
	keys      store.Keys
	hbTimeout time.Duration
	recordTTL time.Duration
	log       *zap.SugaredLogger

	mu       sync.Mutex
	cache    []Worker
	cachedAt time.Time
	cacheTTL time.Duration
}

// New builds a Registry. cacheTTL bounds the staleness of Available
// snapshots; the scheduler poll interval is the natural choice.
func New(kv *store.Client, keys store.Keys, hbTimeout, recordTTL, cacheTTL time.Duration, log *zap.SugaredLogger) *Registry {
	return &Registry{
		kv:        kv,
		keys:      keys,
		hbTimeout: hbTimeout,
		recordTTL: recordTTL,
		cacheTTL:  cacheTTL,
		log:       log,
	}
}

// Register writes a fresh worker record and adds the id to the workers
// set. Re-registering replaces the record, preserving nothing.
func (r *Registry) Register(ctx context.Context, opts RegisterOptions) (*Worker, error) {
	if opts.ID == "" {
		return nil, errors.New("registry: worker id is required")
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1
	}

	now := time.Now().UTC()
	w := &Worker{
		ID:            opts.ID,
		Skills:        opts.Skills,
		Capacity:      capacity,
		CurrentLoad:   0,
		Status:        StatusIdle,
		LastHeartbeat: now,
		RegisteredAt:  now,
		Metadata:      opts.Metadata,
	}

	if err := r.save(ctx, w, r.recordTTL); err != nil {
		return nil, err
	}
	if err := r.kv.SetAdd(ctx, r.keys.Workers(), w.ID); err != nil {
		return nil, err
	}
	r.invalidate()
	return w, nil
}

// Heartbeat refreshes the worker's liveness window and recomputes its
// status from load.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	w.LastHeartbeat = time.Now().UTC()
	// A heartbeat revives an offline worker.
	w.Status = StatusIdle
	recomputeStatus(w)
	if err := r.save(ctx, w, r.recordTTL); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// AdjustLoad changes the worker's load by delta, clamped at zero. The
// clamp is a safety belt, never expected to fire.
func (r *Registry) AdjustLoad(ctx context.Context, id string, delta int) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	w.CurrentLoad += delta
	if w.CurrentLoad < 0 {
		r.log.Warnf("registry: load clamp fired for worker %s (delta %d)", id, delta)
		w.CurrentLoad = 0
	}
	recomputeStatus(w)
	if err := r.save(ctx, w, r.recordTTL); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// Get fetches one worker record. A record that fails to decode is logged
// with its key and reported as not found so callers can proceed.
func (r *Registry) Get(ctx context.Context, id string) (*Worker, error) {
	key := r.keys.Worker(id)
	raw, err := r.kv.Get(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var w Worker
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		r.log.Errorf("registry: undecodable worker record at %s: %v", key, err)
		return nil, ErrNotFound
	}
	return &w, nil
}

// List returns every registered worker. Ids whose record has expired are
// pruned from the set as a side effect.
func (r *Registry) List(ctx context.Context) ([]Worker, error) {
	ids, err := r.kv.SetMembers(ctx, r.keys.Workers())
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	workers := make([]Worker, 0, len(ids))
	for _, id := range ids {
		w, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Record TTL ran out; drop the dangling set entry.
			if remErr := r.kv.SetRemove(ctx, r.keys.Workers(), id); remErr != nil {
				r.log.Warnf("registry: failed to prune worker %s: %v", id, remErr)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, nil
}

// Available returns workers whose heartbeat is within the timeout and
// whose load is below capacity, sorted by id. Snapshots are cached for at
// most cacheTTL.
func (r *Registry) Available(ctx context.Context, now time.Time) ([]Worker, error) {
	r.mu.Lock()
	if r.cache != nil && now.Sub(r.cachedAt) < r.cacheTTL {
		snapshot := make([]Worker, len(r.cache))
		copy(snapshot, r.cache)
		r.mu.Unlock()
		return snapshot, nil
	}
	r.mu.Unlock()

	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	available := make([]Worker, 0, len(all))
	alive := 0
	for _, w := range all {
		if !w.Alive(now, r.hbTimeout) {
			continue
		}
		alive++
		if w.CurrentLoad < w.Capacity {
			available = append(available, w)
		}
	}
	observability.ConnectedWorkers.Set(float64(alive))

	r.mu.Lock()
	r.cache = available
	r.cachedAt = now
	r.mu.Unlock()

	snapshot := make([]Worker, len(available))
	copy(snapshot, available)
	return snapshot, nil
}

// MarkOffline flips a worker offline and shortens its record TTL so the
// stale entry disappears on its own.
func (r *Registry) MarkOffline(ctx context.Context, id string) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	w.Status = StatusOffline
	if err := r.save(ctx, w, r.hbTimeout); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// Remove deletes the worker record and its set entry.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.kv.Delete(ctx, r.keys.Worker(id)); err != nil {
		return err
	}
	if err := r.kv.SetRemove(ctx, r.keys.Workers(), id); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

func (r *Registry) save(ctx context.Context, w *Worker, ttl time.Duration) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("registry: marshal worker %s: %w", w.ID, err)
	}
	return r.kv.SetWithTTL(ctx, r.keys.Worker(w.ID), string(data), ttl)
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.cache = nil
	r.mu.Unlock()
}

// recomputeStatus derives idle/busy from load. Offline is sticky: only a
// heartbeat brings the worker back.
func recomputeStatus(w *Worker) {
	if w.Status == StatusOffline {
		return
	}
	if w.CurrentLoad >= w.Capacity {
		w.Status = StatusBusy
	} else {
		w.Status = StatusIdle
	}
}
