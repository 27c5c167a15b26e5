// Package events carries every state change out of the engine: to
// in-process subscribers synchronously, and to an append-only stream on
// the KV store for external consumers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/taskforge/observability"
	"github.com/itskum47/taskforge/store"
)

// Type names one kind of state change. The set is closed; payload shape is
// determined by the type.
type Type string

const (
	TaskEnqueued     Type = "task.enqueued"
	TaskAssigned     Type = "task.assigned"
	TaskStarted      Type = "task.started"
	TaskProgress     Type = "task.progress"
	TaskCompleted    Type = "task.completed"
	TaskRetried      Type = "task.retried"
	TaskFailed       Type = "task.failed"
	TaskDeadLettered Type = "task.dead_lettered"
	TaskCancelled    Type = "task.cancelled"
	TaskPromoted     Type = "task.promoted"
	TaskReplayed     Type = "task.replayed"

	WorkerRegistered   Type = "worker.registered"
	WorkerOffline      Type = "worker.offline"
	WorkerUnregistered Type = "worker.unregistered"
)

// Event is the envelope every emission carries.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	TaskID    string                 `json:"task_id,omitempty"`
	WorkerID  string                 `json:"worker_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Handler receives events synchronously. Panics are recovered, logged and
// swallowed; they never fail the operation that produced the event.
type Handler func(Event)

// Subscription identifies one registered handler.
type Subscription struct {
	id  int
	bus *Bus
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s != nil && s.bus != nil {
		s.bus.remove(s.id)
	}
}

type entry struct {
	id      int
	handler Handler
}

// Bus fans events out to in-process handlers in registration order.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers []entry
	log      *zap.SugaredLogger
}

// NewBus returns an empty bus.
func NewBus(log *zap.SugaredLogger) *Bus {
	return &Bus{log: log}
}

// Subscribe registers a handler and returns its subscription handle.
func (b *Bus) Subscribe(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers = append(b.handlers, entry{id: b.nextID, handler: h})
	return &Subscription{id: b.nextID, bus: b}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.handlers {
		if e.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Publish invokes every handler in registration order. The handler slice
// is copied under the lock; handlers run without it so they may do I/O.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	snapshot := make([]entry, len(b.handlers))
	copy(snapshot, b.handlers)
	b.mu.RUnlock()

	for _, ent := range snapshot {
		b.invoke(ent, e)
	}
}

func (b *Bus) invoke(ent entry, e Event) {
	defer func() {
		if r := recover(); r != nil {
			observability.EventPublishFailures.WithLabelValues(string(e.Type), "handler_panic").Inc()
			b.log.Errorf("events: handler %d panicked on %s: %v", ent.id, e.Type, r)
		}
	}()
	ent.handler(e)
}

// StreamAppender mirrors every event onto the KV store's append-only
// stream. Append failures are best-effort: logged and counted, never
// propagated.
type StreamAppender struct {
	kv  *store.Client
	key string
	log *zap.SugaredLogger
}

// NewStreamAppender builds an appender writing to the given stream key.
func NewStreamAppender(kv *store.Client, key string, log *zap.SugaredLogger) *StreamAppender {
	return &StreamAppender{kv: kv, key: key, log: log}
}

// Attach subscribes the appender to a bus.
func (a *StreamAppender) Attach(bus *Bus) *Subscription {
	return bus.Subscribe(a.Handle)
}

// Handle appends one event to the stream.
func (a *StreamAppender) Handle(e Event) {
	values := map[string]interface{}{
		"type":      string(e.Type),
		"timestamp": e.Timestamp.UnixMilli(),
	}
	if e.TaskID != "" {
		values["task_id"] = e.TaskID
	}
	if e.WorkerID != "" {
		values["worker_id"] = e.WorkerID
	}
	if len(e.Payload) > 0 {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			observability.EventPublishFailures.WithLabelValues(string(e.Type), "marshal").Inc()
			a.log.Errorf("events: marshal payload for %s: %v", e.Type, err)
			return
		}
		values["payload"] = string(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := a.kv.StreamAppend(ctx, a.key, values); err != nil {
		observability.EventPublishFailures.WithLabelValues(string(e.Type), "stream_append").Inc()
		a.log.Errorf("events: stream append for %s: %v", e.Type, err)
	}
}
