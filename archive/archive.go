// Package archive records the queue's own terminal state in Postgres so
// completions, cancellations and dead-letters outlive the 7-day task TTL
// on the KV store. It is a best-effort event consumer: insert failures
// are logged and counted, never surfaced to the operation that emitted
// the event.
package archive

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/itskum47/taskforge/events"
	"github.com/itskum47/taskforge/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS taskforge_task_archive (
    task_id     TEXT        NOT NULL,
    event_type  TEXT        NOT NULL,
    worker_id   TEXT,
    finished_at TIMESTAMPTZ NOT NULL,
    detail      JSONB,
    PRIMARY KEY (task_id, event_type, finished_at)
)`

// Archiver writes terminal task events into Postgres.
type Archiver struct {
	pool *pgxpool.Pool
	log  *zap.SugaredLogger
}

// New builds an Archiver over an existing connection pool.
func New(pool *pgxpool.Pool, log *zap.SugaredLogger) *Archiver {
	return &Archiver{pool: pool, log: log}
}

// EnsureSchema creates the archive table if it does not exist.
func (a *Archiver) EnsureSchema(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, schema)
	return err
}

// Attach subscribes the archiver to a bus.
func (a *Archiver) Attach(bus *events.Bus) *events.Subscription {
	return bus.Subscribe(a.Handle)
}

// Handle archives terminal events and ignores everything else.
func (a *Archiver) Handle(e events.Event) {
	switch e.Type {
	case events.TaskCompleted, events.TaskCancelled, events.TaskDeadLettered, events.TaskFailed:
	default:
		return
	}

	var detail []byte
	if len(e.Payload) > 0 {
		var err error
		detail, err = json.Marshal(e.Payload)
		if err != nil {
			a.log.Errorf("archive: marshal payload for %s/%s: %v", e.TaskID, e.Type, err)
			detail = nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := a.pool.Exec(ctx,
		`INSERT INTO taskforge_task_archive (task_id, event_type, worker_id, finished_at, detail)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		 ON CONFLICT DO NOTHING`,
		e.TaskID, string(e.Type), e.WorkerID, e.Timestamp, detail)
	if err != nil {
		observability.ArchiveFailures.Inc()
		a.log.Errorf("archive: insert %s/%s: %v", e.TaskID, e.Type, err)
	}
}
