// Package scheduler runs the queue's two periodic sweeps: promoting due
// scheduled tasks and expiring dead workers. Several instances may run
// against one store; the underlying removals are single-winner.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/taskforge/observability"
)

// Engine is the slice of the queue engine the loop drives.
type Engine interface {
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	ExpireWorkers(ctx context.Context, now time.Time) (int, error)
}

// Loop ticks the two sweeps at independent intervals.
type Loop struct {
	engine       Engine
	promoteEvery time.Duration
	expireEvery  time.Duration
	log          *zap.SugaredLogger
}

// New builds a Loop. promoteEvery is typically the poll interval (100ms),
// expireEvery the heartbeat timeout.
func New(engine Engine, promoteEvery, expireEvery time.Duration, log *zap.SugaredLogger) *Loop {
	return &Loop{
		engine:       engine,
		promoteEvery: promoteEvery,
		expireEvery:  expireEvery,
		log:          log,
	}
}

// Start launches both sweeps. They stop when ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	go l.promoteLoop(ctx)
	go l.expireLoop(ctx)
}

func (l *Loop) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(l.promoteEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if n, err := l.engine.PromoteDue(ctx, start.UTC()); err != nil {
				l.log.Errorf("scheduler: promote sweep: %v", err)
			} else if n > 0 {
				l.log.Infof("scheduler: promoted %d due tasks", n)
			}
			observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds())
		}
	}
}

func (l *Loop) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(l.expireEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if n, err := l.engine.ExpireWorkers(ctx, start.UTC()); err != nil {
				l.log.Errorf("scheduler: expire sweep: %v", err)
			} else if n > 0 {
				l.log.Infof("scheduler: expired %d workers", n)
			}
			observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds())
		}
	}
}
