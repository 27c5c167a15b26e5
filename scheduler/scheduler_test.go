package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingEngine struct {
	promotions int64
	expiries   int64
}

func (c *countingEngine) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	atomic.AddInt64(&c.promotions, 1)
	return 1, nil
}

func (c *countingEngine) ExpireWorkers(ctx context.Context, now time.Time) (int, error) {
	atomic.AddInt64(&c.expiries, 1)
	return 0, nil
}

func TestLoopRunsBothSweeps(t *testing.T) {
	eng := &countingEngine{}
	loop := New(eng, 5*time.Millisecond, 5*time.Millisecond, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&eng.promotions) >= 2 && atomic.LoadInt64(&eng.expiries) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
}

func TestLoopStopsOnCancel(t *testing.T) {
	eng := &countingEngine{}
	loop := New(eng, 2*time.Millisecond, 2*time.Millisecond, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&eng.promotions) >= 1
	}, 2*time.Second, 2*time.Millisecond)
	cancel()

	// After cancellation the tick counts settle.
	time.Sleep(20 * time.Millisecond)
	p := atomic.LoadInt64(&eng.promotions)
	e := atomic.LoadInt64(&eng.expiries)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, p, atomic.LoadInt64(&eng.promotions))
	require.Equal(t, e, atomic.LoadInt64(&eng.expiries))
}
