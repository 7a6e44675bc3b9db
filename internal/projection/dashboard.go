package projection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskviews/pkg/metrics"
)

// Locker 多副本之间串行化仪表盘刷新
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

const dashboardLockKey = "lock:views:dashboard"

type flight struct {
	done    chan struct{}
	err     error
	started bool
	waiters int
}

func newFlight() *flight {
	return &flight{done: make(chan struct{})}
}

// dashboardCoalescer collapses bursts of dashboard refresh requests. At most
// one refresh runs at a time and at most one more is queued behind it; every
// request is answered by a refresh that started after the request arrived.
type dashboardCoalescer struct {
	refresh  func(ctx context.Context) error
	debounce time.Duration
	timeout  time.Duration
	lock     Locker
	lockTTL  time.Duration
	lockPoll time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	inflight *flight
	queued   *flight
}

// Request 请求刷新并等待覆盖本次请求的那一轮
// 取消 ctx 只停止等待，不影响共享的刷新
func (c *dashboardCoalescer) Request(ctx context.Context) error {
	c.mu.Lock()
	var f *flight
	switch {
	case c.inflight != nil && !c.inflight.started:
		f = c.inflight
		metrics.IncrementDashboardRequest("joined")
	case c.queued != nil:
		f = c.queued
		metrics.IncrementDashboardRequest("joined")
	case c.inflight != nil:
		c.queued = newFlight()
		f = c.queued
		metrics.IncrementDashboardRequest("queued")
	default:
		c.inflight = newFlight()
		f = c.inflight
		metrics.IncrementDashboardRequest("started")
		go c.execute(f)
	}
	f.waiters++
	c.mu.Unlock()

	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *dashboardCoalescer) execute(f *flight) {
	for f != nil {
		if c.debounce > 0 {
			time.Sleep(c.debounce)
		}
		c.mu.Lock()
		f.started = true
		waiters := f.waiters
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		start := time.Now()
		f.err = c.refreshLocked(ctx)
		cancel()

		status := "success"
		if f.err != nil {
			status = "failed"
			c.logger.Error("Dashboard refresh failed", zap.Error(f.err))
		}
		metrics.RecordDashboardRefresh(status, time.Since(start))
		c.logger.Debug("Dashboard refreshed",
			zap.Int("requests", waiters),
			zap.Duration("duration", time.Since(start)),
			zap.String("status", status),
		)
		close(f.done)

		c.mu.Lock()
		next := c.queued
		c.queued = nil
		c.inflight = next
		c.mu.Unlock()
		f = next
	}
}

func (c *dashboardCoalescer) refreshLocked(ctx context.Context) error {
	if c.lock == nil {
		return c.refresh(ctx)
	}
	for {
		release, ok, err := c.lock.Acquire(ctx, dashboardLockKey, c.lockTTL)
		if err != nil {
			// redis 不可用时不阻塞刷新
			c.logger.Warn("Dashboard lease unavailable, refreshing without it", zap.Error(err))
			return c.refresh(ctx)
		}
		if ok {
			defer release()
			return c.refresh(ctx)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for dashboard lease: %w", ctx.Err())
		case <-time.After(c.lockPoll):
		}
	}
}
