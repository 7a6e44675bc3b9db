package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"taskviews/internal/projection"
	"taskviews/internal/reconcile"
)

// DashboardRollSchedule refreshes the dashboard right after UTC midnight so
// its daily window moves even when no task changes.
const DashboardRollSchedule = "1 0 * * *"

type Rebuilder interface {
	Rebuild(ctx context.Context, trigger string) (*reconcile.Summary, error)
}

type DashboardRefresher interface {
	RefreshDashboard(ctx context.Context) *projection.Result
}

// Scheduler 定时重建和每日仪表盘滚动
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration
}

// NewScheduler 注册任务，rebuildSchedule 为空时不做定时重建
func NewScheduler(rebuildSchedule string, rebuilder Rebuilder, dashboard DashboardRefresher, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		timeout: timeout,
	}

	if rebuildSchedule != "" {
		if _, err := s.cron.AddFunc(rebuildSchedule, func() { s.rebuild(rebuilder) }); err != nil {
			return nil, fmt.Errorf("invalid rebuild schedule %q: %w", rebuildSchedule, err)
		}
	}
	if _, err := s.cron.AddFunc(DashboardRollSchedule, func() { s.rollDashboard(dashboard) }); err != nil {
		return nil, fmt.Errorf("invalid dashboard schedule: %w", err)
	}
	return s, nil
}

func (s *Scheduler) rebuild(r Rebuilder) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	summary, err := r.Rebuild(ctx, "schedule")
	if err != nil {
		s.logger.Error("Scheduled rebuild failed", zap.Error(err))
		return
	}
	s.logger.Info("Scheduled rebuild done", zap.String("summary", summary.Message))
}

func (s *Scheduler) rollDashboard(d DashboardRefresher) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := d.RefreshDashboard(ctx).Err(); err != nil {
		s.logger.Error("Dashboard roll failed", zap.Error(err))
	}
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", s.Entries()))
}

// Stop waits for running jobs or for ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	s.logger.Info("Scheduler stopped")
}

// cronLogger 把 zap 适配为 cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
