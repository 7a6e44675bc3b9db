package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"taskviews/internal/model"
	"taskviews/internal/projection"
	"taskviews/pkg/metrics"
)

// Recomputer rebuilds views from current source state.
type Recomputer interface {
	Recompute(ctx context.Context, keys []model.ViewKey) *projection.Result
}

// FailureLedger is the retry ledger of failed views.
type FailureLedger interface {
	GetDue(ctx context.Context, now time.Time, limit int) ([]model.ViewFailureRecord, error)
	Resolve(ctx context.Context, key model.ViewKey) error
	MarkFailed(ctx context.Context, key model.ViewKey, lastError string, maxAttempts int) error
}

// RetryDispatcher 定期从失败账本中取出到期的视图并重新计算
type RetryDispatcher struct {
	ledger      FailureLedger
	engine      Recomputer
	logger      *zap.Logger
	maxAttempts int
	interval    time.Duration
	batchSize   int
	now         func() time.Time
}

func NewRetryDispatcher(ledger FailureLedger, engine Recomputer, logger *zap.Logger) *RetryDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryDispatcher{
		ledger:      ledger,
		engine:      engine,
		logger:      logger,
		maxAttempts: 10,
		interval:    5 * time.Second,
		batchSize:   50,
		now:         time.Now,
	}
}

// WithMaxAttempts 设置最大重试次数，超过后标记为 dead
func (d *RetryDispatcher) WithMaxAttempts(n int) *RetryDispatcher {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

func (d *RetryDispatcher) WithInterval(interval time.Duration) *RetryDispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *RetryDispatcher) WithBatchSize(n int) *RetryDispatcher {
	if n > 0 {
		d.batchSize = n
	}
	return d
}

// Start blocks until ctx is cancelled.
func (d *RetryDispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting view retry dispatcher",
		zap.Int("max_attempts", d.maxAttempts),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("View retry dispatcher stopped")
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce retries one batch of due failures and returns how many it handled.
func (d *RetryDispatcher) RunOnce(ctx context.Context) int {
	due, err := d.ledger.GetDue(ctx, d.now(), d.batchSize)
	if err != nil {
		d.logger.Error("Failed to load due view failures", zap.Error(err))
		return 0
	}
	if len(due) == 0 {
		return 0
	}
	d.logger.Debug("Retrying failed views", zap.Int("count", len(due)))

	keys := make([]model.ViewKey, len(due))
	attempts := make(map[model.ViewKey]int, len(due))
	for i, f := range due {
		keys[i] = f.Key
		attempts[f.Key] = f.Attempts
	}

	res := d.engine.Recompute(ctx, keys)
	errs := make(map[model.ViewKey]error, len(res.Failures))
	for _, f := range res.Failures {
		errs[f.Key] = f.Err
	}

	for _, key := range keys {
		if ferr, failed := errs[key]; failed {
			status := "failed"
			if attempts[key]+1 >= d.maxAttempts {
				status = "dead"
				d.logger.Error("View retries exhausted",
					zap.String("view_key", key.String()),
					zap.Int("attempts", attempts[key]+1),
					zap.Error(ferr),
				)
			}
			metrics.IncrementRetry(status)
			if err := d.ledger.MarkFailed(ctx, key, ferr.Error(), d.maxAttempts); err != nil {
				d.logger.Error("Failed to mark view failure", zap.String("view_key", key.String()), zap.Error(err))
			}
			continue
		}

		metrics.IncrementRetry("success")
		if err := d.ledger.Resolve(ctx, key); err != nil {
			d.logger.Error("Failed to resolve view failure", zap.String("view_key", key.String()), zap.Error(err))
			continue
		}
		d.logger.Debug("View recovered", zap.String("view_key", key.String()))
	}
	return len(keys)
}
