package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskviews/internal/model"
	"taskviews/internal/projection"
	"taskviews/pkg/metrics"
	"taskviews/pkg/otel"
)

// ErrRebuildInProgress 其他重建正持有租约
var ErrRebuildInProgress = errors.New("rebuild already in progress")

const (
	rebuildLockKey = "lock:views:rebuild"
	taskChunkSize  = 500
)

// Projector is the subset of the projection engine a rebuild drives.
type Projector interface {
	ProjectTasks(ctx context.Context, tasks []model.Task) *projection.Result
	ProjectUserActivity(ctx context.Context, user model.User, tasks []model.Task) *projection.Result
	RefreshDashboard(ctx context.Context) *projection.Result
	DeleteViews(ctx context.Context, keys []model.ViewKey) *projection.Result
}

type ViewLister interface {
	ListViewIDs(ctx context.Context, viewType model.ViewType) ([]string, error)
}

type FailureRecorder interface {
	Record(ctx context.Context, failures []model.ViewFailureRecord) error
}

// Summary 一次重建的结果摘要
type Summary struct {
	Trigger  string        `json:"trigger"`
	Tasks    int           `json:"tasks"`
	Users    int           `json:"users"`
	Written  int           `json:"written"`
	Deleted  int           `json:"deleted"`
	Failed   int           `json:"failed"`
	Failures []string      `json:"failures,omitempty"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message"`

	result *projection.Result
}

type Options struct {
	Parallelism int
	// Lock 跨副本串行化重建，nil 时只在进程内互斥
	Lock     projection.Locker
	LockTTL  time.Duration
	Failures FailureRecorder
}

// Coordinator 从源数据重算所有视图，不读取旧视图内容，可随时中断重跑
type Coordinator struct {
	tasks     projection.TaskSource
	users     projection.UserSource
	views     ViewLister
	projector Projector
	opts      Options
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
}

func NewCoordinator(tasks projection.TaskSource, users projection.UserSource, views ViewLister, projector Projector, opts Options, logger *zap.Logger) *Coordinator {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		tasks:     tasks,
		users:     users,
		views:     views,
		projector: projector,
		opts:      opts,
		logger:    logger,
	}
}

// Rebuild projects every task and user, refreshes the dashboard and deletes
// views whose source entity is gone. Per-entity failures are logged, recorded
// for retry and counted in the summary; the returned error is reserved for
// failures that stop the run as a whole.
func (c *Coordinator) Rebuild(ctx context.Context, trigger string) (*Summary, error) {
	if !c.begin() {
		return nil, ErrRebuildInProgress
	}
	defer c.end()

	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := otel.StartSpan(ctx, "views.rebuild")
	span.SetAttributes(attribute.String("rebuild.trigger", trigger))

	start := time.Now()
	summary, err := c.run(ctx)
	summary.Trigger = trigger
	summary.Duration = time.Since(start)

	status := "success"
	switch {
	case err != nil:
		status = "failed"
		summary.Message = fmt.Sprintf("rebuild aborted after %s: %v", summary.Duration.Round(time.Millisecond), err)
		c.logger.Error("View rebuild failed", zap.String("trigger", trigger), zap.Error(err))
	case summary.Failed > 0:
		status = "partial"
		summary.Message = fmt.Sprintf("rebuilt %d tasks and %d users in %s; %d views failed and were queued for retry",
			summary.Tasks, summary.Users, summary.Duration.Round(time.Millisecond), summary.Failed)
	default:
		summary.Message = fmt.Sprintf("rebuilt %d tasks and %d users in %s: %d views written, %d deleted",
			summary.Tasks, summary.Users, summary.Duration.Round(time.Millisecond), summary.Written, summary.Deleted)
	}
	metrics.RecordRebuild(trigger, status, summary.Duration)
	span.SetAttributes(
		attribute.Int("rebuild.tasks", summary.Tasks),
		attribute.Int("rebuild.users", summary.Users),
		attribute.Int("rebuild.failed", summary.Failed),
	)
	otel.EndSpan(span, err)

	if err != nil {
		return summary, err
	}

	if c.opts.Failures != nil && summary.result != nil {
		if rerr := c.opts.Failures.Record(ctx, summary.result.FailureRecords()); rerr != nil {
			c.logger.Error("Failed to record rebuild failures", zap.Error(rerr))
		}
	}
	c.logger.Info("View rebuild finished",
		zap.String("trigger", trigger),
		zap.Int("tasks", summary.Tasks),
		zap.Int("users", summary.Users),
		zap.Int("written", summary.Written),
		zap.Int("deleted", summary.Deleted),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (c *Coordinator) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	c.running = true
	return true
}

func (c *Coordinator) end() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Coordinator) acquire(ctx context.Context) (func(), error) {
	if c.opts.Lock == nil {
		return func() {}, nil
	}
	release, ok, err := c.opts.Lock.Acquire(ctx, rebuildLockKey, c.opts.LockTTL)
	if err != nil {
		c.logger.Warn("Rebuild lease unavailable, continuing without it", zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		return nil, ErrRebuildInProgress
	}
	return release, nil
}

func (c *Coordinator) run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	tasks, err := c.tasks.ListTasks(ctx)
	if err != nil {
		return summary, fmt.Errorf("list tasks: %w", err)
	}
	users, err := c.users.ListUsers(ctx)
	if err != nil {
		return summary, fmt.Errorf("list users: %w", err)
	}
	sortByCreation(tasks, users)
	summary.Tasks = len(tasks)
	summary.Users = len(users)

	byUser := make(map[string][]model.Task, len(users))
	for _, t := range tasks {
		for _, id := range t.UserIDs() {
			byUser[id] = append(byUser[id], t)
		}
	}

	var mu sync.Mutex
	total := projection.NewResult()
	merge := func(r *projection.Result) {
		for _, f := range r.Failures {
			c.logger.Warn("View failed during rebuild", zap.String("view_key", f.Key.String()), zap.Error(f.Err))
		}
		mu.Lock()
		total.Merge(r)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Parallelism)
	for start := 0; start < len(tasks); start += taskChunkSize {
		chunk := tasks[start:min(start+taskChunkSize, len(tasks))]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			merge(c.projector.ProjectTasks(gctx, chunk))
			return nil
		})
	}
	for _, u := range users {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			merge(c.projector.ProjectUserActivity(gctx, u, byUser[u.ID]))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	merge(c.projector.RefreshDashboard(ctx))

	candidates, err := c.orphans(ctx, tasks, users)
	if err != nil {
		return summary, err
	}
	orphans, err := c.confirmOrphans(ctx, candidates)
	if err != nil {
		return summary, err
	}
	if len(orphans) > 0 {
		c.logger.Info("Deleting orphaned views", zap.Int("count", len(orphans)))
		merge(c.projector.DeleteViews(ctx, orphans))
	}

	summary.result = total
	summary.Written = len(total.Keyed(projection.OutcomeWritten))
	summary.Deleted = len(total.Keyed(projection.OutcomeDeleted))
	failed := total.Keyed(projection.OutcomeFailed)
	summary.Failed = len(failed)
	for _, k := range failed {
		summary.Failures = append(summary.Failures, k.String())
	}
	return summary, nil
}

// orphans 找出快照中没有对应源实体的任务视图和活动视图
func (c *Coordinator) orphans(ctx context.Context, tasks []model.Task, users []model.User) ([]model.ViewKey, error) {
	taskIDs := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		taskIDs[t.ID] = struct{}{}
	}
	userIDs := make(map[string]struct{}, len(users))
	for _, u := range users {
		userIDs[u.ID] = struct{}{}
	}

	var out []model.ViewKey
	for _, check := range []struct {
		typ  model.ViewType
		live map[string]struct{}
		key  func(string) model.ViewKey
	}{
		{model.ViewTypeTask, taskIDs, model.TaskViewKey},
		{model.ViewTypeUserActivity, userIDs, model.UserActivityKey},
	} {
		ids, err := c.views.ListViewIDs(ctx, check.typ)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", check.typ, err)
		}
		for _, id := range ids {
			if _, ok := check.live[id]; !ok {
				out = append(out, check.key(id))
			}
		}
	}
	return out, nil
}

// confirmOrphans 重新查询源数据，只保留确实已不存在的实体。
// 快照之后由实时变更创建的任务和用户已经有视图，不能删除
func (c *Coordinator) confirmOrphans(ctx context.Context, candidates []model.ViewKey) ([]model.ViewKey, error) {
	var taskKeys []model.ViewKey
	var userIDs []string
	for _, k := range candidates {
		switch k.Type {
		case model.ViewTypeTask:
			taskKeys = append(taskKeys, k)
		case model.ViewTypeUserActivity:
			userIDs = append(userIDs, k.ID)
		}
	}

	var out []model.ViewKey
	if len(userIDs) > 0 {
		live, err := c.users.GetUsersByIDs(ctx, userIDs)
		if err != nil {
			return nil, fmt.Errorf("recheck orphaned users: %w", err)
		}
		for _, id := range userIDs {
			if _, ok := live[id]; !ok {
				out = append(out, model.UserActivityKey(id))
			}
		}
	}

	gone := make([]bool, len(taskKeys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Parallelism)
	for i, k := range taskKeys {
		g.Go(func() error {
			_, err := c.tasks.GetTask(gctx, k.ID)
			switch {
			case errors.Is(err, model.ErrNotFound):
				gone[i] = true
			case err != nil:
				return fmt.Errorf("recheck orphaned task %s: %w", k.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, k := range taskKeys {
		if gone[i] {
			out = append(out, k)
		}
	}

	if kept := len(candidates) - len(out); kept > 0 {
		c.logger.Info("Views created after the source snapshot kept", zap.Int("count", kept))
	}
	return out, nil
}

func sortByCreation(tasks []model.Task, users []model.User) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	sort.SliceStable(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].ID < users[j].ID
	})
}
