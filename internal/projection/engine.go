package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"taskviews/internal/model"
	"taskviews/pkg/metrics"
)

// TaskSource 读取任务当前状态
type TaskSource interface {
	GetTask(ctx context.Context, id string) (model.Task, error)
	// ListTasksByUser returns every task whose assignee or creator is userID.
	ListTasksByUser(ctx context.Context, userID string) ([]model.Task, error)
	ListTasks(ctx context.Context) ([]model.Task, error)
}

// UserSource 读取用户当前状态
type UserSource interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	// GetUsersByIDs 不存在的 id 不出现在结果中
	GetUsersByIDs(ctx context.Context, ids []string) (map[string]model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

// ViewStore 视图持久化，删除不存在的视图不算错误
type ViewStore interface {
	// UpsertTaskViews 每个视图对应一个错误位，已存储的 lastUpdated 不会被调低
	UpsertTaskViews(ctx context.Context, views []model.TaskView) []error
	DeleteTaskView(ctx context.Context, id string) error
	UpsertUserActivity(ctx context.Context, v model.UserActivityView) error
	DeleteUserActivity(ctx context.Context, id string) error
	UpsertDashboard(ctx context.Context, v model.DashboardView) error
}

type Config struct {
	// TaskViewBatchSize 每次往返写入的任务视图上限
	TaskViewBatchSize int
	// LegacyCompletionTimestamp attributes completions to updatedAt even when
	// completedAt is set.
	LegacyCompletionTimestamp bool
	DashboardDebounce         time.Duration
	DashboardTimeout          time.Duration
	DashboardLockTTL          time.Duration
}

func DefaultConfig() Config {
	return Config{
		TaskViewBatchSize: 100,
		DashboardTimeout:  30 * time.Second,
		DashboardLockTTL:  time.Minute,
	}
}

type Option func(*Engine)

// WithClock 替换 time.Now，主要用于测试
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocker 跨进程串行化仪表盘刷新
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.dashboard.lock = l }
}

// Engine turns task and user mutations into view writes. Every view is
// recomputed in full from source state, so applying the same mutation twice
// yields the same documents.
type Engine struct {
	tasks     TaskSource
	users     UserSource
	views     ViewStore
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
	dashboard *dashboardCoalescer
}

func NewEngine(tasks TaskSource, users UserSource, views ViewStore, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.TaskViewBatchSize <= 0 {
		cfg.TaskViewBatchSize = def.TaskViewBatchSize
	}
	if cfg.DashboardTimeout <= 0 {
		cfg.DashboardTimeout = def.DashboardTimeout
	}
	if cfg.DashboardLockTTL <= 0 {
		cfg.DashboardLockTTL = def.DashboardLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		tasks:  tasks,
		users:  users,
		views:  views,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
	e.dashboard = &dashboardCoalescer{
		refresh:  e.computeDashboard,
		debounce: cfg.DashboardDebounce,
		timeout:  cfg.DashboardTimeout,
		lockTTL:  cfg.DashboardLockTTL,
		lockPoll: 100 * time.Millisecond,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyTaskMutation projects the current state of task into its task view,
// the activity views of its assignee and creator, and the dashboard.
func (e *Engine) ApplyTaskMutation(ctx context.Context, task model.Task) (*Result, error) {
	return e.applyTask(ctx, task, nil)
}

// ApplyTaskChange projects a typed task mutation. Users dropped from the task
// by the change get their activity views recomputed as well.
func (e *Engine) ApplyTaskChange(ctx context.Context, m model.TaskMutation) (*Result, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Kind == model.MutationDeleted {
		return e.ApplyTaskDeletion(ctx, *m.Before)
	}
	return e.applyTask(ctx, *m.After, m.Before)
}

func (e *Engine) applyTask(ctx context.Context, task model.Task, before *model.Task) (*Result, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	current, err := e.tasks.GetTask(ctx, task.ID)
	if errors.Is(err, model.ErrNotFound) {
		e.logger.Warn("Task no longer in source, projecting deletion", zap.String("task_id", task.ID))
		return e.ApplyTaskDeletion(ctx, task)
	}
	if err != nil {
		err = fmt.Errorf("resolve task %s: %w", task.ID, err)
		return failedResult(TaskChangeFanOut(before, task), err), err
	}

	res := NewResult()
	e.writeTaskViews(ctx, res, []model.Task{current}, nil, time.Time{})

	ids := current.UserIDs()
	if before != nil {
		for _, id := range before.UserIDs() {
			if !current.References(id) {
				ids = append(ids, id)
			}
		}
	}
	for _, id := range ids {
		e.refreshActivity(ctx, res, id, false)
	}
	e.refreshDashboard(ctx, res)
	return res.finish(), nil
}

// ApplyTaskDeletion 删除任务视图，并重算统计过该任务的视图
func (e *Engine) ApplyTaskDeletion(ctx context.Context, task model.Task) (*Result, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	res := NewResult()
	e.deleteView(ctx, res, model.TaskViewKey(task.ID))
	for _, id := range task.UserIDs() {
		e.refreshActivity(ctx, res, id, false)
	}
	e.refreshDashboard(ctx, res)
	return res.finish(), nil
}

// ApplyUserMutation projects the current state of user into its activity
// view, every task view referencing it, and the dashboard. Referencing task
// views are rebuilt as one batch.
func (e *Engine) ApplyUserMutation(ctx context.Context, user model.User) (*Result, error) {
	if err := user.Validate(); err != nil {
		return nil, err
	}

	current, err := e.users.GetUser(ctx, user.ID)
	if errors.Is(err, model.ErrNotFound) {
		e.logger.Warn("User no longer in source, projecting deletion", zap.String("user_id", user.ID))
		return e.ApplyUserDeletion(ctx, user, user.UpdatedAt)
	}
	if err != nil {
		err = fmt.Errorf("resolve user %s: %w", user.ID, err)
		return failedResult(UserFanOut(user.ID, nil), err), err
	}

	tasks, err := e.tasks.ListTasksByUser(ctx, user.ID)
	if err != nil {
		err = fmt.Errorf("list tasks of user %s: %w", user.ID, err)
		return failedResult(UserFanOut(user.ID, nil), err), err
	}

	res := NewResult()
	e.writeActivity(ctx, res, current, tasks)
	e.writeTaskViews(ctx, res, tasks, func(users map[string]model.User) {
		users[current.ID] = current
	}, time.Time{})
	e.refreshDashboard(ctx, res)
	return res.finish(), nil
}

// ApplyUserDeletion 删除用户活动视图，引用该用户的任务视图改为非活跃占位用户
func (e *Engine) ApplyUserDeletion(ctx context.Context, user model.User, deletedAt time.Time) (*Result, error) {
	if err := user.Validate(); err != nil {
		return nil, err
	}

	tasks, err := e.tasks.ListTasksByUser(ctx, user.ID)
	if err != nil {
		err = fmt.Errorf("list tasks of user %s: %w", user.ID, err)
		return failedResult(UserFanOut(user.ID, nil), err), err
	}

	res := NewResult()
	e.deleteView(ctx, res, model.UserActivityKey(user.ID))
	e.writeTaskViews(ctx, res, tasks, func(users map[string]model.User) {
		delete(users, user.ID)
	}, deletedAt)
	e.refreshDashboard(ctx, res)
	return res.finish(), nil
}

// ApplyUserChange 投影一次用户变更
func (e *Engine) ApplyUserChange(ctx context.Context, m model.UserMutation) (*Result, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Kind == model.MutationDeleted {
		deletedAt := m.OccurredAt
		if deletedAt.IsZero() {
			deletedAt = m.Before.UpdatedAt
		}
		return e.ApplyUserDeletion(ctx, *m.Before, deletedAt)
	}
	return e.ApplyUserMutation(ctx, *m.After)
}

// Recompute rebuilds the given views from current source state. Views whose
// source entity is gone are deleted.
func (e *Engine) Recompute(ctx context.Context, keys []model.ViewKey) *Result {
	res := NewResult()
	var tasks []model.Task
	dashboard := false

	for _, k := range keys {
		switch k.Type {
		case model.ViewTypeTask:
			t, err := e.tasks.GetTask(ctx, k.ID)
			switch {
			case errors.Is(err, model.ErrNotFound):
				e.deleteView(ctx, res, k)
			case err != nil:
				res.record(k, "", fmt.Errorf("resolve task: %w", err))
			default:
				tasks = append(tasks, t)
			}
		case model.ViewTypeUserActivity:
			e.refreshActivity(ctx, res, k.ID, true)
		case model.ViewTypeDashboard:
			dashboard = true
		default:
			res.record(k, "", fmt.Errorf("unknown view type %q", k.Type))
		}
	}
	e.writeTaskViews(ctx, res, tasks, nil, time.Time{})
	if dashboard {
		e.refreshDashboard(ctx, res)
	}
	return res.finish()
}

// ProjectTasks 分批写入任务视图
func (e *Engine) ProjectTasks(ctx context.Context, tasks []model.Task) *Result {
	res := NewResult()
	e.writeTaskViews(ctx, res, tasks, nil, time.Time{})
	return res.finish()
}

// ProjectUserActivity writes the activity view of user from tasks, which
// must be every task referencing the user.
func (e *Engine) ProjectUserActivity(ctx context.Context, user model.User, tasks []model.Task) *Result {
	res := NewResult()
	e.writeActivity(ctx, res, user, tasks)
	return res.finish()
}

// RefreshDashboard 经合并器重算仪表盘
func (e *Engine) RefreshDashboard(ctx context.Context) *Result {
	res := NewResult()
	e.refreshDashboard(ctx, res)
	return res.finish()
}

// DeleteViews 删除指定的任务视图和活动视图
func (e *Engine) DeleteViews(ctx context.Context, keys []model.ViewKey) *Result {
	res := NewResult()
	for _, k := range keys {
		e.deleteView(ctx, res, k)
	}
	return res.finish()
}

func (e *Engine) writeTaskViews(ctx context.Context, res *Result, tasks []model.Task, adjust func(map[string]model.User), floor time.Time) {
	if len(tasks) == 0 {
		return
	}

	users, err := e.users.GetUsersByIDs(ctx, referencedUserIDs(tasks))
	if err != nil {
		err = fmt.Errorf("resolve users: %w", err)
		for _, t := range tasks {
			e.recordWrite(res, model.TaskViewKey(t.ID), err)
		}
		return
	}
	if adjust != nil {
		adjust(users)
	}

	now := e.now()
	size := e.cfg.TaskViewBatchSize
	for start := 0; start < len(tasks); start += size {
		chunk := tasks[start:min(start+size, len(tasks))]
		views := make([]model.TaskView, len(chunk))
		for i, t := range chunk {
			views[i] = BuildTaskView(t,
				e.lookupUser(users, t.AssignedToUserID, t.ID),
				e.lookupUser(users, t.CreatedByUserID, t.ID),
				now, floor)
		}
		errs := e.views.UpsertTaskViews(ctx, views)
		for i, v := range views {
			var werr error
			if i < len(errs) {
				werr = errs[i]
			}
			e.recordWrite(res, model.TaskViewKey(v.ID), werr)
		}
	}
}

func (e *Engine) lookupUser(users map[string]model.User, id, taskID string) *model.User {
	if u, ok := users[id]; ok {
		return &u
	}
	if id != "" {
		e.logger.Warn("Referenced user missing, using placeholder",
			zap.String("user_id", id),
			zap.String("task_id", taskID),
		)
	}
	return nil
}

func (e *Engine) refreshActivity(ctx context.Context, res *Result, userID string, deleteMissing bool) {
	key := model.UserActivityKey(userID)
	user, err := e.users.GetUser(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		if deleteMissing {
			e.deleteView(ctx, res, key)
			return
		}
		e.logger.Warn("User missing, activity view not written", zap.String("user_id", userID))
		res.record(key, OutcomeSkipped, nil)
		return
	}
	if err != nil {
		e.recordWrite(res, key, fmt.Errorf("resolve user: %w", err))
		return
	}

	tasks, err := e.tasks.ListTasksByUser(ctx, userID)
	if err != nil {
		e.recordWrite(res, key, fmt.Errorf("list tasks: %w", err))
		return
	}
	e.writeActivity(ctx, res, user, tasks)
}

func (e *Engine) writeActivity(ctx context.Context, res *Result, user model.User, tasks []model.Task) {
	v := BuildUserActivityView(user, tasks, e.now(), e.cfg.LegacyCompletionTimestamp)
	e.recordWrite(res, model.UserActivityKey(user.ID), e.views.UpsertUserActivity(ctx, v))
}

func (e *Engine) refreshDashboard(ctx context.Context, res *Result) {
	e.recordWrite(res, model.DashboardKey(), e.dashboard.Request(ctx))
}

func (e *Engine) computeDashboard(ctx context.Context) error {
	tasks, err := e.tasks.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	users, err := e.users.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	v := BuildDashboardView(tasks, users, e.now(), e.cfg.LegacyCompletionTimestamp)
	return e.views.UpsertDashboard(ctx, v)
}

func (e *Engine) deleteView(ctx context.Context, res *Result, key model.ViewKey) {
	var err error
	switch key.Type {
	case model.ViewTypeTask:
		err = e.views.DeleteTaskView(ctx, key.ID)
	case model.ViewTypeUserActivity:
		err = e.views.DeleteUserActivity(ctx, key.ID)
	default:
		err = fmt.Errorf("view type %q cannot be deleted", key.Type)
	}
	outcome := OutcomeDeleted
	if err != nil {
		outcome = OutcomeFailed
		e.logger.Error("Failed to delete view", zap.String("view_key", key.String()), zap.Error(err))
	}
	metrics.IncrementViewWrite(string(key.Type), string(outcome))
	res.record(key, OutcomeDeleted, err)
}

func (e *Engine) recordWrite(res *Result, key model.ViewKey, err error) {
	outcome := OutcomeWritten
	if err != nil {
		outcome = OutcomeFailed
		e.logger.Error("Failed to update view", zap.String("view_key", key.String()), zap.Error(err))
	}
	metrics.IncrementViewWrite(string(key.Type), string(outcome))
	res.record(key, OutcomeWritten, err)
}

func failedResult(keys []model.ViewKey, err error) *Result {
	res := NewResult()
	for _, k := range keys {
		res.record(k, "", err)
	}
	return res.finish()
}

func referencedUserIDs(tasks []model.Task) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, t := range tasks {
		for _, id := range t.UserIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
