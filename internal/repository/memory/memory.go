// Package memory holds in-process twins of the postgres repositories for tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskviews/internal/model"
)

// Sources is an in-memory task and user store.
type Sources struct {
	mu    sync.RWMutex
	tasks map[string]model.Task
	users map[string]model.User

	// Err, when set, fails every read.
	Err error
}

func NewSources() *Sources {
	return &Sources{
		tasks: make(map[string]model.Task),
		users: make(map[string]model.User),
	}
}

func (s *Sources) PutTask(t model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

func (s *Sources) DeleteTask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

func (s *Sources) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Sources) DeleteUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
}

func (s *Sources) GetTask(_ context.Context, id string) (model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return model.Task{}, s.Err
	}
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	return t, nil
}

func (s *Sources) ListTasksByUser(_ context.Context, userID string) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []model.Task
	for _, t := range s.tasks {
		if t.References(userID) {
			out = append(out, t)
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *Sources) ListTasks(_ context.Context) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sortTasks(out)
	return out, nil
}

func (s *Sources) GetUser(_ context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return model.User{}, s.Err
	}
	u, ok := s.users[id]
	if !ok {
		return model.User{}, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	return u, nil
}

func (s *Sources) GetUsersByIDs(_ context.Context, ids []string) (map[string]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make(map[string]model.User, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (s *Sources) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func sortTasks(tasks []model.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// Views is an in-memory view store.
type Views struct {
	mu        sync.RWMutex
	tasks     map[string]model.TaskView
	activity  map[string]model.UserActivityView
	dashboard *model.DashboardView

	// FailKeys makes writes and deletes of these keys fail.
	FailKeys map[model.ViewKey]error
	// Writes counts successful upserts per key.
	Writes map[model.ViewKey]int
}

func NewViews() *Views {
	return &Views{
		tasks:    make(map[string]model.TaskView),
		activity: make(map[string]model.UserActivityView),
		FailKeys: make(map[model.ViewKey]error),
		Writes:   make(map[model.ViewKey]int),
	}
}

// Fail makes every write of key return err until cleared with a nil err.
func (v *Views) Fail(key model.ViewKey, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err == nil {
		delete(v.FailKeys, key)
		return
	}
	v.FailKeys[key] = err
}

func (v *Views) UpsertTaskViews(_ context.Context, views []model.TaskView) []error {
	v.mu.Lock()
	defer v.mu.Unlock()
	errs := make([]error, len(views))
	for i, tv := range views {
		key := model.TaskViewKey(tv.ID)
		if err := v.FailKeys[key]; err != nil {
			errs[i] = err
			continue
		}
		// 与 Postgres 的 GREATEST 一致
		if old, ok := v.tasks[tv.ID]; ok && old.LastUpdated.After(tv.LastUpdated) {
			tv.LastUpdated = old.LastUpdated
		}
		v.tasks[tv.ID] = tv
		v.Writes[key]++
	}
	return errs
}

func (v *Views) DeleteTaskView(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.FailKeys[model.TaskViewKey(id)]; err != nil {
		return err
	}
	delete(v.tasks, id)
	return nil
}

func (v *Views) UpsertUserActivity(_ context.Context, av model.UserActivityView) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := model.UserActivityKey(av.ID)
	if err := v.FailKeys[key]; err != nil {
		return err
	}
	v.activity[av.ID] = av
	v.Writes[key]++
	return nil
}

func (v *Views) DeleteUserActivity(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.FailKeys[model.UserActivityKey(id)]; err != nil {
		return err
	}
	delete(v.activity, id)
	return nil
}

func (v *Views) UpsertDashboard(_ context.Context, d model.DashboardView) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := model.DashboardKey()
	if err := v.FailKeys[key]; err != nil {
		return err
	}
	v.dashboard = &d
	v.Writes[key]++
	return nil
}

func (v *Views) ListViewIDs(_ context.Context, viewType model.ViewType) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var ids []string
	switch viewType {
	case model.ViewTypeTask:
		for id := range v.tasks {
			ids = append(ids, id)
		}
	case model.ViewTypeUserActivity:
		for id := range v.activity {
			ids = append(ids, id)
		}
	case model.ViewTypeDashboard:
		if v.dashboard != nil {
			ids = append(ids, model.DashboardID)
		}
	default:
		return nil, fmt.Errorf("unknown view type %q", viewType)
	}
	sort.Strings(ids)
	return ids, nil
}

func (v *Views) GetTaskView(_ context.Context, id string) (model.TaskView, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	tv, ok := v.tasks[id]
	if !ok {
		return model.TaskView{}, fmt.Errorf("task_views: %w", model.ErrNotFound)
	}
	return tv, nil
}

// ListTaskViews and the filters below mirror the postgres orderings.
func (v *Views) ListTaskViews(_ context.Context, limit int) ([]model.TaskView, error) {
	out := v.filterTasks(func(model.TaskView) bool { return true })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *Views) ListTaskViewsForUser(_ context.Context, userID string) ([]model.TaskView, error) {
	return v.filterTasks(func(tv model.TaskView) bool {
		return tv.AssignedToUserID == userID || tv.CreatedByUserID == userID
	}), nil
}

func (v *Views) ListTaskViewsByStatus(_ context.Context, status model.TaskStatus) ([]model.TaskView, error) {
	return v.filterTasks(func(tv model.TaskView) bool { return tv.Status == status }), nil
}

func (v *Views) ListOverdueTaskViews(_ context.Context, now time.Time) ([]model.TaskView, error) {
	out := v.filterTasks(func(tv model.TaskView) bool {
		return tv.DueDate != nil && tv.DueDate.Before(now) && tv.Status != model.TaskStatusDone
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueDate.Before(*out[j].DueDate) })
	for i := range out {
		out[i].IsOverdue = true
	}
	return out, nil
}

func (v *Views) filterTasks(keep func(model.TaskView) bool) []model.TaskView {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]model.TaskView, 0, len(v.tasks))
	for _, tv := range v.tasks {
		if keep(tv) {
			out = append(out, tv)
		}
	}
	// created_at DESC, id
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListUserActivity orders by totalAssigned desc, then id.
func (v *Views) ListUserActivity(_ context.Context) ([]model.UserActivityView, error) {
	v.mu.RLock()
	out := make([]model.UserActivityView, 0, len(v.activity))
	for _, av := range v.activity {
		out = append(out, av)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalAssigned != out[j].TotalAssigned {
			return out[i].TotalAssigned > out[j].TotalAssigned
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *Views) TopPerformers(_ context.Context, n int) ([]model.UserActivityView, error) {
	v.mu.RLock()
	var out []model.UserActivityView
	for _, av := range v.activity {
		if av.TotalAssigned > 0 {
			out = append(out, av)
		}
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TasksCompleted != b.TasksCompleted {
			return a.TasksCompleted > b.TasksCompleted
		}
		switch {
		case a.AverageCompletionDays != nil && b.AverageCompletionDays == nil:
			return true
		case a.AverageCompletionDays == nil && b.AverageCompletionDays != nil:
			return false
		case a.AverageCompletionDays != nil && *a.AverageCompletionDays != *b.AverageCompletionDays:
			return *a.AverageCompletionDays < *b.AverageCompletionDays
		}
		return a.ID < b.ID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (v *Views) GetUserActivity(_ context.Context, id string) (model.UserActivityView, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	av, ok := v.activity[id]
	if !ok {
		return model.UserActivityView{}, fmt.Errorf("user_activity_views: %w", model.ErrNotFound)
	}
	return av, nil
}

func (v *Views) GetDashboard(_ context.Context) (model.DashboardView, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.dashboard == nil {
		return model.DashboardView{}, fmt.Errorf("dashboard_view: %w", model.ErrNotFound)
	}
	return *v.dashboard, nil
}

// Failures is an in-memory retry ledger.
type Failures struct {
	mu      sync.Mutex
	entries map[model.ViewKey]*model.ViewFailureRecord
	now     func() time.Time

	// Err, when set, fails Record.
	Err error
}

func NewFailures() *Failures {
	return &Failures{entries: make(map[model.ViewKey]*model.ViewFailureRecord), now: time.Now}
}

func (f *Failures) Record(_ context.Context, failures []model.ViewFailureRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	now := f.now()
	for _, in := range failures {
		e, ok := f.entries[in.Key]
		if !ok {
			e = &model.ViewFailureRecord{Key: in.Key, CreatedAt: now, NextRetryAt: now}
			f.entries[in.Key] = e
		}
		e.Status = model.FailurePending
		e.LastError = in.LastError
		e.UpdatedAt = now
	}
	return nil
}

func (f *Failures) GetDue(_ context.Context, now time.Time, limit int) ([]model.ViewFailureRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ViewFailureRecord
	for _, e := range f.entries {
		if e.Status == model.FailurePending && !e.NextRetryAt.After(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRetryAt.Equal(out[j].NextRetryAt) {
			return out[i].NextRetryAt.Before(out[j].NextRetryAt)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Failures) List(_ context.Context, status model.FailureStatus, limit int) ([]model.ViewFailureRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ViewFailureRecord
	for _, e := range f.entries {
		if status == "" || e.Status == status {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Failures) Resolve(_ context.Context, key model.ViewKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func (f *Failures) MarkFailed(_ context.Context, key model.ViewKey, lastError string, maxAttempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return nil
	}
	e.Attempts++
	e.LastError = lastError
	e.UpdatedAt = f.now()
	e.NextRetryAt = e.UpdatedAt.Add(time.Duration(e.Attempts) * model.FailureBackoff)
	if e.Attempts >= maxAttempts {
		e.Status = model.FailureDead
	}
	return nil
}

func (f *Failures) Replay(_ context.Context, key model.ViewKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return fmt.Errorf("view failure %s: %w", key, model.ErrNotFound)
	}
	e.Status = model.FailurePending
	e.Attempts = 0
	e.NextRetryAt = f.now()
	return nil
}

// Get returns the ledger entry for key.
func (f *Failures) Get(key model.ViewKey) (model.ViewFailureRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return model.ViewFailureRecord{}, false
	}
	return *e, true
}

// ErrInjected is a convenience error for fault injection in tests.
var ErrInjected = errors.New("injected failure")
