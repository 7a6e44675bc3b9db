package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"taskviews/internal/model"
	"taskviews/internal/projection"
	"taskviews/internal/repository/memory"
)

var now = time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)

type fixture struct {
	src      *memory.Sources
	views    *memory.Views
	failures *memory.Failures
	engine   *projection.Engine
	coord    *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{src: memory.NewSources(), views: memory.NewViews(), failures: memory.NewFailures()}
	f.engine = projection.NewEngine(f.src, f.src, f.views, projection.DefaultConfig(), nil,
		projection.WithClock(func() time.Time { return now }))
	f.coord = NewCoordinator(f.src, f.src, f.views, f.engine, Options{Parallelism: 3, Failures: f.failures}, nil)
	return f
}

func (f *fixture) seed(users, tasks int) {
	for i := 0; i < users; i++ {
		f.src.PutUser(model.User{
			ID: fmt.Sprintf("u%d", i), FirstName: "User", LastName: fmt.Sprint(i),
			Email: fmt.Sprintf("u%d@example.com", i), Role: model.UserRoleUser, IsActive: true,
			CreatedAt: now.Add(-time.Duration(100-i) * time.Hour), UpdatedAt: now.Add(-time.Duration(50-i) * time.Hour),
		})
	}
	statuses := []model.TaskStatus{model.TaskStatusTodo, model.TaskStatusInProgress, model.TaskStatusDone, model.TaskStatusReview}
	for i := 0; i < tasks; i++ {
		created := now.Add(-time.Duration(i*7) * time.Hour)
		f.src.PutTask(model.Task{
			ID: fmt.Sprintf("t%03d", i), Title: "task", Status: statuses[i%len(statuses)],
			AssignedToUserID: fmt.Sprintf("u%d", i%users), CreatedByUserID: fmt.Sprintf("u%d", (i+1)%users),
			CreatedAt: created, UpdatedAt: created.Add(3 * time.Hour), Tags: []string{},
		})
	}
}

func (f *fixture) snapshot(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	state := map[string]any{}
	for _, typ := range []model.ViewType{model.ViewTypeTask, model.ViewTypeUserActivity} {
		ids, err := f.views.ListViewIDs(ctx, typ)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, id := range ids {
			var v any
			if typ == model.ViewTypeTask {
				v, err = f.views.GetTaskView(ctx, id)
			} else {
				v, err = f.views.GetUserActivity(ctx, id)
			}
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			state[string(typ)+"/"+id] = v
		}
	}
	d, err := f.views.GetDashboard(ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	state["dashboard"] = d
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestRebuildConverges(t *testing.T) {
	f := newFixture(t)
	f.seed(5, 40)

	first, err := f.coord.Rebuild(context.Background(), "test")
	if err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	if first.Tasks != 40 || first.Users != 5 || first.Failed != 0 {
		t.Fatalf("summary = %+v", first)
	}
	if first.Written != 40+5+1 {
		t.Errorf("written = %d, want 46", first.Written)
	}
	a := f.snapshot(t)

	if _, err := f.coord.Rebuild(context.Background(), "test"); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	if b := f.snapshot(t); a != b {
		t.Fatal("second rebuild changed view content")
	}
}

func TestRebuildMatchesLiveProjection(t *testing.T) {
	live := newFixture(t)
	live.seed(4, 20)
	ctx := context.Background()
	tasks, _ := live.src.ListTasks(ctx)
	for i := len(tasks) - 1; i >= 0; i-- {
		if _, err := live.engine.ApplyTaskMutation(ctx, tasks[i]); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	rebuilt := newFixture(t)
	rebuilt.seed(4, 20)
	if _, err := rebuilt.coord.Rebuild(ctx, "test"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if live.snapshot(t) != rebuilt.snapshot(t) {
		t.Fatal("rebuild and live projection disagree")
	}
}

func TestRebuildRepairsDriftAndPrunesOrphans(t *testing.T) {
	f := newFixture(t)
	f.seed(3, 9)
	ctx := context.Background()
	if _, err := f.coord.Rebuild(ctx, "test"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	want := f.snapshot(t)

	stale := model.TaskView{ID: "t000", Title: "drifted"}
	f.views.UpsertTaskViews(ctx, []model.TaskView{stale, {ID: "ghost-task"}})
	_ = f.views.UpsertUserActivity(ctx, model.UserActivityView{ID: "ghost-user"})

	summary, err := f.coord.Rebuild(ctx, "test")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if summary.Deleted != 2 {
		t.Errorf("deleted = %d, want 2", summary.Deleted)
	}
	if got := f.snapshot(t); got != want {
		t.Fatal("rebuild did not restore the converged state")
	}
}

// liveWrites 在重建列出视图之前插入一次实时变更
type liveWrites struct {
	*memory.Views
	once  bool
	write func()
}

func (l *liveWrites) ListViewIDs(ctx context.Context, typ model.ViewType) ([]string, error) {
	if !l.once {
		l.once = true
		l.write()
	}
	return l.Views.ListViewIDs(ctx, typ)
}

func TestRebuildKeepsViewsCreatedDuringRun(t *testing.T) {
	f := newFixture(t)
	f.seed(2, 4)
	ctx := context.Background()

	lister := &liveWrites{Views: f.views, write: func() {
		f.src.PutUser(model.User{ID: "u-new", FirstName: "New", IsActive: true, CreatedAt: now, UpdatedAt: now})
		task := model.Task{
			ID: "t-new", Title: "late", Status: model.TaskStatusTodo,
			AssignedToUserID: "u-new", CreatedByUserID: "u0",
			CreatedAt: now, UpdatedAt: now,
		}
		f.src.PutTask(task)
		if _, err := f.engine.ApplyTaskMutation(ctx, task); err != nil {
			t.Errorf("live mutation: %v", err)
		}
	}}
	f.coord = NewCoordinator(f.src, f.src, lister, f.engine, Options{Parallelism: 3, Failures: f.failures}, nil)
	f.views.UpsertTaskViews(ctx, []model.TaskView{{ID: "ghost-task"}})

	summary, err := f.coord.Rebuild(ctx, "test")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if summary.Tasks != 4 {
		t.Fatalf("tasks = %d, want the pre-mutation snapshot of 4", summary.Tasks)
	}
	if summary.Deleted != 1 {
		t.Errorf("deleted = %d, want only ghost-task", summary.Deleted)
	}
	if _, err := f.views.GetTaskView(ctx, "t-new"); err != nil {
		t.Errorf("task t-new exists in source but its view was deleted: %v", err)
	}
	if _, err := f.views.GetUserActivity(ctx, "u-new"); err != nil {
		t.Errorf("user u-new exists in source but its view was deleted: %v", err)
	}
	if _, err := f.views.GetTaskView(ctx, "ghost-task"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("ghost-task survived: %v", err)
	}
}

func TestRebuildAbortsWhenOrphanRecheckFails(t *testing.T) {
	f := newFixture(t)
	f.seed(2, 2)
	ctx := context.Background()
	f.views.UpsertTaskViews(ctx, []model.TaskView{{ID: "ghost-task"}})

	lister := &liveWrites{Views: f.views, write: func() { f.src.Err = memory.ErrInjected }}
	f.coord = NewCoordinator(f.src, f.src, lister, f.engine, Options{Parallelism: 3}, nil)

	if _, err := f.coord.Rebuild(ctx, "test"); !errors.Is(err, memory.ErrInjected) {
		t.Fatalf("err = %v, want the recheck error", err)
	}
	if _, err := f.views.GetTaskView(ctx, "ghost-task"); err != nil {
		t.Errorf("view deleted without confirmation: %v", err)
	}
}

func TestRebuildSkipsFailedViews(t *testing.T) {
	f := newFixture(t)
	f.seed(3, 6)
	f.views.Fail(model.TaskViewKey("t002"), memory.ErrInjected)
	f.views.Fail(model.UserActivityKey("u1"), memory.ErrInjected)

	summary, err := f.coord.Rebuild(context.Background(), "test")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if summary.Failed != 2 {
		t.Fatalf("failed = %d, want 2 (%v)", summary.Failed, summary.Failures)
	}
	if summary.Written != 6+3+1-2 {
		t.Errorf("written = %d", summary.Written)
	}
	for _, k := range []model.ViewKey{model.TaskViewKey("t002"), model.UserActivityKey("u1")} {
		if _, ok := f.failures.Get(k); !ok {
			t.Errorf("%s not queued for retry", k)
		}
	}
}

func TestRebuildFailsWhenSourceUnavailable(t *testing.T) {
	f := newFixture(t)
	f.seed(2, 2)
	f.src.Err = memory.ErrInjected

	summary, err := f.coord.Rebuild(context.Background(), "test")
	if !errors.Is(err, memory.ErrInjected) {
		t.Fatalf("err = %v", err)
	}
	if summary == nil || summary.Message == "" {
		t.Fatalf("summary = %+v", summary)
	}
}

type busyLock struct{}

func (busyLock) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

func TestRebuildRespectsLease(t *testing.T) {
	f := newFixture(t)
	f.coord.opts.Lock = busyLock{}
	if _, err := f.coord.Rebuild(context.Background(), "test"); !errors.Is(err, ErrRebuildInProgress) {
		t.Fatalf("err = %v, want ErrRebuildInProgress", err)
	}
}

func TestRebuildRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t)
	if !f.coord.begin() {
		t.Fatal("begin failed")
	}
	defer f.coord.end()
	if _, err := f.coord.Rebuild(context.Background(), "test"); !errors.Is(err, ErrRebuildInProgress) {
		t.Fatalf("err = %v, want ErrRebuildInProgress", err)
	}
}
