package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"taskviews/internal/model"
	"taskviews/internal/repository/memory"
)

type fixture struct {
	src    *memory.Sources
	views  *memory.Views
	engine *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{src: memory.NewSources(), views: memory.NewViews()}
	f.engine = NewEngine(f.src, f.src, f.views, cfg, nil, WithClock(func() time.Time { return now }))
	return f
}

func (f *fixture) snapshot(t *testing.T) []byte {
	t.Helper()
	ctx := context.Background()
	state := map[string]any{}
	for _, typ := range []model.ViewType{model.ViewTypeTask, model.ViewTypeUserActivity} {
		ids, err := f.views.ListViewIDs(ctx, typ)
		if err != nil {
			t.Fatalf("list ids: %v", err)
		}
		for _, id := range ids {
			var v any
			if typ == model.ViewTypeTask {
				v, err = f.views.GetTaskView(ctx, id)
			} else {
				v, err = f.views.GetUserActivity(ctx, id)
			}
			if err != nil {
				t.Fatalf("get %s/%s: %v", typ, id, err)
			}
			state[string(typ)+"/"+id] = v
		}
	}
	if d, err := f.views.GetDashboard(ctx); err == nil {
		state["dashboard"] = d
	}
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func (f *fixture) activity(t *testing.T, id string) model.UserActivityView {
	t.Helper()
	v, err := f.views.GetUserActivity(context.Background(), id)
	if err != nil {
		t.Fatalf("activity %s: %v", id, err)
	}
	return v
}

func (f *fixture) taskView(t *testing.T, id string) model.TaskView {
	t.Helper()
	v, err := f.views.GetTaskView(context.Background(), id)
	if err != nil {
		t.Fatalf("task view %s: %v", id, err)
	}
	return v
}

func (f *fixture) dashboard(t *testing.T) model.DashboardView {
	t.Helper()
	v, err := f.views.GetDashboard(context.Background())
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	return v
}

func (f *fixture) applyTask(t *testing.T, tk model.Task) *Result {
	t.Helper()
	f.src.PutTask(tk)
	res, err := f.engine.ApplyTaskMutation(context.Background(), tk)
	if err != nil {
		t.Fatalf("apply task %s: %v", tk.ID, err)
	}
	if res.Err() != nil {
		t.Fatalf("apply task %s: view failures: %v", tk.ID, res.Err())
	}
	return res
}

func seedUsers(f *fixture) (model.User, model.User) {
	a := user("alice", "Alice", "Smith", now.Add(-72*time.Hour))
	b := user("bob", "Bob", "Jones", now.Add(-72*time.Hour))
	f.src.PutUser(a)
	f.src.PutUser(b)
	return a, b
}

func TestApplyTaskMutationIsIdempotent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	seedUsers(f)
	tk := task("t1", "alice", "bob", model.TaskStatusInProgress, now.Add(-24*time.Hour), now.Add(-time.Hour))

	f.applyTask(t, tk)
	first := f.snapshot(t)
	f.applyTask(t, tk)
	second := f.snapshot(t)

	if string(first) != string(second) {
		t.Fatalf("views changed on reapply:\nfirst:  %s\nsecond: %s", first, second)
	}
}

func TestApplyTaskMutationFanOutIsExact(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	seedUsers(f)
	tk := task("t1", "alice", "bob", model.TaskStatusTodo, now.Add(-time.Hour), now.Add(-time.Hour))

	res := f.applyTask(t, tk)
	want := []model.ViewKey{
		model.DashboardKey(), model.TaskViewKey("t1"), model.UserActivityKey("alice"), model.UserActivityKey("bob"),
	}
	model.SortViewKeys(want)
	if !reflect.DeepEqual(res.Keys, want) {
		t.Fatalf("keys = %v, want %v", res.Keys, want)
	}
	if got := res.Keyed(OutcomeWritten); len(got) != 4 {
		t.Fatalf("written = %v", got)
	}
}

func TestRecentTaskIDsStayBounded(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	seedUsers(f)
	for i := 0; i < 25; i++ {
		ts := now.Add(-time.Duration(25-i) * time.Hour)
		f.applyTask(t, task(fmt.Sprintf("t%02d", i), "alice", "bob", model.TaskStatusTodo, ts, ts))
		if n := len(f.activity(t, "alice").RecentTaskIDs); n > model.RecentTaskLimit {
			t.Fatalf("after %d mutations recentTaskIds has %d entries", i+1, n)
		}
	}
	if got := f.activity(t, "alice").RecentTaskIDs[0]; got != "t24" {
		t.Errorf("most recent = %s, want t24", got)
	}
}

func TestNewAssignedTaskCountsAsPending(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	seedUsers(f)
	f.applyTask(t, task("t0", "alice", "bob", model.TaskStatusTodo, now.Add(-48*time.Hour), now.Add(-48*time.Hour)))
	before := f.activity(t, "alice")

	tk := task("t1", "alice", "bob", model.TaskStatusTodo, now, now)
	tk.Priority = model.TaskPriorityHigh
	tk.DueDate = ptr(now.Add(5 * 24 * time.Hour))
	f.applyTask(t, tk)

	if v := f.taskView(t, "t1"); v.Status != model.TaskStatusTodo || v.IsOverdue {
		t.Fatalf("task view = %+v", v)
	}
	after := f.activity(t, "alice")
	if after.TotalAssigned != before.TotalAssigned+1 {
		t.Errorf("totalAssigned %d -> %d", before.TotalAssigned, after.TotalAssigned)
	}
	if after.TasksPending != before.TasksPending+1 {
		t.Errorf("pending %d -> %d", before.TasksPending, after.TasksPending)
	}
	if after.TasksOverdue != before.TasksOverdue {
		t.Errorf("overdue %d -> %d", before.TasksOverdue, after.TasksOverdue)
	}
}

func TestCompletingTaskUpdatesDashboardAndActivity(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	seedUsers(f)
	created := now.Add(-72 * time.Hour)
	tk := task("t1", "alice", "bob", model.TaskStatusTodo, created, created)
	f.applyTask(t, tk)
	dashBefore := f.dashboard(t)
	actBefore := f.activity(t, "alice")
	if actBefore.AverageCompletionDays != nil {
		t.Fatalf("average before completion = %v", *actBefore.AverageCompletionDays)
	}

	tk.Status = model.TaskStatusDone
	tk.UpdatedAt = now.Add(-time.Hour)
	f.applyTask(t, tk)

	dashAfter := f.dashboard(t)
	if dashAfter.DailyMetrics[0].TasksCompleted != dashBefore.DailyMetrics[0].TasksCompleted+1 {
		t.Errorf("today's completions %d -> %d",
			dashBefore.DailyMetrics[0].TasksCompleted, dashAfter.DailyMetrics[0].TasksCompleted)
	}
	actAfter := f.activity(t, "alice")
	if actAfter.TasksCompleted != actBefore.TasksCompleted+1 {
		t.Errorf("tasksCompleted %d -> %d", actBefore.TasksCompleted, actAfter.TasksCompleted)
	}
	wantAvg := tk.UpdatedAt.Sub(created).Hours() / 24
	if actAfter.AverageCompletionDays == nil || *actAfter.AverageCompletionDays != wantAvg {
		t.Errorf("average = %v, want %v", actAfter.AverageCompletionDays, wantAvg)
	}
}

func TestUserDeletionFlipsTaskViewsToPlaceholder(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	alice, _ := seedUsers(f)
	for i := 1; i <= 3; i++ {
		ts := now.Add(-time.Duration(i) * time.Hour)
		f.applyTask(t, task(fmt.Sprintf("t%d", i), "alice", "bob", model.TaskStatusTodo, ts, ts))
	}

	f.src.DeleteUser("alice")
	res, err := f.engine.ApplyUserChange(context.Background(), model.UserMutation{
		Kind: model.MutationDeleted, Before: &alice, OccurredAt: now,
	})
	if err != nil || res.Err() != nil {
		t.Fatalf("apply deletion: %v / %v", err, res.Err())
	}

	if _, err := f.views.GetUserActivity(context.Background(), "alice"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("activity view still present: %v", err)
	}
	for i := 1; i <= 3; i++ {
		v := f.taskView(t, fmt.Sprintf("t%d", i))
		if v.AssignedToUserName != model.UnknownUserName || v.AssignedToUserEmail != model.UnknownUserEmail || v.AssignedToActive {
			t.Errorf("t%d assignee = %q %q active=%v", i, v.AssignedToUserName, v.AssignedToUserEmail, v.AssignedToActive)
		}
		if v.CreatedByUserName != "Bob Jones" {
			t.Errorf("t%d creator = %q", i, v.CreatedByUserName)
		}
	}
	if res.Outcomes[model.UserActivityKey("alice")] != OutcomeDeleted {
		t.Errorf("activity outcome = %s", res.Outcomes[model.UserActivityKey("alice")])
	}
}

func TestDeletionConvergesWithRecompute(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	alice, _ := seedUsers(f)
	f.applyTask(t, task("t1", "alice", "bob", model.TaskStatusTodo, now.Add(-time.Hour), now.Add(-time.Hour)))

	f.src.DeleteUser("alice")
	if _, err := f.engine.ApplyUserDeletion(context.Background(), alice, alice.UpdatedAt); err != nil {
		t.Fatalf("deletion: %v", err)
	}
	afterDeletion := f.taskView(t, "t1")

	res := f.engine.Recompute(context.Background(), []model.ViewKey{model.TaskViewKey("t1")})
	if res.Err() != nil {
		t.Fatalf("recompute: %v", res.Err())
	}
	if got := f.taskView(t, "t1"); !reflect.DeepEqual(got, afterDeletion) {
		t.Fatalf("recompute diverged:\n%+v\n%+v", got, afterDeletion)
	}
}

func TestTaskViewLastUpdatedNeverDecreases(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	alice, bob := seedUsers(f)
	ctx := context.Background()
	tk := task("t1", "alice", "bob", model.TaskStatusTodo, now.Add(-72*time.Hour), now.Add(-72*time.Hour))
	f.applyTask(t, tk)

	deletedAt := now.Add(-time.Hour)
	f.src.DeleteUser("alice")
	if _, err := f.engine.ApplyUserDeletion(ctx, alice, deletedAt); err != nil {
		t.Fatalf("deletion: %v", err)
	}
	if got := f.taskView(t, "t1").LastUpdated; !got.Equal(deletedAt) {
		t.Fatalf("lastUpdated after deletion = %v, want %v", got, deletedAt)
	}

	steps := []struct {
		name string
		run  func() *Result
	}{
		{"recompute", func() *Result { return f.engine.Recompute(ctx, []model.ViewKey{model.TaskViewKey("t1")}) }},
		{"project", func() *Result { return f.engine.ProjectTasks(ctx, []model.Task{tk}) }},
		{"creator update", func() *Result {
			res, err := f.engine.ApplyUserMutation(ctx, bob)
			if err != nil {
				t.Fatalf("user mutation: %v", err)
			}
			return res
		}},
		{"task reapply", func() *Result { return f.applyTask(t, tk) }},
	}
	prev := deletedAt
	for _, step := range steps {
		if res := step.run(); res.Err() != nil {
			t.Fatalf("%s: %v", step.name, res.Err())
		}
		got := f.taskView(t, "t1").LastUpdated
		if got.Before(prev) {
			t.Fatalf("%s: lastUpdated went backwards: %v -> %v", step.name, prev, got)
		}
		prev = got
	}
}

func TestMissingAssigneeUsesPlaceholder(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	seedUsers(f)
	res := f.applyTask(t, task("t1", "ghost", "bob", model.TaskStatusTodo, now, now))

	v := f.taskView(t, "t1")
	if v.AssignedToUserName != model.UnknownUserName || v.AssignedToActive {
		t.Fatalf("assignee = %+v", v)
	}
	if res.Outcomes[model.UserActivityKey("ghost")] != OutcomeSkipped {
		t.Errorf("ghost activity outcome = %s, want skipped", res.Outcomes[model.UserActivityKey("ghost")])
	}
}

func TestTaskGoneFromSourceIsProjectedAsDeletion(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	seedUsers(f)
	tk := task("t1", "alice", "bob", model.TaskStatusTodo, now, now)
	f.applyTask(t, tk)

	f.src.DeleteTask("t1")
	res, err := f.engine.ApplyTaskMutation(context.Background(), tk)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Outcomes[model.TaskViewKey("t1")] != OutcomeDeleted {
		t.Fatalf("task outcome = %s", res.Outcomes[model.TaskViewKey("t1")])
	}
	if f.activity(t, "alice").TotalAssigned != 0 {
		t.Error("deleted task still counted")
	}
	if f.dashboard(t).TotalTasks != 0 {
		t.Error("dashboard still counts deleted task")
	}
}

func TestReassignmentRecomputesPreviousAssignee(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	seedUsers(f)
	f.src.PutUser(user("carol", "Carol", "White", now.Add(-72*time.Hour)))
	before := task("t1", "alice", "bob", model.TaskStatusTodo, now.Add(-2*time.Hour), now.Add(-2*time.Hour))
	f.applyTask(t, before)

	after := before
	after.AssignedToUserID = "carol"
	after.UpdatedAt = now.Add(-time.Hour)
	f.src.PutTask(after)
	res, err := f.engine.ApplyTaskChange(context.Background(), model.TaskMutation{
		Kind: model.MutationUpserted, Before: &before, After: &after,
	})
	if err != nil || res.Err() != nil {
		t.Fatalf("apply: %v / %v", err, res.Err())
	}
	if f.activity(t, "alice").TotalAssigned != 0 {
		t.Error("previous assignee still counts the task")
	}
	if f.activity(t, "carol").TotalAssigned != 1 {
		t.Error("new assignee does not count the task")
	}
}

func TestViewFailureDoesNotBlockOtherViews(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	seedUsers(f)
	f.views.Fail(model.UserActivityKey("alice"), memory.ErrInjected)

	tk := task("t1", "alice", "bob", model.TaskStatusTodo, now, now)
	f.src.PutTask(tk)
	res, err := f.engine.ApplyTaskMutation(context.Background(), tk)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(res.Failures) != 1 || res.Failures[0].Key != model.UserActivityKey("alice") {
		t.Fatalf("failures = %v", res.Failures)
	}
	if !errors.Is(res.Err(), memory.ErrInjected) {
		t.Errorf("err = %v", res.Err())
	}
	f.taskView(t, "t1")
	f.activity(t, "bob")
	f.dashboard(t)
}

func TestSourceFailureFailsWholeFanOut(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	seedUsers(f)
	f.src.Err = memory.ErrInjected

	tk := task("t1", "alice", "bob", model.TaskStatusTodo, now, now)
	res, err := f.engine.ApplyTaskMutation(context.Background(), tk)
	if !errors.Is(err, memory.ErrInjected) {
		t.Fatalf("err = %v", err)
	}
	if len(res.Keyed(OutcomeFailed)) != 4 {
		t.Fatalf("failed keys = %v", res.Keyed(OutcomeFailed))
	}
}

func TestInvalidMutationRejected(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	if _, err := f.engine.ApplyTaskMutation(context.Background(), model.Task{}); !errors.Is(err, model.ErrInvalidMutation) {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.engine.ApplyUserChange(context.Background(), model.UserMutation{Kind: "renamed"}); !errors.Is(err, model.ErrInvalidMutation) {
		t.Fatalf("err = %v", err)
	}
}

type countingViews struct {
	*memory.Views
	taskBatches []int
}

func (c *countingViews) UpsertTaskViews(ctx context.Context, views []model.TaskView) []error {
	c.taskBatches = append(c.taskBatches, len(views))
	return c.Views.UpsertTaskViews(ctx, views)
}

func TestUserMutationBatchesTaskViews(t *testing.T) {
	src := memory.NewSources()
	views := &countingViews{Views: memory.NewViews()}
	cfg := DefaultConfig()
	cfg.TaskViewBatchSize = 2
	engine := NewEngine(src, src, views, cfg, nil, WithClock(func() time.Time { return now }))

	alice := user("alice", "Alice", "Smith", now.Add(-time.Hour))
	src.PutUser(alice)
	for i := 0; i < 5; i++ {
		src.PutTask(task(fmt.Sprintf("t%d", i), "alice", "alice", model.TaskStatusTodo, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))
	}

	alice.FirstName = "Alicia"
	alice.UpdatedAt = now
	src.PutUser(alice)
	res, err := engine.ApplyUserMutation(context.Background(), alice)
	if err != nil || res.Err() != nil {
		t.Fatalf("apply: %v / %v", err, res.Err())
	}
	if !reflect.DeepEqual(views.taskBatches, []int{2, 2, 1}) {
		t.Fatalf("batches = %v, want [2 2 1]", views.taskBatches)
	}
	v, _ := views.GetTaskView(context.Background(), "t3")
	if v.AssignedToUserName != "Alicia Smith" || !v.LastUpdated.Equal(now) {
		t.Fatalf("task view = %+v", v)
	}
	if len(res.Keys) != 7 {
		t.Errorf("keys = %v, want activity + 5 tasks + dashboard", res.Keys)
	}
}

func TestRecomputeDeletesViewsOfMissingSources(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	seedUsers(f)
	f.applyTask(t, task("t1", "alice", "bob", model.TaskStatusTodo, now, now))

	f.src.DeleteTask("t1")
	f.src.DeleteUser("bob")
	res := f.engine.Recompute(context.Background(), []model.ViewKey{
		model.TaskViewKey("t1"), model.UserActivityKey("bob"), model.UserActivityKey("alice"), model.DashboardKey(),
	})
	if res.Err() != nil {
		t.Fatalf("recompute: %v", res.Err())
	}
	want := []model.ViewKey{model.TaskViewKey("t1"), model.UserActivityKey("bob")}
	model.SortViewKeys(want)
	if got := res.Keyed(OutcomeDeleted); !reflect.DeepEqual(got, want) {
		t.Fatalf("deleted = %v, want %v", got, want)
	}
	if f.activity(t, "alice").TotalAssigned != 0 {
		t.Error("alice still counts deleted task")
	}
}
