package projection

import (
	"encoding/json"
	"testing"
	"time"

	"taskviews/internal/model"
)

var now = time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func user(id, first, last string, updated time.Time) model.User {
	return model.User{
		ID: id, FirstName: first, LastName: last,
		Email: id + "@example.com", Role: model.UserRoleUser, IsActive: true,
		CreatedAt: updated, UpdatedAt: updated,
	}
}

func task(id, assignee, creator string, status model.TaskStatus, created, updated time.Time) model.Task {
	return model.Task{
		ID: id, Title: "Task " + id, Status: status, Priority: model.TaskPriorityMedium,
		AssignedToUserID: assignee, CreatedByUserID: creator,
		CreatedAt: created, UpdatedAt: updated, Tags: []string{"a"},
	}
}

func TestBuildTaskViewDenormalizesUsers(t *testing.T) {
	alice := user("u1", "Alice", "Smith", now.Add(-time.Hour))
	bob := user("u2", "Bob", "Jones", now.Add(-2*time.Hour))
	tk := task("t1", "u1", "u2", model.TaskStatusTodo, now.Add(-48*time.Hour), now.Add(-3*time.Hour))
	tk.DueDate = ptr(now.Add(-time.Minute))

	v := BuildTaskView(tk, &alice, &bob, now, time.Time{})
	if v.AssignedToUserName != "Alice Smith" || v.AssignedToUserEmail != "u1@example.com" || !v.AssignedToActive {
		t.Fatalf("assignee not denormalized: %+v", v)
	}
	if v.CreatedByUserName != "Bob Jones" {
		t.Fatalf("creator name = %q", v.CreatedByUserName)
	}
	if !v.IsOverdue {
		t.Error("expected overdue")
	}
	if !v.LastUpdated.Equal(alice.UpdatedAt) {
		t.Errorf("lastUpdated = %v, want newest source %v", v.LastUpdated, alice.UpdatedAt)
	}
}

func TestBuildTaskViewPlaceholderForMissingUser(t *testing.T) {
	tk := task("t1", "gone", "", model.TaskStatusTodo, now, now)
	floor := now.Add(time.Hour)
	v := BuildTaskView(tk, nil, nil, now, floor)
	if v.AssignedToUserName != model.UnknownUserName || v.AssignedToUserEmail != model.UnknownUserEmail {
		t.Fatalf("placeholder not applied: %+v", v)
	}
	if v.AssignedToActive {
		t.Error("placeholder must be inactive")
	}
	if !v.LastUpdated.Equal(floor) {
		t.Errorf("lastUpdated = %v, want floor %v", v.LastUpdated, floor)
	}
}

func TestBuildTaskViewDoneIsNeverOverdue(t *testing.T) {
	tk := task("t1", "u1", "u1", model.TaskStatusDone, now, now)
	tk.DueDate = ptr(now.Add(-24 * time.Hour))
	if BuildTaskView(tk, nil, nil, now, time.Time{}).IsOverdue {
		t.Fatal("done task reported overdue")
	}
}

func TestBuildUserActivityViewCounts(t *testing.T) {
	u := user("u1", "Alice", "Smith", now.Add(-100*time.Hour))
	created := now.Add(-96 * time.Hour)
	done := task("t1", "u1", "u9", model.TaskStatusDone, created, now.Add(-10*time.Hour))
	done.CompletedAt = ptr(created.Add(48 * time.Hour))
	inProgress := task("t2", "u1", "u1", model.TaskStatusInProgress, created, now.Add(-5*time.Hour))
	overdue := task("t3", "u1", "u9", model.TaskStatusTodo, created, now.Add(-4*time.Hour))
	overdue.DueDate = ptr(now.Add(-time.Hour))
	createdOnly := task("t4", "u9", "u1", model.TaskStatusDone, created, now.Add(-2*time.Hour))
	createdOnly.CompletedAt = ptr(created.Add(96 * time.Hour))
	unrelated := task("t5", "u9", "u9", model.TaskStatusTodo, created, now)

	v := BuildUserActivityView(u, []model.Task{done, inProgress, overdue, createdOnly, unrelated}, now, false)

	if v.TotalAssigned != 3 {
		t.Errorf("totalAssigned = %d, want 3", v.TotalAssigned)
	}
	if v.TasksCompleted != 1 || v.TasksInProgress != 1 || v.TasksPending != 1 || v.TasksOverdue != 1 {
		t.Errorf("tallies = %+v", v)
	}
	if v.AverageCompletionDays == nil || *v.AverageCompletionDays != 3 {
		t.Fatalf("average = %v, want 3", v.AverageCompletionDays)
	}
	want := []string{"t4", "t3", "t2", "t1"}
	if len(v.RecentTaskIDs) != len(want) {
		t.Fatalf("recent = %v, want %v", v.RecentTaskIDs, want)
	}
	for i := range want {
		if v.RecentTaskIDs[i] != want[i] {
			t.Fatalf("recent = %v, want %v", v.RecentTaskIDs, want)
		}
	}
	if !v.LastActivity.Equal(now.Add(-2 * time.Hour)) {
		t.Errorf("lastActivity = %v", v.LastActivity)
	}
}

func TestBuildUserActivityViewLegacyCompletion(t *testing.T) {
	u := user("u1", "A", "B", now.Add(-100*time.Hour))
	created := now.Add(-96 * time.Hour)
	done := task("t1", "u1", "u1", model.TaskStatusDone, created, created.Add(72*time.Hour))
	done.CompletedAt = ptr(created.Add(24 * time.Hour))

	if got := *BuildUserActivityView(u, []model.Task{done}, now, false).AverageCompletionDays; got != 1 {
		t.Errorf("completedAt average = %v, want 1", got)
	}
	if got := *BuildUserActivityView(u, []model.Task{done}, now, true).AverageCompletionDays; got != 3 {
		t.Errorf("legacy average = %v, want 3", got)
	}
}

func TestBuildUserActivityViewNoCompletionsIsNull(t *testing.T) {
	u := user("u1", "A", "B", now)
	v := BuildUserActivityView(u, nil, now, false)
	if v.AverageCompletionDays != nil {
		t.Fatalf("average = %v, want nil", *v.AverageCompletionDays)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if avg, ok := raw["averageCompletionDays"]; !ok || avg != nil {
		t.Errorf("averageCompletionDays = %v (present %v), want explicit null", avg, ok)
	}
	if ids, ok := raw["recentTaskIds"].([]any); !ok || len(ids) != 0 {
		t.Errorf("recentTaskIds = %v, want []", raw["recentTaskIds"])
	}
	if !v.LastActivity.Equal(u.UpdatedAt) {
		t.Errorf("lastActivity = %v, want user updatedAt", v.LastActivity)
	}
}

func TestBuildUserActivityViewRecentCapped(t *testing.T) {
	u := user("u1", "A", "B", now)
	var tasks []model.Task
	for i := 0; i < 15; i++ {
		ts := now.Add(-time.Duration(i) * time.Hour)
		tasks = append(tasks, task(string(rune('a'+i)), "u1", "u1", model.TaskStatusTodo, ts, ts))
	}
	v := BuildUserActivityView(u, tasks, now, false)
	if len(v.RecentTaskIDs) != model.RecentTaskLimit {
		t.Fatalf("recent len = %d, want %d", len(v.RecentTaskIDs), model.RecentTaskLimit)
	}
	if v.RecentTaskIDs[0] != "a" || v.RecentTaskIDs[9] != "j" {
		t.Errorf("recent = %v", v.RecentTaskIDs)
	}
}

func TestBuildDashboardView(t *testing.T) {
	users := []model.User{user("u1", "A", "B", now.Add(-time.Hour)), user("u2", "C", "D", now.Add(-time.Hour))}
	today := now.Add(-time.Hour)
	twoDaysAgo := now.Add(-48 * time.Hour)
	old := now.Add(-40 * 24 * time.Hour)

	doneToday := task("t1", "u1", "u1", model.TaskStatusDone, twoDaysAgo, today)
	doneToday.CompletedAt = ptr(today)
	todo := task("t2", "u2", "u1", model.TaskStatusTodo, today, today)
	overdue := task("t3", "u1", "u1", model.TaskStatusInProgress, old, old)
	overdue.DueDate = ptr(now.Add(-24 * time.Hour))
	unassigned := task("t4", "", "u1", model.TaskStatusTodo, today, today)

	v := BuildDashboardView([]model.Task{doneToday, todo, overdue, unassigned}, users, now, false)

	if v.ID != model.DashboardID {
		t.Errorf("id = %q", v.ID)
	}
	if v.TotalTasks != 4 || v.TasksCompleted != 1 || v.TasksInProgress != 1 || v.TasksPending != 2 || v.TasksOverdue != 1 {
		t.Errorf("counts = %+v", v)
	}
	if v.TotalUsers != 2 || v.ActiveUsers != 2 {
		t.Errorf("users total=%d active=%d, want 2/2", v.TotalUsers, v.ActiveUsers)
	}
	if len(v.DailyMetrics) != model.DashboardWindowDays {
		t.Fatalf("daily metrics len = %d", len(v.DailyMetrics))
	}
	d0 := v.DailyMetrics[0]
	if !d0.Date.Equal(time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("day 0 = %v, want today", d0.Date)
	}
	if d0.TasksCreated != 2 || d0.TasksCompleted != 1 || d0.ActiveUsers != 1 {
		t.Errorf("day 0 = %+v", d0)
	}
	d2 := v.DailyMetrics[2]
	if d2.TasksCreated != 1 || d2.ActiveUsers != 1 {
		t.Errorf("day 2 = %+v", d2)
	}
	if !v.LastUpdated.Equal(today) {
		t.Errorf("lastUpdated = %v", v.LastUpdated)
	}
}

func TestBuildDashboardViewEmpty(t *testing.T) {
	v := BuildDashboardView(nil, nil, now, false)
	if v.TotalTasks != 0 || v.ActiveUsers != 0 || len(v.DailyMetrics) != model.DashboardWindowDays {
		t.Fatalf("empty dashboard = %+v", v)
	}
	for i, d := range v.DailyMetrics {
		if d.TasksCreated != 0 || d.TasksCompleted != 0 || d.ActiveUsers != 0 {
			t.Fatalf("day %d not zero: %+v", i, d)
		}
	}
}
