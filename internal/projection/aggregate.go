package projection

import (
	"sort"
	"time"

	"taskviews/internal/model"
)

// BuildTaskView 把任务和负责人、创建人信息合并成视图。
// 用户为 nil 时使用占位用户并标记为非活跃；floor 用于抬高 LastUpdated（如用户删除时间）
func BuildTaskView(task model.Task, assignee, creator *model.User, now, floor time.Time) model.TaskView {
	v := model.TaskView{
		ID:               task.ID,
		Title:            task.Title,
		Description:      task.Description,
		Status:           task.Status,
		Priority:         task.Priority,
		CreatedAt:        task.CreatedAt.UTC(),
		UpdatedAt:        task.UpdatedAt.UTC(),
		DueDate:          utcPtr(task.DueDate),
		CompletedAt:      utcPtr(task.CompletedAt),
		Category:         task.Category,
		Tags:             append([]string{}, task.Tags...),
		IsOverdue:        task.IsOverdue(now),
		AssignedToUserID: task.AssignedToUserID,
		CreatedByUserID:  task.CreatedByUserID,
	}
	v.AssignedToUserName, v.AssignedToUserEmail, v.AssignedToActive = userRef(assignee)
	v.CreatedByUserName, v.CreatedByUserEmail, v.CreatedByActive = userRef(creator)

	last := latest(task.UpdatedAt, floor)
	if assignee != nil {
		last = latest(last, assignee.UpdatedAt)
	}
	if creator != nil {
		last = latest(last, creator.UpdatedAt)
	}
	v.LastUpdated = last.UTC()
	return v
}

func userRef(u *model.User) (name, email string, active bool) {
	if u == nil {
		return model.UnknownUserName, model.UnknownUserEmail, false
	}
	return u.FullName(), u.Email, u.IsActive
}

// BuildUserActivityView computes the statistics of user over the tasks that
// reference it. Status tallies count assigned tasks only; the completion
// average and the recency list span every referencing task.
func BuildUserActivityView(user model.User, tasks []model.Task, now time.Time, legacy bool) model.UserActivityView {
	v := model.UserActivityView{
		ID:            user.ID,
		UserName:      user.FullName(),
		Email:         user.Email,
		Role:          user.Role,
		RecentTaskIDs: []string{},
	}

	mine := referencing(user.ID, tasks)
	last := user.UpdatedAt
	var lastActivity time.Time
	var completedDays float64
	var completedN int

	for _, t := range mine {
		last = latest(last, t.UpdatedAt)
		lastActivity = latest(lastActivity, t.UpdatedAt)

		if t.Status == model.TaskStatusDone {
			completedDays += t.CompletionTime(legacy).Sub(t.CreatedAt).Hours() / 24
			completedN++
		}

		if t.AssignedToUserID != user.ID {
			continue
		}
		v.TotalAssigned++
		switch t.Status {
		case model.TaskStatusDone:
			v.TasksCompleted++
		case model.TaskStatusInProgress:
			v.TasksInProgress++
		case model.TaskStatusTodo:
			v.TasksPending++
		}
		if t.IsOverdue(now) {
			v.TasksOverdue++
		}
	}

	if completedN > 0 {
		avg := completedDays / float64(completedN)
		v.AverageCompletionDays = &avg
	}

	sort.Slice(mine, func(i, j int) bool {
		if !mine[i].UpdatedAt.Equal(mine[j].UpdatedAt) {
			return mine[i].UpdatedAt.After(mine[j].UpdatedAt)
		}
		return mine[i].ID < mine[j].ID
	})
	for i := 0; i < len(mine) && i < model.RecentTaskLimit; i++ {
		v.RecentTaskIDs = append(v.RecentTaskIDs, mine[i].ID)
	}

	if lastActivity.IsZero() {
		lastActivity = user.UpdatedAt
	}
	v.LastActivity = lastActivity.UTC()
	v.LastUpdated = last.UTC()
	return v
}

// BuildDashboardView 汇总所有任务和用户
func BuildDashboardView(tasks []model.Task, users []model.User, now time.Time, legacy bool) model.DashboardView {
	now = now.UTC()
	today := day(now)
	windowStart := now.AddDate(0, 0, -model.DashboardWindowDays)

	v := model.DashboardView{
		ID:           model.DashboardID,
		TotalTasks:   len(tasks),
		TotalUsers:   len(users),
		DailyMetrics: make([]model.DailyMetric, model.DashboardWindowDays),
	}
	dailyActive := make([]map[string]struct{}, model.DashboardWindowDays)
	for i := range v.DailyMetrics {
		v.DailyMetrics[i].Date = today.AddDate(0, 0, -i)
		dailyActive[i] = make(map[string]struct{})
	}

	var last time.Time
	active := make(map[string]struct{})
	for _, t := range tasks {
		last = latest(last, t.UpdatedAt)

		switch t.Status {
		case model.TaskStatusDone:
			v.TasksCompleted++
		case model.TaskStatusInProgress:
			v.TasksInProgress++
		case model.TaskStatusTodo:
			v.TasksPending++
		}
		if t.IsOverdue(now) {
			v.TasksOverdue++
		}

		if t.CreatedAt.After(windowStart) && t.AssignedToUserID != "" {
			active[t.AssignedToUserID] = struct{}{}
		}

		if i, ok := dayOffset(today, t.CreatedAt); ok {
			v.DailyMetrics[i].TasksCreated++
			if t.AssignedToUserID != "" {
				dailyActive[i][t.AssignedToUserID] = struct{}{}
			}
		}
		if t.Status == model.TaskStatusDone {
			if i, ok := dayOffset(today, t.CompletionTime(legacy)); ok {
				v.DailyMetrics[i].TasksCompleted++
			}
		}
	}
	for _, u := range users {
		last = latest(last, u.UpdatedAt)
	}

	v.ActiveUsers = len(active)
	for i := range v.DailyMetrics {
		v.DailyMetrics[i].ActiveUsers = len(dailyActive[i])
	}
	v.LastUpdated = last.UTC()
	return v
}

// referencing 引用 userID 的任务，去重，返回新切片
func referencing(userID string, tasks []model.Task) []model.Task {
	out := make([]model.Task, 0, len(tasks))
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if !t.References(userID) {
			continue
		}
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// dayOffset t 在今天之前第几个 UTC 日，超出窗口时 ok 为 false
func dayOffset(today, t time.Time) (int, bool) {
	if t.IsZero() {
		return 0, false
	}
	d := day(t)
	if d.After(today) {
		return 0, false
	}
	offset := int(today.Sub(d).Hours() / 24)
	if offset >= model.DashboardWindowDays {
		return 0, false
	}
	return offset, true
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
