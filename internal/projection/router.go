package projection

import "taskviews/internal/model"

// TaskFanOut returns the views a task mutation affects: the task view, the
// activity views of assignee and creator, and the dashboard.
func TaskFanOut(task model.Task) []model.ViewKey {
	keys := []model.ViewKey{model.TaskViewKey(task.ID)}
	for _, id := range task.UserIDs() {
		keys = append(keys, model.UserActivityKey(id))
	}
	return append(keys, model.DashboardKey())
}

// TaskChangeFanOut extends TaskFanOut with the activity views of users the
// task referenced before the change but no longer does.
func TaskChangeFanOut(before *model.Task, after model.Task) []model.ViewKey {
	keys := TaskFanOut(after)
	if before == nil {
		return keys
	}
	for _, id := range before.UserIDs() {
		if !after.References(id) {
			keys = append(keys, model.UserActivityKey(id))
		}
	}
	return keys
}

// UserFanOut 用户变更影响的视图。tasks 应为以 userID 为负责人或创建人的任务，其他忽略
func UserFanOut(userID string, tasks []model.Task) []model.ViewKey {
	keys := []model.ViewKey{model.UserActivityKey(userID)}
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if !t.References(userID) {
			continue
		}
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		keys = append(keys, model.TaskViewKey(t.ID))
	}
	return append(keys, model.DashboardKey())
}
