package model

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "Todo"
	TaskStatusInProgress TaskStatus = "InProgress"
	TaskStatusReview     TaskStatus = "Review"
	TaskStatusDone       TaskStatus = "Done"
	TaskStatusCancelled  TaskStatus = "Cancelled"
)

// Valid 是否为已知的任务状态
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusReview, TaskStatusDone, TaskStatusCancelled:
		return true
	}
	return false
}

type TaskPriority string

const (
	TaskPriorityLow      TaskPriority = "Low"
	TaskPriorityMedium   TaskPriority = "Medium"
	TaskPriorityHigh     TaskPriority = "High"
	TaskPriorityCritical TaskPriority = "Critical"
)

// Task 从任务源表读出的权威记录
type Task struct {
	ID               string       `json:"id"`
	Title            string       `json:"title"`
	Description      string       `json:"description"`
	Status           TaskStatus   `json:"status"`
	Priority         TaskPriority `json:"priority"`
	AssignedToUserID string       `json:"assignedToUserId"`
	CreatedByUserID  string       `json:"createdByUserId"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
	DueDate          *time.Time   `json:"dueDate,omitempty"`
	CompletedAt      *time.Time   `json:"completedAt,omitempty"`
	Category         string       `json:"category,omitempty"`
	Tags             []string     `json:"tags"`
}

func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: task id is empty", ErrInvalidMutation)
	}
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("%w: task %s has unknown status %q", ErrInvalidMutation, t.ID, t.Status)
	}
	return nil
}

// IsOverdue 已过截止时间且未完成
func (t Task) IsOverdue(now time.Time) bool {
	return t.DueDate != nil && t.DueDate.Before(now) && t.Status != TaskStatusDone
}

// CompletionTime 已完成任务计入的完成时间
// 有 completedAt 时优先使用，legacy 模式始终用 updatedAt
func (t Task) CompletionTime(legacy bool) time.Time {
	if !legacy && t.CompletedAt != nil && !t.CompletedAt.IsZero() {
		return *t.CompletedAt
	}
	return t.UpdatedAt
}

// UserIDs 任务引用的用户 id，去重且非空
func (t Task) UserIDs() []string {
	ids := make([]string, 0, 2)
	if t.AssignedToUserID != "" {
		ids = append(ids, t.AssignedToUserID)
	}
	if t.CreatedByUserID != "" && t.CreatedByUserID != t.AssignedToUserID {
		ids = append(ids, t.CreatedByUserID)
	}
	return ids
}

// References reports whether userID is the task's assignee or creator.
func (t Task) References(userID string) bool {
	return userID != "" && (t.AssignedToUserID == userID || t.CreatedByUserID == userID)
}
