package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ViewType 视图集合类型
type ViewType string

const (
	ViewTypeTask         ViewType = "task-views"
	ViewTypeUserActivity ViewType = "user-activity-views"
	ViewTypeDashboard    ViewType = "dashboard-view"
)

const (
	DashboardID = "dashboard"

	// RecentTaskLimit 最近任务列表上限
	RecentTaskLimit = 10
	// DashboardWindowDays is the length of the dailyMetrics window.
	DashboardWindowDays = 30

	UnknownUserName  = "Unknown User"
	UnknownUserEmail = "unknown@email.com"
)

// ViewKey 定位单个视图文档
type ViewKey struct {
	Type ViewType `json:"type"`
	ID   string   `json:"id"`
}

func TaskViewKey(taskID string) ViewKey     { return ViewKey{Type: ViewTypeTask, ID: taskID} }
func UserActivityKey(userID string) ViewKey { return ViewKey{Type: ViewTypeUserActivity, ID: userID} }
func DashboardKey() ViewKey                 { return ViewKey{Type: ViewTypeDashboard, ID: DashboardID} }

func (k ViewKey) String() string {
	return string(k.Type) + "/" + k.ID
}

// ParseViewKey is the inverse of ViewKey.String.
func ParseViewKey(s string) (ViewKey, error) {
	typ, id, ok := strings.Cut(s, "/")
	if !ok || id == "" {
		return ViewKey{}, fmt.Errorf("malformed view key %q", s)
	}
	k := ViewKey{Type: ViewType(typ), ID: id}
	switch k.Type {
	case ViewTypeTask, ViewTypeUserActivity:
	case ViewTypeDashboard:
		if id != DashboardID {
			return ViewKey{}, fmt.Errorf("malformed view key %q", s)
		}
	default:
		return ViewKey{}, fmt.Errorf("unknown view type %q", typ)
	}
	return k, nil
}

// SortViewKeys 按类型再按 id 原地排序
func SortViewKeys(keys []ViewKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].ID < keys[j].ID
	})
}

// TaskView is the task document enriched with assignee and creator details.
type TaskView struct {
	ID                  string       `json:"id"`
	Title               string       `json:"title"`
	Description         string       `json:"description"`
	Status              TaskStatus   `json:"status"`
	Priority            TaskPriority `json:"priority"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
	DueDate             *time.Time   `json:"dueDate,omitempty"`
	CompletedAt         *time.Time   `json:"completedAt,omitempty"`
	Category            string       `json:"category,omitempty"`
	Tags                []string     `json:"tags"`
	IsOverdue           bool         `json:"isOverdue"`
	AssignedToUserID    string       `json:"assignedToUserId"`
	AssignedToUserName  string       `json:"assignedToUserName"`
	AssignedToUserEmail string       `json:"assignedToUserEmail"`
	AssignedToActive    bool         `json:"assignedToUserActive"`
	CreatedByUserID     string       `json:"createdByUserId"`
	CreatedByUserName   string       `json:"createdByUserName"`
	CreatedByUserEmail  string       `json:"createdByUserEmail"`
	CreatedByActive     bool         `json:"createdByUserActive"`
	LastUpdated         time.Time    `json:"lastUpdated"`
}

type UserActivityView struct {
	ID                    string    `json:"id"`
	UserName              string    `json:"userName"`
	Email                 string    `json:"email"`
	Role                  UserRole  `json:"role"`
	TotalAssigned         int       `json:"totalTasksAssigned"`
	TasksCompleted        int       `json:"tasksCompleted"`
	TasksInProgress       int       `json:"tasksInProgress"`
	TasksPending          int       `json:"tasksPending"`
	TasksOverdue          int       `json:"tasksOverdue"`
	AverageCompletionDays *float64  `json:"averageCompletionDays"`
	LastActivity          time.Time `json:"lastActivity"`
	RecentTaskIDs         []string  `json:"recentTaskIds"`
	LastUpdated           time.Time `json:"lastUpdated"`
}

type DailyMetric struct {
	Date           time.Time `json:"date"`
	TasksCreated   int       `json:"tasksCreated"`
	TasksCompleted int       `json:"tasksCompleted"`
	ActiveUsers    int       `json:"activeUsers"`
}

// DashboardView 全局唯一的汇总视图
// DailyMetrics[i] 对应今天往前第 i 个 UTC 日
type DashboardView struct {
	ID              string        `json:"id"`
	TotalTasks      int           `json:"totalTasks"`
	TasksCompleted  int           `json:"tasksCompleted"`
	TasksInProgress int           `json:"tasksInProgress"`
	TasksPending    int           `json:"tasksPending"`
	TasksOverdue    int           `json:"tasksOverdue"`
	TotalUsers      int           `json:"totalUsers"`
	ActiveUsers     int           `json:"activeUsers"`
	DailyMetrics    []DailyMetric `json:"dailyMetrics"`
	LastUpdated     time.Time     `json:"lastUpdated"`
}

type FailureStatus string

const (
	FailurePending FailureStatus = "pending"
	FailureDead    FailureStatus = "dead"
)

// FailureBackoff 每失败一次增加的重试间隔
const FailureBackoff = 5 * time.Second

// ViewFailureRecord 重试台账中的一条记录
type ViewFailureRecord struct {
	Key         ViewKey       `json:"key"`
	Status      FailureStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"lastError"`
	NextRetryAt time.Time     `json:"nextRetryAt"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}
