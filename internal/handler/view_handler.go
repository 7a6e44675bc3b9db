package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"taskviews/internal/model"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	defaultTopN      = 10
)

// ViewReader 视图读取查询
type ViewReader interface {
	GetTaskView(ctx context.Context, id string) (model.TaskView, error)
	ListTaskViews(ctx context.Context, limit int) ([]model.TaskView, error)
	ListTaskViewsForUser(ctx context.Context, userID string) ([]model.TaskView, error)
	ListTaskViewsByStatus(ctx context.Context, status model.TaskStatus) ([]model.TaskView, error)
	ListOverdueTaskViews(ctx context.Context, now time.Time) ([]model.TaskView, error)
	GetUserActivity(ctx context.Context, userID string) (model.UserActivityView, error)
	ListUserActivity(ctx context.Context) ([]model.UserActivityView, error)
	TopPerformers(ctx context.Context, n int) ([]model.UserActivityView, error)
	GetDashboard(ctx context.Context) (model.DashboardView, error)
}

type ViewHandler struct {
	views  ViewReader
	logger *zap.Logger
	now    func() time.Time
}

func NewViewHandler(views ViewReader, logger *zap.Logger) *ViewHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ViewHandler{views: views, logger: logger, now: time.Now}
}

// GetTask handles GET /views/tasks/:id
func (h *ViewHandler) GetTask(c *gin.Context) {
	v, err := h.views.GetTaskView(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "GetTask", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// ListTasks 处理 GET /views/tasks，过滤条件 user_id、status、overdue=true
// 只生效一个，按此顺序优先
func (h *ViewHandler) ListTasks(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		tasks []model.TaskView
		err   error
	)
	switch {
	case c.Query("user_id") != "":
		tasks, err = h.views.ListTaskViewsForUser(ctx, c.Query("user_id"))
	case c.Query("status") != "":
		status := model.TaskStatus(c.Query("status"))
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		tasks, err = h.views.ListTaskViewsByStatus(ctx, status)
	case c.Query("overdue") == "true":
		tasks, err = h.views.ListOverdueTaskViews(ctx, h.now())
	default:
		limit, ok := queryInt(c, "limit", defaultListLimit, maxListLimit)
		if !ok {
			return
		}
		tasks, err = h.views.ListTaskViews(ctx, limit)
	}
	if err != nil {
		h.fail(c, "ListTasks", err)
		return
	}
	// isOverdue 在读取时重新计算
	now := h.now()
	for i := range tasks {
		tasks[i].IsOverdue = tasks[i].DueDate != nil && tasks[i].DueDate.Before(now) && tasks[i].Status != model.TaskStatusDone
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// GetUserActivity handles GET /views/users/:id/activity
func (h *ViewHandler) GetUserActivity(c *gin.Context) {
	v, err := h.views.GetUserActivity(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "GetUserActivity", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// ListUserActivity handles GET /views/users
func (h *ViewHandler) ListUserActivity(c *gin.Context) {
	users, err := h.views.ListUserActivity(c.Request.Context())
	if err != nil {
		h.fail(c, "ListUserActivity", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// TopPerformers handles GET /views/users/top?n=10
func (h *ViewHandler) TopPerformers(c *gin.Context) {
	n, ok := queryInt(c, "n", defaultTopN, maxListLimit)
	if !ok {
		return
	}
	users, err := h.views.TopPerformers(c.Request.Context(), n)
	if err != nil {
		h.fail(c, "TopPerformers", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// GetDashboard handles GET /views/dashboard
func (h *ViewHandler) GetDashboard(c *gin.Context) {
	v, err := h.views.GetDashboard(c.Request.Context())
	if err != nil {
		h.fail(c, "GetDashboard", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *ViewHandler) fail(c *gin.Context, op string, err error) {
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	h.logger.Error(op+": query failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load view"})
}

// queryInt 解析正整数查询参数，出错时直接返回 400
func queryInt(c *gin.Context, name string, def, ceiling int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	if n > ceiling {
		n = ceiling
	}
	return n, true
}
