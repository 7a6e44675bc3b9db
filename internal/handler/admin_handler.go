package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"taskviews/internal/checkpoint"
	"taskviews/internal/model"
	"taskviews/internal/reconcile"
)

type Rebuilder interface {
	Rebuild(ctx context.Context, trigger string) (*reconcile.Summary, error)
}

type FailureAdmin interface {
	List(ctx context.Context, status model.FailureStatus, limit int) ([]model.ViewFailureRecord, error)
	Replay(ctx context.Context, key model.ViewKey) error
}

type CheckpointLister interface {
	List() ([]checkpoint.Position, error)
}

// AdminHandler 运维接口：重建、失败台账、消费检查点
type AdminHandler struct {
	rebuilder   Rebuilder
	failures    FailureAdmin
	checkpoints CheckpointLister
	logger      *zap.Logger
}

func NewAdminHandler(rebuilder Rebuilder, failures FailureAdmin, checkpoints CheckpointLister, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{rebuilder: rebuilder, failures: failures, checkpoints: checkpoints, logger: logger}
}

// Rebuild 处理 POST /admin/rebuild，在请求内同步执行，成功或失败都返回摘要
func (h *AdminHandler) Rebuild(c *gin.Context) {
	h.logger.Info("Rebuild requested", zap.String("client_ip", c.ClientIP()))

	summary, err := h.rebuilder.Rebuild(c.Request.Context(), "manual")
	switch {
	case errors.Is(err, reconcile.ErrRebuildInProgress):
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": err.Error()})
	case err != nil:
		msg := err.Error()
		if summary != nil {
			msg = summary.Message
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": msg, "summary": summary})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "message": summary.Message, "summary": summary})
	}
}

// ListFailures handles GET /admin/failures?status=dead&limit=100
func (h *AdminHandler) ListFailures(c *gin.Context) {
	status := model.FailureStatus(c.Query("status"))
	if status != "" && status != model.FailurePending && status != model.FailureDead {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	limit, ok := queryInt(c, "limit", defaultListLimit, maxListLimit)
	if !ok {
		return
	}
	failures, err := h.failures.List(c.Request.Context(), status, limit)
	if err != nil {
		h.logger.Error("ListFailures: query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list failures"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"failures": failures, "count": len(failures)})
}

type replayRequest struct {
	Key string `json:"key" binding:"required"`
}

// ReplayFailure handles POST /admin/failures/replay {"key": "task-views/<id>"}
func (h *AdminHandler) ReplayFailure(c *gin.Context) {
	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key required"})
		return
	}
	key, err := model.ParseViewKey(req.Key)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.failures.Replay(c.Request.Context(), key); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no failure recorded for key"})
			return
		}
		h.logger.Error("ReplayFailure: update failed", zap.String("view_key", key.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay"})
		return
	}
	h.logger.Info("View failure replayed", zap.String("view_key", key.String()))
	c.JSON(http.StatusAccepted, gin.H{"key": key.String(), "status": model.FailurePending})
}

// ListCheckpoints handles GET /admin/checkpoints
func (h *AdminHandler) ListCheckpoints(c *gin.Context) {
	positions, err := h.checkpoints.List()
	if err != nil {
		h.logger.Error("ListCheckpoints: read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read checkpoints"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": positions})
}
