package httpserver

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"taskviews/internal/handler"
	"taskviews/pkg/otel"
)

// Probe 检查单个依赖是否就绪
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

func NewRouter(views *handler.ViewHandler, admin *handler.AdminHandler, logger *zap.Logger, probes ...Probe) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware())

	// 请求日志
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		for _, p := range probes {
			if err := p.Check(ctx); err != nil {
				c.JSON(503, gin.H{"status": p.Name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(200, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v := r.Group("/views")
	{
		v.GET("/tasks", views.ListTasks)
		v.GET("/tasks/:id", views.GetTask)
		v.GET("/users", views.ListUserActivity)
		v.GET("/users/top", views.TopPerformers)
		v.GET("/users/:id/activity", views.GetUserActivity)
		v.GET("/dashboard", views.GetDashboard)
	}

	a := r.Group("/admin")
	{
		a.POST("/rebuild", admin.Rebuild)
		a.GET("/failures", admin.ListFailures)
		a.POST("/failures/replay", admin.ReplayFailure)
		a.GET("/checkpoints", admin.ListCheckpoints)
	}
	return r
}
