package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"taskviews/config"
	mqcontract "taskviews/contracts/mq"
	"taskviews/internal/checkpoint"
	"taskviews/internal/handler"
	"taskviews/internal/httpserver"
	"taskviews/internal/mqhandler"
	"taskviews/internal/projection"
	"taskviews/internal/reconcile"
	"taskviews/internal/repository"
	"taskviews/internal/service"
	pkgconfig "taskviews/pkg/config"
	"taskviews/pkg/circuitbreaker"
	"taskviews/pkg/db"
	"taskviews/pkg/logger"
	"taskviews/pkg/mq"
	"taskviews/pkg/otel"
	redisclient "taskviews/pkg/redis"
	"taskviews/pkg/util"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger 还没有初始化
		zap.NewExample().Fatal("Failed to load config", zap.Error(err))
	}

	log := logger.New(cfg.Logger)
	defer log.Sync()

	log.Info("Starting taskviews worker...",
		zap.String("service", cfg.Service),
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("redis_addr", cfg.Redis.Addr),
	)

	shutdownTracing, err := otel.Init(otel.Config{
		ServiceName: cfg.Service,
		Environment: pkgconfig.GetConfigEnv(),
		Endpoint:    cfg.Tracing.Endpoint,
		Enabled:     cfg.Tracing.Enabled,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		log.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer shutdownTracing()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	dbConn, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()
	if err := repository.EnsureSchema(ctx, dbConn, log); err != nil {
		log.Fatal("Failed to apply migrations", zap.Error(err))
	}

	// Redis
	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()
	if err := redisclient.Ping(ctx, rdb); err != nil {
		// 锁和投递计数在 Redis 不可用时放行
		log.Warn("Redis not reachable, continuing without cross-replica locks", zap.Error(err))
	}
	lease := util.NewLease(rdb, log)
	deliveries := util.NewRetryCounter(rdb, 24*time.Hour)

	// Repositories
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		Name:                "view-store",
		FailureThreshold:    cfg.CircuitBreaker.MaxFailures,
		SuccessThreshold:    2,
		Timeout:             cfg.CircuitBreaker.ResetTimeout,
		HalfOpenMaxRequests: 3,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	taskRepo := repository.NewTaskRepository(dbConn)
	userRepo := repository.NewUserRepository(dbConn)
	viewRepo := repository.NewViewRepository(dbConn, breaker, log)
	failureRepo := repository.NewFailureRepository(dbConn)

	// Projection
	engine := projection.NewEngine(taskRepo, userRepo, viewRepo, projection.Config{
		TaskViewBatchSize:         cfg.Projection.TaskViewBatchSize,
		LegacyCompletionTimestamp: cfg.Projection.LegacyCompletionTimestamp,
		DashboardDebounce:         cfg.Projection.DashboardDebounce,
		DashboardTimeout:          cfg.Projection.DashboardTimeout,
		DashboardLockTTL:          cfg.Projection.DashboardLockTTL,
	}, log, projection.WithLocker(lease))

	coordinator := reconcile.NewCoordinator(taskRepo, userRepo, viewRepo, engine, reconcile.Options{
		Parallelism: cfg.Rebuild.Parallelism,
		Lock:        lease,
		Failures:    failureRepo,
	}, log)

	// Checkpoints
	checkpoints, err := checkpoint.Open(cfg.Checkpoint.Path)
	if err != nil {
		log.Fatal("Failed to open checkpoint store", zap.Error(err))
	}
	defer checkpoints.Close()

	// MQ Publisher (dead letters)
	publisher, err := mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange, cfg.Service)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()
	for _, rk := range []string{cfg.Streams.Tasks.RoutingKey, cfg.Streams.Users.RoutingKey} {
		if err := publisher.EnsureDLQ(rk); err != nil {
			log.Fatal("Failed to declare DLQ", zap.String("routing_key", rk), zap.Error(err))
		}
	}

	changeHandler := mqhandler.NewChangeHandler(engine, checkpoints, failureRepo, publisher, deliveries, mqhandler.Config{
		ItemParallelism: cfg.Projection.ItemParallelism,
		BatchTimeout:    cfg.Projection.BatchTimeout,
		MaxDeliveries:   cfg.Projection.MaxDeliveries,
	}, log)

	if cfg.Rebuild.OnStartup {
		log.Info("Running startup rebuild...")
		if summary, err := coordinator.Rebuild(ctx, "startup"); err != nil {
			log.Error("Startup rebuild failed", zap.Error(err))
		} else {
			log.Info("Startup rebuild finished", zap.String("message", summary.Message))
		}
	}

	// Consumers
	var wg sync.WaitGroup
	consumers := make([]*mq.Consumer, 0, 2)
	for _, s := range []struct {
		name    string
		stream  config.StreamConfig
		handler mq.MessageHandler
	}{
		{mqcontract.StreamTasks, cfg.Streams.Tasks, changeHandler.HandleTaskBatch},
		{mqcontract.StreamUsers, cfg.Streams.Users, changeHandler.HandleUserBatch},
	} {
		log.Info("Initializing consumer", zap.String("stream", s.name), zap.String("queue", s.stream.Queue))
		consumer, err := mq.NewConsumer(mq.ConsumerConfig{
			URL:        cfg.MQ.URL,
			Exchange:   cfg.MQ.Exchange,
			Queue:      s.stream.Queue,
			RoutingKey: s.stream.RoutingKey,
			Prefetch:   cfg.MQ.Prefetch,
		}, log)
		if err != nil {
			log.Fatal("Failed to init consumer", zap.String("stream", s.name), zap.Error(err))
		}
		consumer.SetHandler(s.handler)
		consumers = append(consumers, consumer)

		wg.Add(1)
		go func(name string, c *mq.Consumer) {
			defer wg.Done()
			if err := c.Start(ctx); err != nil {
				// 通道被 broker 关闭，交给进程管理器重启
				log.Error("Consumer stopped", zap.String("stream", name), zap.Error(err))
				cancel()
			}
		}(s.name, consumer)
	}

	// Retry dispatcher
	dispatcher := service.NewRetryDispatcher(failureRepo, engine, log).
		WithInterval(cfg.Retry.Interval).
		WithBatchSize(cfg.Retry.BatchSize).
		WithMaxAttempts(cfg.Retry.MaxAttempts)
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Start(ctx)
	}()

	// Scheduler
	scheduler, err := service.NewScheduler(cfg.Rebuild.Schedule, coordinator, engine, time.Hour, log)
	if err != nil {
		log.Fatal("Failed to init scheduler", zap.Error(err))
	}
	scheduler.Start()

	// HTTP Server
	router := httpserver.NewRouter(
		handler.NewViewHandler(viewRepo, log),
		handler.NewAdminHandler(coordinator, failureRepo, checkpoints, log),
		log,
		httpserver.Probe{Name: "database", Check: dbConn.Ping},
		httpserver.Probe{Name: "mq", Check: func(context.Context) error {
			for _, c := range consumers {
				if !c.IsConnected() {
					return errors.New("consumer disconnected")
				}
			}
			return nil
		}},
	)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("taskviews worker is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Received signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	log.Info("Shutting down taskviews worker gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// 先停消费，正在处理的批次会完成后再返回
	for _, c := range consumers {
		c.Stop()
	}
	cancel()
	wg.Wait()
	for _, c := range consumers {
		c.Close()
	}

	scheduler.Stop(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	log.Info("taskviews worker shutdown complete")
}
