package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"presence/internal/attendance"
	"presence/internal/config"
	"presence/internal/logger"
	"presence/internal/queue"
	"presence/internal/store"
)

// Worker consumes attendance_marked messages and stores issuer notifications.
func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Development: !cfg.Production()})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" {
		log.Error("QUEUE_BACKEND=memory is served by the api process, the worker needs redis")
		os.Exit(1)
	}

	db, err := store.NewDB(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal("schema setup failed", zap.Error(err))
	}

	rdb := store.NewRedis(cfg.RedisAddr)
	defer rdb.Close()
	if !rdb.Healthy(ctx) {
		log.Warn("redis not reachable yet, consumer will keep retrying", zap.String("addr", cfg.RedisAddr))
	}

	q := queue.NewRedisQueue(rdb.Client, cfg.NotifyQueueKey)
	notes := attendance.NewNotifications(db)

	log.Info("worker started", zap.String("queue", cfg.NotifyQueueKey))
	if err := notes.Deliver(ctx, q, log.Named("notify")); err != nil {
		log.Error("worker failed", zap.Error(err))
		return
	}
	log.Info("worker stopped")
}
