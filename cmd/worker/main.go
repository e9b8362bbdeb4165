package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"jobmatch-backend/internal/bootstrap"
	"jobmatch-backend/internal/shared/config"
)

const (
	defaultVisibilitySeconds  = 1200
	defaultShutdownTimeoutSec = 30
)

func main() {
	cfg := config.Load()
	cfg.Role = config.RoleWorker

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	app, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}

	opts := workerOptions{
		concurrency:       cfg.WorkerConcurrency,
		visibilitySeconds: envInt("SQS_VISIBILITY_TIMEOUT_SECONDS", defaultVisibilitySeconds),
		shutdownTimeout:   time.Duration(envInt("WORKER_SHUTDOWN_TIMEOUT_SECONDS", defaultShutdownTimeoutSec)) * time.Second,
	}

	switch {
	case app.AMQP != nil:
		err = runAMQP(ctx, app, opts)
	case cfg.QueueBackend == "asynq":
		err = runAsynq(ctx, app, opts)
	case app.MemoryQueue != nil:
		log.Fatal("worker needs a broker; set QUEUE_BACKEND to sqs, asynq or rabbitmq")
	default:
		err = runSQS(ctx, app, opts)
	}
	if err != nil && ctx.Err() == nil {
		log.Printf("worker stopped: %v", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	if err := app.Close(closeCtx); err != nil {
		log.Printf("close: %v", err)
	}
}

type workerOptions struct {
	concurrency       int
	visibilitySeconds int
	shutdownTimeout   time.Duration
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}
