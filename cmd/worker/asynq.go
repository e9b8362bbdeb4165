package main

import (
	"context"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"jobmatch-backend/internal/bootstrap"
	"jobmatch-backend/internal/queue"
	"jobmatch-backend/internal/shared/metrics"
	"jobmatch-backend/internal/shared/telemetry"
	"jobmatch-backend/internal/workerproc"
)

func runAsynq(ctx context.Context, app *bootstrap.App, opts workerOptions) error {
	redisOpt, err := queue.AsynqRedisOpt(app.Config.AsynqRedisAddr)
	if err != nil {
		return err
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     max(1, opts.concurrency),
		Queues:          map[string]int{app.Config.AsynqQueue: 1},
		ShutdownTimeout: opts.shutdownTimeout,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.AsynqTaskType, asynqHandler(app.Executor))

	log.Printf("worker started backend=asynq queue=%s concurrency=%d", app.Config.AsynqQueue, opts.concurrency)
	if err := server.Start(mux); err != nil {
		return err
	}
	<-ctx.Done()
	server.Shutdown()
	return nil
}

// asynqHandler maps unrecoverable failures to SkipRetry so asynq archives
// them instead of retrying.
func asynqHandler(proc workerproc.Processor) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		metrics.IncTasksReceived()
		err := workerproc.Handle(ctx, proc, string(t.Payload()))
		switch {
		case err == nil:
			metrics.IncTasksCompleted()
			return nil
		case workerproc.ShouldDelete(err):
			metrics.IncTasksDeletedUnrecoverable()
			telemetry.Error("worker.task.unrecoverable", map[string]any{"backend": "asynq", "error": err.Error()})
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		default:
			metrics.IncTasksFailed()
			telemetry.Error("worker.task.failed", map[string]any{"backend": "asynq", "error": err.Error()})
			return err
		}
	}
}
