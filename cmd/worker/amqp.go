package main

import (
	"context"
	"log"

	"jobmatch-backend/internal/bootstrap"
	"jobmatch-backend/internal/queue"
	"jobmatch-backend/internal/shared/metrics"
	"jobmatch-backend/internal/workerproc"
)

func runAMQP(ctx context.Context, app *bootstrap.App, opts workerOptions) error {
	consumer := queue.NewAMQPConsumer(app.AMQP, opts.concurrency, amqpHandler(app.Executor))
	log.Printf("worker started backend=rabbitmq queue=%s prefetch=%d", queue.QueuePipelineTasks, opts.concurrency)
	return consumer.Run(ctx)
}

// amqpHandler dead-letters unrecoverable deliveries and requeues the rest.
func amqpHandler(proc workerproc.Processor) queue.DeliveryHandler {
	return func(ctx context.Context, body []byte) error {
		metrics.IncTasksReceived()
		err := workerproc.Handle(ctx, proc, string(body))
		switch {
		case err == nil:
			metrics.IncTasksCompleted()
			return nil
		case workerproc.ShouldDelete(err):
			metrics.IncTasksDeletedUnrecoverable()
			return queue.Unrecoverable(err)
		default:
			metrics.IncTasksFailed()
			return err
		}
	}
}
