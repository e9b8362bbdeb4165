package main

// Build the SQS-triggered pipeline worker:
//   GOOS=linux GOARCH=amd64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-worker
//
// Configure the event source mapping with ReportBatchItemFailures.

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"jobmatch-backend/internal/bootstrap"
	"jobmatch-backend/internal/shared/config"
	"jobmatch-backend/internal/shared/metrics"
	"jobmatch-backend/internal/shared/telemetry"
	"jobmatch-backend/internal/workerproc"
)

// deadlineReserve is left unused at the end of an invocation so an
// interrupted stage still releases its locks and writes its failure.
const deadlineReserve = 20 * time.Second

var (
	initOnce sync.Once
	initErr  error
	proc     workerproc.Processor
)

func initApp() {
	cfg := config.Load()
	cfg.Role = config.RoleWorker
	cfg.WorkerConcurrency = 1
	app, err := bootstrap.Build(cfg)
	if err != nil {
		initErr = err
		telemetry.Error("lambda.worker.bootstrap_failed", map[string]any{"error": err})
		return
	}
	proc = app.Executor
}

func handler(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	initOnce.Do(initApp)
	if initErr != nil {
		return events.SQSEventResponse{BatchItemFailures: allFailed(event.Records)}, initErr
	}
	return processBatch(ctx, proc, event.Records), nil
}

// processBatch runs records in order and reports the ones SQS should
// redeliver. Records not started before the deadline reserve are returned
// untouched.
func processBatch(ctx context.Context, p workerproc.Processor, records []events.SQSMessage) events.SQSEventResponse {
	failures := make([]events.SQSBatchItemFailure, 0)
	for i, record := range records {
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < deadlineReserve {
			telemetry.Warn("lambda.worker.deadline", map[string]any{"deferred": len(records) - i})
			failures = append(failures, allFailed(records[i:])...)
			break
		}
		metrics.IncTasksReceived()
		err := workerproc.Handle(ctx, p, record.Body)
		fields := map[string]any{"sqs_message_id": record.MessageId}
		var procErr workerproc.ErrProcess
		if errors.As(err, &procErr) {
			fields["service_id"] = procErr.ServiceID
			fields["task_id"] = procErr.TaskID
			fields["template_id"] = procErr.TemplateID
			fields["request_id"] = procErr.RequestID
		}
		switch {
		case err == nil:
			metrics.IncTasksCompleted()
		case workerproc.ShouldDelete(err):
			// Acknowledged so SQS drops it.
			metrics.IncTasksDeletedUnrecoverable()
			fields["error"] = err
			telemetry.Error("worker.task.unrecoverable", fields)
		default:
			metrics.IncTasksFailed()
			fields["error"] = err
			telemetry.Error("worker.task.failed", fields)
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return events.SQSEventResponse{BatchItemFailures: failures}
}

func allFailed(records []events.SQSMessage) []events.SQSBatchItemFailure {
	out := make([]events.SQSBatchItemFailure, 0, len(records))
	for _, r := range records {
		out = append(out, events.SQSBatchItemFailure{ItemIdentifier: r.MessageId})
	}
	return out
}

func main() {
	lambda.Start(handler)
}
