package main

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"jobmatch-backend/internal/bootstrap"
	"jobmatch-backend/internal/shared/metrics"
	"jobmatch-backend/internal/shared/telemetry"
	"jobmatch-backend/internal/workerproc"
)

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func runSQS(ctx context.Context, app *bootstrap.App, opts workerOptions) error {
	queueURL := strings.TrimSpace(app.Config.SQSQueueURL)
	if queueURL == "" {
		return errors.New("SQS_QUEUE_URL is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(app.Config.AWSRegion))
	if err != nil {
		return err
	}
	client := sqs.NewFromConfig(awsCfg)
	log.Printf("worker started backend=sqs queue=%s concurrency=%d visibility=%ds", queueURL, opts.concurrency, opts.visibilitySeconds)
	return pollSQS(ctx, client, queueURL, app.Executor, opts)
}

// pollSQS receives until ctx is done. In-flight handlers run on a context
// detached from ctx so they can finish during the shutdown grace period;
// it is cancelled once the grace period runs out.
func pollSQS(ctx context.Context, client sqsAPI, queueURL string, proc workerproc.Processor, opts workerOptions) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	sem := make(chan struct{}, max(1, opts.concurrency))
	var wg sync.WaitGroup

pollLoop:
	for {
		select {
		case <-ctx.Done():
			break pollLoop
		default:
		}

		resp, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   int32(opts.visibilitySeconds),
			AttributeNames:      []sqstypes.QueueAttributeName{sqstypes.QueueAttributeName("ApproximateReceiveCount")},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				break pollLoop
			}
			log.Printf("receive message: %v", err)
			continue
		}

		for _, msg := range resp.Messages {
			select {
			case <-ctx.Done():
				break pollLoop
			case sem <- struct{}{}:
			}
			metrics.IncTasksReceived()
			wg.Add(1)
			go func(m sqstypes.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				handleMessage(workCtx, client, queueURL, proc, m)
			}(msg)
		}
	}

	log.Printf("shutdown requested, waiting up to %s for in-flight tasks", opts.shutdownTimeout)
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(opts.shutdownTimeout):
		log.Printf("shutdown timeout reached; cancelling in-flight tasks")
		cancelWork()
	}
	return nil
}

// handleMessage deletes the message when the task succeeded or can never
// succeed. Anything else stays on the queue for redelivery after the
// visibility timeout.
func handleMessage(ctx context.Context, client sqsAPI, queueURL string, proc workerproc.Processor, msg sqstypes.Message) {
	body := aws.ToString(msg.Body)
	task, meta, err := workerproc.ParseMessage(body)
	if err != nil {
		fields := baseFields(msg, task.ServiceID, task.TaskID, task.RequestID)
		fields["body_len"] = meta.BodyLen
		if meta.BodySHA != "" {
			fields["body_sha256"] = meta.BodySHA
		}
		fields["error"] = err.Error()
		telemetry.Error("worker.task.rejected", fields)
		if deleteMessage(ctx, client, queueURL, msg, task.ServiceID, task.RequestID) {
			metrics.IncTasksDeletedUnrecoverable()
		}
		return
	}

	fields := baseFields(msg, task.ServiceID, task.TaskID, task.RequestID)
	fields["template_id"] = task.TemplateID
	telemetry.Info("worker.task.received", fields)

	if err := workerproc.Handle(workerproc.WithParsedTask(ctx, task), proc, body); err != nil {
		fields["error"] = err.Error()
		if workerproc.ShouldDelete(err) {
			telemetry.Error("worker.task.unrecoverable", fields)
			if deleteMessage(ctx, client, queueURL, msg, task.ServiceID, task.RequestID) {
				metrics.IncTasksDeletedUnrecoverable()
			}
			return
		}
		telemetry.Error("worker.task.failed", fields)
		metrics.IncTasksFailed()
		return
	}

	if deleteMessage(ctx, client, queueURL, msg, task.ServiceID, task.RequestID) {
		telemetry.Info("worker.task.completed", fields)
		metrics.IncTasksCompleted()
	}
}

func deleteMessage(ctx context.Context, client sqsAPI, queueURL string, msg sqstypes.Message, serviceID, requestID string) bool {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		fields := baseFields(msg, serviceID, "", requestID)
		fields["error"] = "missing receipt handle"
		telemetry.Error("worker.task.delete_failed", fields)
		return false
	}
	if _, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		fields := baseFields(msg, serviceID, "", requestID)
		fields["error"] = err.Error()
		telemetry.Error("worker.task.delete_failed", fields)
		return false
	}
	return true
}

func baseFields(msg sqstypes.Message, serviceID, taskID, requestID string) map[string]any {
	fields := map[string]any{
		"service_id":     serviceID,
		"sqs_message_id": aws.ToString(msg.MessageId),
		"receive_count":  receiveCount(msg),
	}
	if taskID != "" {
		fields["task_id"] = taskID
	}
	if strings.TrimSpace(requestID) != "" {
		fields["request_id"] = requestID
	}
	return fields
}

func receiveCount(msg sqstypes.Message) int {
	if msg.Attributes == nil {
		return 0
	}
	raw := msg.Attributes["ApproximateReceiveCount"]
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}
