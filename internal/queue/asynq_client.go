package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// AsynqTaskType is the asynq task type carrying pipeline tasks.
const AsynqTaskType = "pipeline:task"

// AsynqClient pushes tasks to a Redis-backed asynq queue.
type AsynqClient struct {
	client   *asynq.Client
	queue    string
	maxRetry int
}

// NewAsynqClient constructs an asynq producer from a redis URI or host:port.
func NewAsynqClient(redisAddr, queueName string) (*AsynqClient, error) {
	opt, err := AsynqRedisOpt(redisAddr)
	if err != nil {
		return nil, err
	}
	if queueName == "" {
		queueName = "pipeline"
	}
	return &AsynqClient{
		client:   asynq.NewClient(opt),
		queue:    queueName,
		maxRetry: 3,
	}, nil
}

// AsynqRedisOpt parses redis://... URIs and falls back to a plain address.
func AsynqRedisOpt(redisAddr string) (asynq.RedisConnOpt, error) {
	if redisAddr == "" {
		return nil, fmt.Errorf("asynq redis address is required")
	}
	if opt, err := asynq.ParseRedisURI(redisAddr); err == nil {
		return opt, nil
	}
	return asynq.RedisClientOpt{Addr: redisAddr}, nil
}

// Push enqueues the task. A conflicting task id means the same task is already
// queued, which counts as delivered.
func (c *AsynqClient) Push(ctx context.Context, task Task) error {
	body, err := EncodeTask(task)
	if err != nil {
		return fmt.Errorf("encode asynq task: %w", err)
	}
	opts := []asynq.Option{asynq.Queue(c.queue), asynq.MaxRetry(c.maxRetry)}
	if task.TaskID != "" {
		opts = append(opts, asynq.TaskID(task.TaskID))
	}
	_, err = c.client.EnqueueContext(ctx, asynq.NewTask(AsynqTaskType, body), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("asynq enqueue: %w", err)
	}
	return nil
}

func (c *AsynqClient) Close() error {
	return c.client.Close()
}

var _ Producer = (*AsynqClient)(nil)
