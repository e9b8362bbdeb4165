package workerproc

import (
	"context"
	"time"

	"jobmatch-backend/internal/queue"
	"jobmatch-backend/internal/shared/metrics"
	"jobmatch-backend/internal/shared/telemetry"
)

const (
	defaultInlinePoll  = 100 * time.Millisecond
	maxInlineDelivered = 3
)

// RunInline drains an in-process queue until ctx is cancelled. It stands in
// for a broker in dev: transient failures are redelivered a bounded number
// of times, everything else is dropped.
func RunInline(ctx context.Context, q *queue.MemoryQueue, p Processor, poll time.Duration) error {
	if poll <= 0 {
		poll = defaultInlinePoll
	}
	delivered := make(map[string]int)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		for {
			task, ok := q.Pop()
			if !ok {
				break
			}
			metrics.IncTasksReceived()
			delivered[task.TaskID]++
			err := p.Execute(ctx, task)
			switch {
			case err == nil:
				metrics.IncTasksCompleted()
				delete(delivered, task.TaskID)
			case ShouldDelete(err) || delivered[task.TaskID] >= maxInlineDelivered:
				metrics.IncTasksDeletedUnrecoverable()
				telemetry.Error("worker.inline.dropped", map[string]any{
					"task_id":     task.TaskID,
					"template_id": task.TemplateID,
					"service_id":  task.ServiceID,
					"attempts":    delivered[task.TaskID],
					"error":       err.Error(),
				})
				delete(delivered, task.TaskID)
			default:
				metrics.IncTasksFailed()
				if pushErr := q.Push(context.WithoutCancel(ctx), task); pushErr != nil {
					return pushErr
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
