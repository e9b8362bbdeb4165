package queue

import "context"

// Producer pushes tasks to a durable at-least-once queue.
type Producer interface {
	Push(ctx context.Context, task Task) error
}
