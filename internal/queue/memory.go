package queue

import (
	"context"
	"sync"
)

// MemoryQueue records pushed tasks in order. Tests drain it to drive workers.
type MemoryQueue struct {
	mu     sync.Mutex
	tasks  []Task
	pushed []Task
	// Err, when set, is returned by Push.
	Err error
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.tasks = append(q.tasks, task)
	q.pushed = append(q.pushed, task)
	return nil
}

// Pop removes the oldest pending task.
func (q *MemoryQueue) Pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return Task{}, false
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task, true
}

// Pushed returns every task ever pushed.
func (q *MemoryQueue) Pushed() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.pushed...)
}

// Len returns the number of pending tasks.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

var _ Producer = (*MemoryQueue)(nil)
