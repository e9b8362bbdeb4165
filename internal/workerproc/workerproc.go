package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"jobmatch-backend/internal/pipeline"
	"jobmatch-backend/internal/queue"
)

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{BodyLen: 0, BodySHA: ""}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a JSON decode failure.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode task"
	}
	return "decode task: " + e.Err.Error()
}

func (e ErrDecode) Unwrap() error { return e.Err }

// ErrMissingServiceID indicates a task without a service or template id.
type ErrMissingServiceID struct {
	Meta      MessageMeta
	RequestID string
}

func (e ErrMissingServiceID) Error() string { return "missing service id or template id" }

// ErrProcess indicates execution failed after successful parsing.
type ErrProcess struct {
	ServiceID  string
	TaskID     string
	TemplateID string
	RequestID  string
	Err        error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "process task"
	}
	return "process task: " + e.Err.Error()
}

func (e ErrProcess) Unwrap() error { return e.Err }

// Processor executes one decoded task.
type Processor interface {
	Execute(ctx context.Context, task queue.Task) error
}

// ParseMessage validates and decodes the queue payload.
func ParseMessage(body string) (queue.Task, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return queue.Task{}, meta, ErrEmptyBody{Meta: meta}
	}

	task, err := queue.DecodeTask([]byte(body))
	if err != nil {
		return queue.Task{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	if strings.TrimSpace(task.ServiceID) == "" || strings.TrimSpace(task.TemplateID) == "" {
		return task, meta, ErrMissingServiceID{Meta: meta, RequestID: task.RequestID}
	}
	return task, meta, nil
}

type parsedTaskKey struct{}

// WithParsedTask stores a decoded task in the context for reuse.
func WithParsedTask(ctx context.Context, task queue.Task) context.Context {
	return context.WithValue(ctx, parsedTaskKey{}, task)
}

func parsedTaskFromContext(ctx context.Context) (queue.Task, bool) {
	if ctx == nil {
		return queue.Task{}, false
	}
	task, ok := ctx.Value(parsedTaskKey{}).(queue.Task)
	return task, ok
}

// Handle parses, validates and executes a task payload. A task already
// parsed by the transport is taken from ctx.
func Handle(ctx context.Context, p Processor, body string) error {
	if p == nil {
		return errors.New("pipeline executor not configured")
	}
	task, ok := parsedTaskFromContext(ctx)
	if !ok {
		var err error
		task, _, err = ParseMessage(body)
		if err != nil {
			return err
		}
	}

	if err := p.Execute(ctx, task); err != nil {
		return ErrProcess{
			ServiceID:  task.ServiceID,
			TaskID:     task.TaskID,
			TemplateID: task.TemplateID,
			RequestID:  task.RequestID,
			Err:        err,
		}
	}
	return nil
}

// ShouldDelete reports whether a failed delivery must be dropped rather than
// redelivered: malformed payloads and failures retries cannot fix.
func ShouldDelete(err error) bool {
	if err == nil {
		return true
	}
	var (
		empty   ErrEmptyBody
		decode  ErrDecode
		missing ErrMissingServiceID
	)
	if errors.As(err, &empty) || errors.As(err, &decode) || errors.As(err, &missing) {
		return true
	}
	return pipeline.IsUnrecoverable(err) || queue.IsUnrecoverable(err)
}
