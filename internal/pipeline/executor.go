package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jobmatch-backend/internal/events"
	"jobmatch-backend/internal/llm"
	"jobmatch-backend/internal/lock"
	"jobmatch-backend/internal/queue"
	"jobmatch-backend/internal/services"
	"jobmatch-backend/internal/shared/metrics"
	"jobmatch-backend/internal/shared/telemetry"
)

// Executor runs one queue delivery through its strategy.
type Executor struct {
	Registry *Registry
	Deps     *Deps
	Model    llm.Executor
	Router   Router
}

func NewExecutor(deps *Deps, model llm.Executor) *Executor {
	if deps.LockTTL <= 0 {
		deps.LockTTL = lock.DefaultTTL
	}
	return &Executor{
		Registry: NewRegistry(deps),
		Deps:     deps,
		Model:    model,
	}
}

// Execute resolves the strategy, prepares variables, calls the model and
// writes results. Successors are pushed only after leases are released.
// A nil return means the delivery can be acknowledged.
func (e *Executor) Execute(ctx context.Context, task queue.Task) (err error) {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("template_id", task.TemplateID),
		attribute.String("service_id", task.ServiceID),
		attribute.String("task_id", task.TaskID),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			telemetry.Error("pipeline.panic", map[string]any{
				"template_id": task.TemplateID,
				"task_id":     task.TaskID,
				"panic":       fmt.Sprint(r),
				"stack":       string(debug.Stack()),
			})
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ObserveStageDuration(task.TemplateID, time.Since(start))
	}()

	strategy, err := e.Registry.Lookup(task.TemplateID)
	if err != nil {
		telemetry.Error("pipeline.template.unknown", map[string]any{
			"template_id": task.TemplateID,
			"task_id":     task.TaskID,
		})
		return err
	}
	svc, err := e.Deps.Repo.GetByID(ctx, task.ServiceID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrServiceMissing, task.ServiceID)
		}
		return err
	}

	tc := e.taskContext(ctx, task, svc, strategy.Template())
	if reason := duplicateReason(tc, strategy.Template()); reason != "" {
		metrics.IncDuplicateAbsorbed(reason)
		telemetry.Info("pipeline.task.duplicate", map[string]any{
			"service_id":  svc.ID,
			"task_id":     task.TaskID,
			"template_id": task.TemplateID,
			"status":      string(svc.Status),
			"reason":      reason,
		})
		return nil
	}

	if resumable(tc, strategy.Template()) {
		return e.resume(ctx, strategy, tc)
	}

	vars := cloneVars(task.Variables)
	var res llm.Result
	prepared, err := strategy.PrepareVars(ctx, vars, tc)
	if err != nil {
		// Strategies fail the stage and refund without a model call.
		res = llm.Failed(err, "")
	} else {
		vars = prepared
		if s, ok := strategy.(Starter); ok {
			s.OnStart(ctx, vars, tc)
		}
		res = e.run(ctx, strategy, vars, tc)
	}

	deferred, writeErr := strategy.WriteResults(ctx, res, vars, tc)
	e.release(ctx, tc)
	e.push(ctx, tc, deferred)

	if writeErr != nil {
		telemetry.Warn("pipeline.task.failed", map[string]any{
			"service_id":  svc.ID,
			"task_id":     task.TaskID,
			"template_id": task.TemplateID,
			"error":       writeErr,
		})
		return writeErr
	}
	telemetry.Info("pipeline.task.processed", map[string]any{
		"service_id":  svc.ID,
		"task_id":     task.TaskID,
		"template_id": task.TemplateID,
		"ok":          res.OK,
		"vars":        varNames(vars),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

func (e *Executor) taskContext(ctx context.Context, task queue.Task, svc services.Service, t Template) *TaskContext {
	tc := &TaskContext{
		Task:      task,
		Service:   svc,
		SessionID: stringVar(task.Variables, VarSessionID),
		DebitID:   stringVar(task.Variables, VarDebitID),
		Mode:      e.Router.Mode(svc.Tier, t),
		Topic:     events.Topic(task.UserID, task.ServiceID, task.TaskID),
		TraceID:   task.TraceID,
	}
	if tc.SessionID == "" {
		tc.SessionID = svc.SessionID
	}
	if tc.DebitID == "" && tc.SessionID == svc.SessionID {
		tc.DebitID = svc.DebitID
	}
	if tc.TraceID == "" {
		tc.TraceID = telemetry.TraceID(ctx)
	}
	return tc
}

// duplicateReason reports why a delivery needs no work, or "".
func duplicateReason(tc *TaskContext, t Template) string {
	stage := t.Stage()
	if stage == "" {
		return ""
	}
	if tc.SessionID != tc.Service.SessionID {
		return "stale_session"
	}
	if tc.Service.Status == completedStatus[stage] {
		return ""
	}
	if services.AtOrPast(tc.Service.Status, completedStatus[stage]) {
		return "already_completed"
	}
	return ""
}

// resumable reports whether the stage already completed in this session but
// its delivery died before the successor was claimed or the debit settled.
func resumable(tc *TaskContext, t Template) bool {
	stage := t.Stage()
	return stage != "" && tc.SessionID == tc.Service.SessionID && tc.Service.Status == completedStatus[stage]
}

// resume finishes a completed stage without calling the model again.
func (e *Executor) resume(ctx context.Context, strategy Strategy, tc *TaskContext) error {
	p, ok := strategy.(proceeder)
	if !ok {
		return nil
	}
	metrics.IncDuplicateAbsorbed("resumed")
	telemetry.Info("pipeline.task.resumed", map[string]any{
		"service_id":  tc.Service.ID,
		"task_id":     tc.Task.TaskID,
		"template_id": tc.Task.TemplateID,
		"status":      string(tc.Service.Status),
	})
	deferred, err := p.proceed(ctx, tc)
	e.release(ctx, tc)
	e.push(ctx, tc, deferred)
	return err
}

func (e *Executor) run(ctx context.Context, strategy Strategy, vars map[string]any, tc *TaskContext) llm.Result {
	req := strategy.Request(vars, tc)
	req.Variables = vars
	req.Locale = tc.Task.Locale
	if req.Locale == "" {
		req.Locale = tc.Service.Locale
	}
	if tc.Mode == ModeStreaming {
		return e.Model.RunStreaming(ctx, req, func(delta string) {
			ev := events.Event{
				TaskID:    tc.Task.TaskID,
				Type:      events.TypeDelta,
				Stage:     tc.Task.TemplateID,
				Delta:     delta,
				RequestID: tc.Task.RequestID,
				TraceID:   tc.TraceID,
			}
			nonFatal("publish.delta", tc, e.Deps.Events.Publish(ctx, tc.Topic, ev))
		})
	}
	return e.Model.RunStructured(ctx, req)
}

func (e *Executor) release(ctx context.Context, tc *TaskContext) {
	for _, lease := range tc.leases {
		nonFatal("lock.release", tc, e.Deps.Locker.Release(ctx, lease))
	}
	tc.leases = nil
}

// push enqueues successors. A successor that cannot be pushed fails its
// stage and refunds the attempt so the user can retry.
func (e *Executor) push(ctx context.Context, tc *TaskContext, deferred []DeferredTask) {
	for _, d := range deferred {
		d.Task.EnqueuedAt = time.Now().UTC().Format(time.RFC3339Nano)
		if err := e.Deps.Producer.Push(ctx, d.Task); err != nil {
			telemetry.Error("pipeline.enqueue.failed", map[string]any{
				"service_id":  d.Task.ServiceID,
				"task_id":     d.Task.TaskID,
				"template_id": d.Task.TemplateID,
				"error":       err,
			})
			e.abandon(ctx, tc, d, err)
			continue
		}
		metrics.IncTaskEnqueued(d.Task.TemplateID)
		telemetry.Info("pipeline.task.enqueued", map[string]any{
			"service_id":  d.Task.ServiceID,
			"task_id":     d.Task.TaskID,
			"template_id": d.Task.TemplateID,
		})
	}
}

func (e *Executor) abandon(ctx context.Context, tc *TaskContext, d DeferredTask, cause error) {
	succ := &TaskContext{
		Task:      d.Task,
		Service:   tc.Service,
		SessionID: tc.SessionID,
		DebitID:   tc.DebitID,
		Topic:     events.Topic(d.Task.UserID, d.Task.ServiceID, d.Task.TaskID),
		TraceID:   tc.TraceID,
	}
	b := base{deps: e.Deps, spec: stageSpec{template: Template(d.Task.TemplateID)}}
	_ = b.fail(ctx, succ, fmt.Errorf("%w: %s: %v", ErrEnqueue, d.Task.TemplateID, cause), "")
}
