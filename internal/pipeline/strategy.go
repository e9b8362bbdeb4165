package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"jobmatch-backend/internal/events"
	"jobmatch-backend/internal/llm"
	"jobmatch-backend/internal/lock"
	"jobmatch-backend/internal/queue"
	"jobmatch-backend/internal/retrieval"
	"jobmatch-backend/internal/services"
	"jobmatch-backend/internal/shared/metrics"
	"jobmatch-backend/internal/shared/storage/object"
	"jobmatch-backend/internal/shared/telemetry"
)

// Strategy implements one template. WriteResults is the only method that
// mutates the Service, resolves the debit or requests successors.
type Strategy interface {
	Template() Template
	// PrepareVars fills in missing upstream inputs. Calling it twice with the
	// same input yields the same output.
	PrepareVars(ctx context.Context, vars map[string]any, tc *TaskContext) (map[string]any, error)
	// Request describes the model call for prepared vars.
	Request(vars map[string]any, tc *TaskContext) llm.Request
	WriteResults(ctx context.Context, res llm.Result, vars map[string]any, tc *TaskContext) ([]DeferredTask, error)
}

// Starter is implemented by strategies that publish a pending status before
// the model call.
type Starter interface {
	OnStart(ctx context.Context, vars map[string]any, tc *TaskContext)
}

// DeferredTask is a successor pushed by the executor after locks are released.
type DeferredTask struct {
	Task  queue.Task
	Stage services.Stage
}

// TaskContext is the per-delivery state shared by the executor and a strategy.
type TaskContext struct {
	Task      queue.Task
	Service   services.Service
	SessionID string
	DebitID   string
	Mode      Mode
	Topic     string
	TraceID   string
	leases    []lock.Lease
}

// Billing is the part of the ledger strategies resolve debits with.
type Billing interface {
	MarkDebitSuccess(ctx context.Context, debitID, usageLogID string) (bool, error)
	RefundDebit(ctx context.Context, debitID, reason string) (bool, error)
}

// Deps are the collaborators shared by every strategy.
type Deps struct {
	Repo      services.Repo
	Billing   Billing
	Locker    lock.Locker
	Producer  queue.Producer
	Events    events.Channel
	Retriever retrieval.Retriever
	Store     object.ObjectStore
	LockTTL   time.Duration
}

type stageSpec struct {
	template Template
	artifact services.ArtifactKind
	json     bool
	validate func(json.RawMessage) error
}

// base carries the helpers common to all strategies.
type base struct {
	deps *Deps
	spec stageSpec
}

func (b *base) Template() Template { return b.spec.template }

func (b *base) stage() services.Stage { return b.spec.template.Stage() }

func (b *base) Request(vars map[string]any, tc *TaskContext) llm.Request {
	req := llm.Request{
		TemplateID: string(b.spec.template),
		JSON:       b.spec.json,
		Validate:   b.spec.validate,
	}
	if img := stringVar(vars, VarImage); img != "" {
		req.Images = []string{img}
	}
	return req
}

func (b *base) event(tc *TaskContext, typ string) events.Event {
	return events.Event{
		TaskID:    tc.Task.TaskID,
		Type:      typ,
		Stage:     string(b.spec.template),
		RequestID: tc.Task.RequestID,
		TraceID:   tc.TraceID,
	}
}

func (b *base) publishStatus(ctx context.Context, tc *TaskContext, status services.Status, code string) {
	ev := b.event(tc, events.TypeStatus)
	ev.Status = string(status)
	ev.Code = code
	ev.LastUpdatedAt = time.Now().UTC()
	if code != "" {
		ev.Message = services.FailureMessage(code)
	}
	nonFatal("publish.status", tc, b.deps.Events.Publish(ctx, tc.Topic, ev))
}

func (b *base) publishResult(ctx context.Context, tc *TaskContext, body []byte) error {
	ev := b.event(tc, events.ResultType(string(b.spec.template)))
	ev.JSON = json.RawMessage(body)
	ev.LastUpdatedAt = time.Now().UTC()
	return b.deps.Events.Publish(ctx, tc.Topic, ev)
}

// begin moves the stage to its in-progress status and announces it.
func (b *base) begin(ctx context.Context, tc *TaskContext) {
	svc, err := b.deps.Repo.UpdateExecutionStatus(ctx, tc.Service.ID, tc.SessionID, services.Event{Kind: services.EventBegin, Stage: b.stage()})
	if err != nil {
		if !isDuplicate(err) {
			nonFatal("status.begin", tc, err)
		}
		return
	}
	tc.Service = svc
	b.publishStatus(ctx, tc, svc.Status, "")
}

// complete persists the artifact with the completed status while the result
// event is published. applied is false when another delivery already moved
// the Service on.
func (b *base) complete(ctx context.Context, tc *TaskContext, body []byte) (bool, error) {
	stage := b.stage()
	var svc services.Service
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var werr error
		if stage == "" {
			werr = b.deps.Repo.SetArtifact(gctx, tc.Service.ID, b.spec.artifact, body)
			svc = tc.Service
			return werr
		}
		kind := b.spec.artifact
		if body == nil {
			kind = ""
		}
		svc, werr = b.deps.Repo.MarkStageCompleted(gctx, tc.Service.ID, tc.SessionID, stage, kind, body)
		return werr
	})
	if body != nil {
		g.Go(func() error {
			nonFatal("publish.result", tc, b.publishResult(gctx, tc, body))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if isDuplicate(err) {
			metrics.IncDuplicateAbsorbed("status_write")
			telemetry.Info("pipeline.stage.duplicate", map[string]any{
				"service_id":  tc.Service.ID,
				"task_id":     tc.Task.TaskID,
				"template_id": string(b.spec.template),
				"error":       err,
			})
			return false, nil
		}
		return false, err
	}
	tc.Service = svc
	if stage != "" {
		b.publishStatus(ctx, tc, svc.Status, "")
	}
	metrics.IncStageOutcome(string(b.spec.template), "completed")
	telemetry.Info("pipeline.stage.completed", map[string]any{
		"service_id":  tc.Service.ID,
		"task_id":     tc.Task.TaskID,
		"template_id": string(b.spec.template),
		"status":      string(svc.Status),
	})
	return true, nil
}

// fail records a stage failure and refunds the attempt. Only a dependency
// miss, or a schema failure of the stage that ends the attempt, is returned
// to the caller.
func (b *base) fail(ctx context.Context, tc *TaskContext, cause error, raw string) error {
	code := classifyFailure(b.spec.template, cause, raw)
	fields := map[string]any{
		"service_id":   tc.Service.ID,
		"task_id":      tc.Task.TaskID,
		"template_id":  string(b.spec.template),
		"failure_code": code,
		"error":        cause,
	}
	if errors.Is(cause, llm.ErrSchemaValidation) || errors.Is(cause, llm.ErrInvalidJSON) {
		telemetry.Warn("pipeline.stage.schema_failed", fields)
	} else {
		telemetry.Warn("pipeline.stage.failed", fields)
	}
	metrics.IncStageOutcome(string(b.spec.template), "failed")

	stage := b.stage()
	if stage == "" {
		b.publishStatus(ctx, tc, tc.Service.Status, code)
		return b.propagated(tc, cause)
	}
	svc, err := b.deps.Repo.MarkStageFailed(ctx, tc.Service.ID, tc.SessionID, stage, code)
	switch {
	case isDuplicate(err):
		metrics.IncDuplicateAbsorbed("status_write")
		return nil
	case err != nil:
		nonFatal("status.fail", tc, err)
		b.publishStatus(ctx, tc, failedStatus[stage], code)
	default:
		tc.Service = svc
		b.publishStatus(ctx, tc, svc.Status, code)
	}
	b.refund(ctx, tc, code)
	return b.propagated(tc, cause)
}

func (b *base) propagated(tc *TaskContext, cause error) error {
	if errors.Is(cause, ErrDependencyMissing) {
		return cause
	}
	if errors.Is(cause, llm.ErrSchemaValidation) && Successor(tc.Service, b.spec.template) == "" {
		return cause
	}
	return nil
}

// settle marks the attempt's debit successful.
func (b *base) settle(ctx context.Context, tc *TaskContext) {
	if tc.DebitID == "" {
		return
	}
	_, err := b.deps.Billing.MarkDebitSuccess(ctx, tc.DebitID, tc.Task.TaskID)
	nonFatal("ledger.success", tc, err)
}

func (b *base) refund(ctx context.Context, tc *TaskContext, reason string) {
	refundDebit(ctx, b.deps.Billing, tc, reason)
}

func refundDebit(ctx context.Context, billing Billing, tc *TaskContext, reason string) {
	if tc.DebitID == "" {
		return
	}
	if _, err := billing.RefundDebit(ctx, tc.DebitID, reason); err != nil {
		metrics.IncRefundFailure()
		telemetry.Error("ledger.refund.failed", map[string]any{
			"service_id": tc.Service.ID,
			"debit_id":   tc.DebitID,
			"reason":     reason,
			"error":      err,
		})
	}
}

// finish completes the stage and either settles the attempt or advances to
// the successor. Leaf tasks do neither.
func (b *base) finish(ctx context.Context, tc *TaskContext, body []byte) ([]DeferredTask, error) {
	applied, err := b.complete(ctx, tc, body)
	if err != nil || !applied || b.stage() == "" {
		return nil, err
	}
	return b.proceed(ctx, tc)
}

// proceeder is implemented by every stage strategy through base.
type proceeder interface {
	proceed(ctx context.Context, tc *TaskContext) ([]DeferredTask, error)
}

// proceed runs what follows a completed stage. Both branches are safe to
// repeat: settling is resolved at most once and advance dedups on the lock
// and the successor status.
func (b *base) proceed(ctx context.Context, tc *TaskContext) ([]DeferredTask, error) {
	next := Successor(tc.Service, b.spec.template)
	if next == "" {
		b.settle(ctx, tc)
		return nil, nil
	}
	return b.advance(ctx, tc, next)
}

// advance claims the successor under a short lock and records it as
// enqueued. The task is returned for the executor to push after teardown.
func (b *base) advance(ctx context.Context, tc *TaskContext, next Template) ([]DeferredTask, error) {
	stage := next.Stage()
	fields := map[string]any{
		"service_id": tc.Service.ID,
		"task_id":    tc.Task.TaskID,
		"next":       string(next),
	}
	lease, err := b.deps.Locker.Acquire(ctx, lock.Key(tc.Service.ID, string(next)), b.deps.LockTTL)
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		metrics.IncDuplicateAbsorbed("lock")
		telemetry.Info("pipeline.advance.skipped", fields)
		return nil, nil
	case err != nil:
		// The status transition below still serializes competing workers.
		fields["error"] = err
		telemetry.Warn("pipeline.lock.unavailable", fields)
	default:
		tc.leases = append(tc.leases, lease)
	}

	current, err := b.deps.Repo.GetByID(ctx, tc.Service.ID)
	if err != nil {
		return nil, err
	}
	if current.SessionID != tc.SessionID || services.AtOrPast(current.Status, services.EntryStatus(stage)) {
		metrics.IncDuplicateAbsorbed("status")
		telemetry.Info("pipeline.advance.duplicate", fields)
		return nil, nil
	}
	svc, err := b.deps.Repo.UpdateExecutionStatus(ctx, tc.Service.ID, tc.SessionID, services.Event{Kind: services.EventEnqueue, Stage: stage})
	if err != nil {
		if isDuplicate(err) {
			metrics.IncDuplicateAbsorbed("status_write")
			return nil, nil
		}
		return nil, err
	}
	tc.Service = svc

	task := NewTask(svc, next, tc.SessionID, tc.DebitID, tc.Task.RequestID, tc.TraceID)
	succ := &TaskContext{Task: task, Service: svc, SessionID: tc.SessionID, TraceID: tc.TraceID, Topic: events.Topic(task.UserID, task.ServiceID, task.TaskID)}
	nb := base{deps: b.deps, spec: stageSpec{template: next}}
	nb.publishStatus(ctx, succ, svc.Status, "")
	return []DeferredTask{{Task: task, Stage: stage}}, nil
}

// artifact loads a stored stage output; a missing artifact is returned as nil.
func (b *base) artifact(ctx context.Context, tc *TaskContext, kind services.ArtifactKind) (json.RawMessage, error) {
	body, err := b.deps.Repo.GetArtifact(ctx, tc.Service.ID, kind)
	if errors.Is(err, services.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(ErrStorage, err)
	}
	return json.RawMessage(body), nil
}

// requireArtifact sets vars[key] from the artifact unless already present.
func (b *base) requireArtifact(ctx context.Context, tc *TaskContext, vars map[string]any, key string, kind services.ArtifactKind) error {
	if hasVar(vars, key) {
		return nil
	}
	body, err := b.artifact(ctx, tc, kind)
	if err != nil {
		return err
	}
	if body == nil {
		return errors.Join(ErrDependencyMissing, errors.New(string(kind)+" not found"))
	}
	vars[key] = body
	return nil
}

// optionalArtifact sets vars[key] from the artifact when it exists.
func (b *base) optionalArtifact(ctx context.Context, tc *TaskContext, vars map[string]any, key string, kind services.ArtifactKind) error {
	if hasVar(vars, key) {
		return nil
	}
	body, err := b.artifact(ctx, tc, kind)
	if err != nil || body == nil {
		return err
	}
	vars[key] = body
	return nil
}
