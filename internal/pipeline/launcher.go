package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobmatch-backend/internal/events"
	"jobmatch-backend/internal/idempotency"
	"jobmatch-backend/internal/ledger"
	"jobmatch-backend/internal/queue"
	"jobmatch-backend/internal/services"
	"jobmatch-backend/internal/shared/config"
	"jobmatch-backend/internal/shared/metrics"
	"jobmatch-backend/internal/shared/storage/object"
	"jobmatch-backend/internal/shared/telemetry"
)

// Ledger is what the launcher needs to bill an attempt.
type Ledger interface {
	Billing
	AtomicDeduct(ctx context.Context, d ledger.Deduction) (ledger.Entry, error)
}

// Launcher opens sessions on Services and pushes their first task.
type Launcher struct {
	Repo     services.Repo
	Ledger   Ledger
	Producer queue.Producer
	Events   events.Channel
	Guard    idempotency.Guard
	Prices   config.Prices
	IdemTTL  time.Duration
}

// CreateRequest starts a new analysis.
type CreateRequest struct {
	UserID         string        `json:"-"`
	Tier           services.Tier `json:"tier"`
	Locale         string        `json:"locale"`
	JobText        string        `json:"jobText"`
	JobImageKey    string        `json:"jobImageKey"`
	ResumeText     string        `json:"resumeText"`
	ResumeKey      string        `json:"resumeKey"`
	Plan           services.Plan `json:"plan"`
	IdempotencyKey string        `json:"-"`
	RequestID      string        `json:"-"`
}

// Launch is the outcome of starting a session. TaskID names the event topic
// of the first task.
type Launch struct {
	Service   services.Service `json:"service"`
	TaskID    string           `json:"taskId"`
	Duplicate bool             `json:"duplicate"`
}

var (
	// ErrInvalidRequest means the request cannot start a pipeline.
	ErrInvalidRequest = errors.New("invalid request")
)

// Create debits the quota, stores a started Service and pushes the first
// task. Nothing is stored when the debit fails. Repeating the same request
// returns the first launch.
func (l *Launcher) Create(ctx context.Context, req CreateRequest) (Launch, error) {
	if err := validateCreate(&req); err != nil {
		return Launch{}, err
	}
	fingerprint := req.IdempotencyKey
	if fingerprint == "" {
		body, err := json.Marshal(req)
		if err != nil {
			return Launch{}, err
		}
		fingerprint = idempotency.HashBody(body)
	}
	return l.guarded(ctx, idempotency.Key("service.create", req.UserID, fingerprint), func() (Launch, error) {
		now := time.Now().UTC()
		svc := services.Service{
			ID:          uuid.NewString(),
			UserID:      req.UserID,
			Tier:        req.Tier,
			Locale:      req.Locale,
			Plan:        req.Plan,
			JobText:     req.JobText,
			JobImageKey: req.JobImageKey,
			ResumeText:  req.ResumeText,
			ResumeKey:   req.ResumeKey,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return l.start(ctx, svc, FirstTemplate(svc), req.Plan, "service.create", req.RequestID)
	})
}

// Retry opens a new session on a failed Service at the stage that failed,
// or at the beginning when an analysis stage failed.
func (l *Launcher) Retry(ctx context.Context, userID, serviceID, requestID string) (Launch, error) {
	svc, err := l.owned(ctx, userID, serviceID)
	if err != nil {
		return Launch{}, err
	}
	if !services.IsFailed(svc.Status) {
		return Launch{}, fmt.Errorf("%w: status %s", ErrNotAllowed, svc.Status)
	}
	first := FirstTemplate(svc)
	switch services.StageOf(svc.Status) {
	case services.StageCustomize:
		first = TemplateCustomize
	case services.StageInterview:
		first = TemplateInterview
	}
	key := idempotency.Key("service.retry", userID, serviceID+":"+svc.SessionID)
	return l.guarded(ctx, key, func() (Launch, error) {
		return l.start(ctx, svc, first, svc.Plan, "service.retry", requestID)
	})
}

// StartCustomize runs customize, and interview when asked, after a match.
func (l *Launcher) StartCustomize(ctx context.Context, userID, serviceID string, withInterview bool, requestID string) (Launch, error) {
	return l.onDemand(ctx, userID, serviceID, TemplateCustomize, services.Plan{Customize: true, Interview: withInterview}, requestID)
}

// StartInterview runs interview preparation after a match.
func (l *Launcher) StartInterview(ctx context.Context, userID, serviceID, requestID string) (Launch, error) {
	return l.onDemand(ctx, userID, serviceID, TemplateInterview, services.Plan{Interview: true}, requestID)
}

// SummarizeResume pushes a resume summary task. It is not billed and does
// not move the Service status.
func (l *Launcher) SummarizeResume(ctx context.Context, userID, serviceID string, detailed bool, requestID string) (Launch, error) {
	svc, err := l.owned(ctx, userID, serviceID)
	if err != nil {
		return Launch{}, err
	}
	t := TemplateResumeSummary
	if detailed {
		t = TemplateDetailedResumeSummary
	}
	task := NewTask(svc, t, svc.SessionID, "", requestID, telemetry.TraceID(ctx))
	if err := l.Producer.Push(ctx, task); err != nil {
		return Launch{}, err
	}
	metrics.IncTaskEnqueued(task.TemplateID)
	return Launch{Service: svc, TaskID: task.TaskID}, nil
}

func (l *Launcher) onDemand(ctx context.Context, userID, serviceID string, t Template, plan services.Plan, requestID string) (Launch, error) {
	svc, err := l.owned(ctx, userID, serviceID)
	if err != nil {
		return Launch{}, err
	}
	if !services.CanTransition(svc.Status, services.Event{Kind: services.EventStart, Stage: t.Stage()}) {
		return Launch{}, fmt.Errorf("%w: status %s", ErrNotAllowed, svc.Status)
	}
	key := idempotency.Key("service."+string(t), userID, serviceID+":"+svc.SessionID)
	return l.guarded(ctx, key, func() (Launch, error) {
		return l.start(ctx, svc, t, plan, "service."+string(t), requestID)
	})
}

func (l *Launcher) owned(ctx context.Context, userID, serviceID string) (services.Service, error) {
	svc, err := l.Repo.GetByID(ctx, serviceID)
	if err != nil {
		return services.Service{}, err
	}
	if svc.UserID != userID {
		return services.Service{}, services.ErrNotFound
	}
	return svc, nil
}

// guarded runs fn once per key. Duplicates get the first launch back.
func (l *Launcher) guarded(ctx context.Context, key string, fn func() (Launch, error)) (Launch, error) {
	claim, err := l.Guard.Begin(ctx, key, l.IdemTTL)
	if err != nil {
		return Launch{}, err
	}
	if !claim.Fresh {
		var prev Launch
		if err := json.Unmarshal([]byte(claim.Result), &prev); err != nil {
			return Launch{}, err
		}
		if svc, err := l.Repo.GetByID(ctx, prev.Service.ID); err == nil {
			prev.Service = svc
		}
		prev.Duplicate = true
		telemetry.Info("launcher.duplicate", map[string]any{"service_id": prev.Service.ID})
		return prev, nil
	}
	launch, err := fn()
	if err != nil {
		if aerr := l.Guard.Abandon(ctx, key); aerr != nil {
			telemetry.Warn("idempotency.abandon.failed", map[string]any{"error": aerr})
		}
		return Launch{}, err
	}
	stored, err := json.Marshal(Launch{Service: services.Service{ID: launch.Service.ID}, TaskID: launch.TaskID})
	if err == nil {
		err = l.Guard.Complete(ctx, key, string(stored), l.IdemTTL)
	}
	if err != nil {
		telemetry.Warn("idempotency.complete.failed", map[string]any{"error": err, "service_id": launch.Service.ID})
		// A pending key would answer in_flight until it expires.
		if aerr := l.Guard.Abandon(ctx, key); aerr != nil {
			telemetry.Warn("idempotency.abandon.failed", map[string]any{"error": aerr})
		}
	}
	return launch, nil
}

// createStarted inserts a new Service already opened at its first stage.
func (l *Launcher) createStarted(ctx context.Context, svc services.Service, start services.SessionStart) (services.Service, error) {
	status, err := services.Transition(svc.Status, services.Event{Kind: services.EventStart, Stage: start.Stage})
	if err != nil {
		return svc, err
	}
	svc.Status = status
	svc.SessionID = start.SessionID
	svc.DebitID = start.DebitID
	svc.DebitAmount = start.DebitAmount
	svc.Plan = start.Plan
	if err := l.Repo.Create(ctx, svc); err != nil {
		return svc, err
	}
	return svc, nil
}

// start debits the attempt, opens the session and pushes the first task.
// The debit is refunded when the session cannot start.
func (l *Launcher) start(ctx context.Context, svc services.Service, first Template, plan services.Plan, reason, requestID string) (Launch, error) {
	planned := svc
	planned.Plan = plan
	amount := l.price(planned, first)

	var debit ledger.Entry
	if amount > 0 {
		var err error
		debit, err = l.Ledger.AtomicDeduct(ctx, ledger.Deduction{
			UserID:     svc.UserID,
			Amount:     amount,
			Reason:     reason,
			ServiceID:  svc.ID,
			TemplateID: string(first),
		})
		if err != nil {
			return Launch{}, err
		}
	}

	sessionID := uuid.NewString()
	session := services.SessionStart{
		Stage:       first.Stage(),
		SessionID:   sessionID,
		DebitID:     debit.ID,
		DebitAmount: debit.Amount,
		Plan:        plan,
	}
	var (
		started services.Service
		err     error
	)
	if svc.Status == "" && svc.SessionID == "" {
		started, err = l.createStarted(ctx, svc, session)
	} else {
		started, err = l.Repo.StartSession(ctx, svc.ID, session)
	}
	if err != nil {
		l.refund(ctx, debit.ID, "session.start_failed")
		if errors.Is(err, services.ErrIllegalTransition) {
			return Launch{}, errors.Join(ErrNotAllowed, err)
		}
		return Launch{}, err
	}

	task := NewTask(started, first, sessionID, debit.ID, requestID, telemetry.TraceID(ctx))
	tc := &TaskContext{
		Task:      task,
		Service:   started,
		SessionID: sessionID,
		DebitID:   debit.ID,
		Topic:     events.Topic(task.UserID, task.ServiceID, task.TaskID),
		TraceID:   task.TraceID,
	}
	b := base{deps: &Deps{Repo: l.Repo, Billing: l.Ledger, Events: l.Events}, spec: stageSpec{template: first}}
	b.publishStatus(ctx, tc, started.Status, "")

	if err := l.Producer.Push(ctx, task); err != nil {
		telemetry.Error("launcher.enqueue.failed", map[string]any{
			"service_id":  svc.ID,
			"template_id": string(first),
			"error":       err,
		})
		_ = b.fail(ctx, tc, fmt.Errorf("%w: %v", ErrEnqueue, err), "")
		return Launch{}, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}
	metrics.IncTaskEnqueued(task.TemplateID)
	telemetry.Info("launcher.session.started", map[string]any{
		"service_id":  svc.ID,
		"session_id":  sessionID,
		"template_id": string(first),
		"debit_id":    debit.ID,
		"amount":      amount,
	})
	return Launch{Service: started, TaskID: task.TaskID}, nil
}

func (l *Launcher) refund(ctx context.Context, debitID, reason string) {
	if debitID == "" {
		return
	}
	if _, err := l.Ledger.RefundDebit(ctx, debitID, reason); err != nil {
		metrics.IncRefundFailure()
		telemetry.Error("ledger.refund.failed", map[string]any{"debit_id": debitID, "reason": reason, "error": err})
	}
}

// price sums the billable stages an attempt opened at first will run.
func (l *Launcher) price(svc services.Service, first Template) int {
	total := 0
	for t := first; t != ""; t = Successor(svc, t) {
		switch t {
		case TemplateMatch:
			total += l.Prices.Match
		case TemplatePreMatchAudit:
			total += l.Prices.PreMatch
		case TemplateCustomize:
			total += l.Prices.Customize
		case TemplateInterview:
			total += l.Prices.Interview
		}
	}
	return total
}

func validateCreate(req *CreateRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	if req.Tier == "" {
		req.Tier = services.TierPaid
	}
	if req.Tier != services.TierFree && req.Tier != services.TierPaid {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidRequest, req.Tier)
	}
	if req.Locale == "" {
		req.Locale = "en"
	}
	if strings.TrimSpace(req.JobText) == "" && strings.TrimSpace(req.JobImageKey) == "" {
		return fmt.Errorf("%w: job text or image is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.ResumeText) == "" && strings.TrimSpace(req.ResumeKey) == "" {
		return fmt.Errorf("%w: resume is required", ErrInvalidRequest)
	}
	if !ownedKey(req.JobImageKey, req.UserID, object.KindJobImage) {
		return fmt.Errorf("%w: job image was not uploaded by this user", ErrInvalidRequest)
	}
	if !ownedKey(req.ResumeKey, req.UserID, object.KindResume) {
		return fmt.Errorf("%w: resume was not uploaded by this user", ErrInvalidRequest)
	}
	if req.Tier == services.TierFree {
		req.Plan = services.Plan{}
	}
	return nil
}

// ownedKey accepts empty keys, remote URLs and keys uploaded by user.
func ownedKey(key, user string, kind object.Kind) bool {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "https://") || strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "data:") {
		return true
	}
	return object.OwnedBy(key, user, kind)
}
