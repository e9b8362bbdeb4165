package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"jobmatch-backend/internal/idempotency"
	"jobmatch-backend/internal/ledger"
	"jobmatch-backend/internal/services"
	"jobmatch-backend/internal/shared/storage/object"
)

func TestCreateIsIdempotentPerKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := textRequest(services.Plan{})
	req.IdempotencyKey = "create-1"

	first, err := h.launcher.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := h.launcher.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create again: %v", err)
	}
	if !second.Duplicate || second.Service.ID != first.Service.ID || second.TaskID != first.TaskID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Service.ID, second)
	}
	if n := len(h.queue.Pushed()); n != 1 {
		t.Fatalf("expected one push, got %d", n)
	}
	b, _ := h.ledger.Balance(ctx, "user-1")
	if b.Used != testPrices.Match {
		t.Fatalf("expected a single debit, used=%d", b.Used)
	}
}

func TestCreateWithoutKeyDedupesIdenticalBodies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.launcher.Create(ctx, textRequest(services.Plan{}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := h.launcher.Create(ctx, textRequest(services.Plan{}))
	if err != nil {
		t.Fatalf("Create again: %v", err)
	}
	if second.Service.ID != first.Service.ID {
		t.Fatalf("identical bodies should resolve to one service")
	}
	third, err := h.launcher.Create(ctx, textRequest(services.Plan{Interview: true}))
	if err != nil {
		t.Fatalf("Create different: %v", err)
	}
	if third.Service.ID == first.Service.ID {
		t.Fatalf("different bodies must create a new service")
	}
}

func TestCreateValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for name, mutate := range map[string]func(*CreateRequest){
		"no user":   func(r *CreateRequest) { r.UserID = "" },
		"no job":    func(r *CreateRequest) { r.JobText, r.JobImageKey = "", "" },
		"no resume": func(r *CreateRequest) { r.ResumeText, r.ResumeKey = "", "" },
		"bad tier":  func(r *CreateRequest) { r.Tier = "gold" },
		"foreign resume": func(r *CreateRequest) {
			r.ResumeKey, _ = object.NewKey("someone-else", object.KindResume, "cv.pdf")
		},
		"image key as resume": func(r *CreateRequest) {
			r.ResumeKey, _ = object.NewKey(r.UserID, object.KindJobImage, "job.png")
		},
	} {
		req := textRequest(services.Plan{})
		mutate(&req)
		if _, err := h.launcher.Create(ctx, req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}
	if n := len(h.queue.Pushed()); n != 0 {
		t.Fatalf("invalid requests must not push, got %d", n)
	}
}

func TestCreateOverQuotaReleasesKey(t *testing.T) {
	h := newHarness(t)
	h.launcher.Ledger = newRecordingLedger(1)
	ctx := context.Background()
	req := textRequest(services.Plan{Customize: true})
	req.IdempotencyKey = "over"

	if _, err := h.launcher.Create(ctx, req); !errors.Is(err, ledger.ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
	if _, err := h.launcher.Create(ctx, req); !errors.Is(err, ledger.ErrLimitReached) {
		t.Fatalf("expected the key to be released, got %v", err)
	}
	if n := len(h.queue.Pushed()); n != 0 {
		t.Fatalf("expected no pushes, got %d", n)
	}
	if n := h.repo.Len(); n != 0 {
		t.Fatalf("a rejected debit must not leave a service behind, got %d", n)
	}
}

func TestCreateRefundsWhenFirstPushFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.queue.Err = errors.New("queue unavailable")

	req := textRequest(services.Plan{})
	req.IdempotencyKey = "push-fail"
	if _, err := h.launcher.Create(ctx, req); !errors.Is(err, ErrEnqueue) {
		t.Fatalf("expected ErrEnqueue, got %v", err)
	}
	b, _ := h.ledger.Balance(ctx, "user-1")
	if b.Used != 0 {
		t.Fatalf("expected refund, used=%d", b.Used)
	}
	last := lastStatus(h.events.Published())
	if last.Status != string(services.StatusSummaryFailed) || last.Code != services.FailureInternal {
		t.Fatalf("unexpected final status %+v", last)
	}

	h.queue.Err = nil
	launch, err := h.launcher.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create after recovery: %v", err)
	}
	if launch.Duplicate {
		t.Fatalf("a failed launch must not be replayed")
	}
}

func TestRetryRequiresFailedService(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	launch, err := h.launcher.Create(ctx, textRequest(services.Plan{}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.launcher.Retry(ctx, "user-1", launch.Service.ID, ""); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	if _, err := h.launcher.Retry(ctx, "user-2", launch.Service.ID, ""); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another user, got %v", err)
	}
}

func TestRetryOfFailedCustomizeRestartsCustomize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.model.responses[string(TemplateCustomize)] = `{"headline":""}`
	launch, err := h.launcher.Create(ctx, textRequest(services.Plan{Customize: true}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.drain(t)
	if svc := h.service(t, launch.Service.ID); svc.Status != services.StatusCustomizeFailed {
		t.Fatalf("expected CUSTOMIZE_FAILED, got %s", svc.Status)
	}

	h.model.responses[string(TemplateCustomize)] = customizeJSON
	retry, err := h.launcher.Retry(ctx, "user-1", launch.Service.ID, "")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retry.Service.Status != services.StatusCustomizeStarting {
		t.Fatalf("expected CUSTOMIZE_STARTING, got %s", retry.Service.Status)
	}
	if retry.Service.DebitAmount != testPrices.Customize {
		t.Fatalf("retry should charge customize only, got %d", retry.Service.DebitAmount)
	}
	h.drain(t)
	if svc := h.service(t, launch.Service.ID); svc.Status != services.StatusCustomizeCompleted {
		t.Fatalf("expected CUSTOMIZE_COMPLETED, got %s", svc.Status)
	}
	again, err := h.launcher.Retry(ctx, "user-1", launch.Service.ID, "")
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("retry of completed service: %+v %v", again, err)
	}
}

func TestStartInterviewAfterMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	launch, err := h.launcher.Create(ctx, textRequest(services.Plan{}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.launcher.StartInterview(ctx, "user-1", launch.Service.ID, ""); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("interview before match: expected ErrNotAllowed, got %v", err)
	}
	h.drain(t)

	started, err := h.launcher.StartInterview(ctx, "user-1", launch.Service.ID, "")
	if err != nil {
		t.Fatalf("StartInterview: %v", err)
	}
	if started.Service.Status != services.StatusInterviewPending {
		t.Fatalf("expected INTERVIEW_PENDING, got %s", started.Service.Status)
	}
	if _, err := h.launcher.StartInterview(ctx, "user-1", launch.Service.ID, ""); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("second start while pending: expected ErrNotAllowed, got %v", err)
	}
	h.drain(t)
	svc := h.service(t, launch.Service.ID)
	if svc.Status != services.StatusInterviewCompleted {
		t.Fatalf("expected INTERVIEW_COMPLETED, got %s", svc.Status)
	}
	if svc.Plan.Customize || !svc.Plan.Interview {
		t.Fatalf("unexpected plan %+v", svc.Plan)
	}
	if _, err := h.repo.GetArtifact(ctx, svc.ID, services.ArtifactCustomize); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("interview must not run customize")
	}
}

func TestSummarizeResumeIsUnbilledLeaf(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	launch, err := h.launcher.Create(ctx, textRequest(services.Plan{}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.drain(t)
	before, _ := h.ledger.Balance(ctx, "user-1")

	if _, err := h.launcher.SummarizeResume(ctx, "user-1", launch.Service.ID, true, ""); err != nil {
		t.Fatalf("SummarizeResume: %v", err)
	}
	h.drain(t)
	after, _ := h.ledger.Balance(ctx, "user-1")
	if after.Used != before.Used {
		t.Fatalf("resume summary must not be billed")
	}
	if _, err := h.repo.GetArtifact(ctx, launch.Service.ID, services.ArtifactDetailedResumeSummary); err != nil {
		t.Fatalf("expected detailed summary artifact: %v", err)
	}
	if svc := h.service(t, launch.Service.ID); svc.Status != services.StatusMatchCompleted {
		t.Fatalf("leaf task moved status to %s", svc.Status)
	}
}

func TestGuardInFlightIsSurfaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := textRequest(services.Plan{})
	req.IdempotencyKey = "busy"
	key := idempotency.Key("service.create", req.UserID, req.IdempotencyKey)
	if _, err := h.guard.Begin(ctx, key, 0); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := h.launcher.Create(ctx, req); !errors.Is(err, idempotency.ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
}

type failingCompleteGuard struct {
	*idempotency.MemoryGuard
}

func (g failingCompleteGuard) Complete(ctx context.Context, key, result string, ttl time.Duration) error {
	return errors.New("redis write timeout")
}

func TestCreateReleasesKeyWhenCompleteFails(t *testing.T) {
	h := newHarness(t)
	h.launcher.Guard = failingCompleteGuard{MemoryGuard: h.guard}
	ctx := context.Background()
	req := textRequest(services.Plan{})
	req.IdempotencyKey = "complete-fails"

	if _, err := h.launcher.Create(ctx, req); err != nil {
		t.Fatalf("Create: %v", err)
	}
	again, err := h.launcher.Create(ctx, req)
	if errors.Is(err, idempotency.ErrInFlight) {
		t.Fatalf("key stayed pending after a failed Complete")
	}
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if again.Duplicate {
		t.Fatalf("nothing was stored for the key, expected a fresh launch")
	}
}
