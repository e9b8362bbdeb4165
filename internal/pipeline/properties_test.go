package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"jobmatch-backend/internal/events"
	"jobmatch-backend/internal/ledger"
	"jobmatch-backend/internal/llm"
	"jobmatch-backend/internal/lock"
	"jobmatch-backend/internal/queue"
	"jobmatch-backend/internal/services"
)

func TestRedeliveryAfterSettlementIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	launch, err := h.launcher.Create(ctx, paidRequest(services.Plan{Customize: true, Interview: true}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.drain(t)
	before := len(h.queue.Pushed())
	calls := h.model.totalCalls()

	for round := 0; round < 3; round++ {
		for _, task := range h.queue.Pushed()[:before] {
			if err := h.exec.Execute(ctx, task); err != nil {
				t.Fatalf("redelivery of %s: %v", task.TemplateID, err)
			}
		}
	}

	svc := h.service(t, launch.Service.ID)
	successes, refunds := h.ledger.resolutions(svc.DebitID)
	if successes != 1 || refunds != 0 {
		t.Fatalf("expected one success and no refund, got %d/%d", successes, refunds)
	}
	if got := len(h.queue.Pushed()); got != before {
		t.Fatalf("redelivery pushed %d extra tasks", got-before)
	}
	if h.model.totalCalls() != calls {
		t.Fatalf("redelivery called the model again")
	}
	b, _ := h.ledger.Balance(ctx, "user-1")
	if b.Used != svc.DebitAmount {
		t.Fatalf("expected used=%d, got %d", svc.DebitAmount, b.Used)
	}
}

func TestFailedAttemptRefundsOnceAcrossRedeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.model.responses[string(TemplateCustomize)] = `{"headline":"x","unexpected":true}`

	launch, err := h.launcher.Create(ctx, textRequest(services.Plan{Customize: true}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.drain(t)
	svc := h.service(t, launch.Service.ID)
	if svc.Status != services.StatusCustomizeFailed || svc.FailureCode != services.FailureLLMSchemaMismatch {
		t.Fatalf("unexpected state %s/%s", svc.Status, svc.FailureCode)
	}
	for _, task := range h.queue.Pushed() {
		_ = h.exec.Execute(ctx, task)
	}
	successes, refunds := h.ledger.resolutions(svc.DebitID)
	if successes != 0 || refunds != 1 {
		t.Fatalf("expected exactly one refund, got success=%d refund=%d", successes, refunds)
	}
}

func TestRedeliveryAfterCompletionResumesChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	launch, err := h.launcher.Create(ctx, textRequest(services.Plan{}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	task, ok := h.queue.Pop()
	if !ok || task.TemplateID != string(TemplateJobSummary) {
		t.Fatalf("expected a job_summary task, got %+v", task)
	}
	// The first delivery stored its summary and died before claiming match.
	if _, err := h.repo.MarkStageCompleted(ctx, launch.Service.ID, launch.Service.SessionID,
		services.StageSummary, services.ArtifactJobSummary, []byte(jobSummaryJSON)); err != nil {
		t.Fatalf("MarkStageCompleted: %v", err)
	}

	if err := h.exec.Execute(ctx, task); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	h.drain(t)

	if n := h.model.callCount(TemplateJobSummary); n != 0 {
		t.Fatalf("redelivery repeated the summary model call %d times", n)
	}
	if n := h.pushedCount(TemplateMatch); n != 1 {
		t.Fatalf("expected match enqueued once, got %d", n)
	}
	svc := h.service(t, launch.Service.ID)
	if svc.Status != services.StatusMatchCompleted {
		t.Fatalf("chain stalled at %s", svc.Status)
	}
	if successes, _ := h.ledger.resolutions(svc.DebitID); successes != 1 {
		t.Fatalf("expected the debit settled once, got %d", successes)
	}

	// A later redelivery finds match in flight or past and does nothing.
	if err := h.exec.Execute(ctx, task); err != nil {
		t.Fatalf("second redelivery: %v", err)
	}
	if n := h.pushedCount(TemplateMatch); n != 1 {
		t.Fatalf("second redelivery pushed match again, got %d", n)
	}
}

func TestRedeliveryOfCompletedLastStageSettlesDebit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	launch, err := h.launcher.Create(ctx, textRequest(services.Plan{}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	summary, _ := h.queue.Pop()
	if err := h.exec.Execute(ctx, summary); err != nil {
		t.Fatalf("Execute summary: %v", err)
	}
	match, ok := h.queue.Pop()
	if !ok || match.TemplateID != string(TemplateMatch) {
		t.Fatalf("expected a match task, got %+v", match)
	}
	// Match was stored but the worker died before settling the debit.
	if _, err := h.repo.MarkStageCompleted(ctx, launch.Service.ID, launch.Service.SessionID,
		services.StageMatch, services.ArtifactMatch, []byte(matchJSON)); err != nil {
		t.Fatalf("MarkStageCompleted: %v", err)
	}
	if err := h.exec.Execute(ctx, match); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if n := h.model.callCount(TemplateMatch); n != 0 {
		t.Fatalf("redelivery repeated the match model call %d times", n)
	}
	entry, err := h.ledger.GetEntry(ctx, launch.Service.DebitID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if entry.Status != ledger.StatusSuccess {
		t.Fatalf("expected debit SUCCESS, got %s", entry.Status)
	}
}

func TestConcurrentSummaryDeliveriesEnqueueMatchOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.launcher.Create(ctx, textRequest(services.Plan{})); err != nil {
		t.Fatalf("Create: %v", err)
	}
	task, _ := h.queue.Pop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.exec.Execute(ctx, task); err != nil {
				t.Errorf("Execute: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := h.pushedCount(TemplateMatch); n != 1 {
		t.Fatalf("expected match enqueued once, got %d", n)
	}
}

func TestAdvanceSkipsWhenSuccessorLockHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	launch, err := h.launcher.Create(ctx, textRequest(services.Plan{}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	task, _ := h.queue.Pop()
	if _, err := h.locker.Acquire(ctx, lock.Key(launch.Service.ID, string(TemplateMatch)), time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := h.exec.Execute(ctx, task); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := h.pushedCount(TemplateMatch); n != 0 {
		t.Fatalf("expected no match push while another worker holds the lock, got %d", n)
	}
	if svc := h.service(t, launch.Service.ID); svc.Status != services.StatusSummaryCompleted {
		t.Fatalf("expected SUMMARY_COMPLETED, got %s", svc.Status)
	}
}

func TestStatusEventsAreMonotonicPerSession(t *testing.T) {
	for name, req := range map[string]CreateRequest{
		"paid-ocr":  paidRequest(services.Plan{PreMatchAudit: true, Customize: true, Interview: true}),
		"paid-text": textRequest(services.Plan{Interview: true}),
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			if _, err := h.launcher.Create(context.Background(), req); err != nil {
				t.Fatalf("Create: %v", err)
			}
			h.drain(t)
			assertMonotonic(t, h.events.Published())
		})
	}
}

func TestStatusEventsAreMonotonicOnFailure(t *testing.T) {
	h := newHarness(t)
	h.model.responses[string(TemplateMatch)] = `{"score":250}`
	if _, err := h.launcher.Create(context.Background(), textRequest(services.Plan{Customize: true})); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.drain(t)
	published := h.events.Published()
	assertMonotonic(t, published)
	last := lastStatus(published)
	if last.Status != string(services.StatusMatchFailed) || last.Code != services.FailureLLMSchemaMismatch {
		t.Fatalf("unexpected final status event %+v", last)
	}
	if last.Message == "" {
		t.Fatalf("failed status must carry a user message")
	}
}

func assertMonotonic(t *testing.T, published []events.Event) {
	t.Helper()
	prev := 0
	seen := 0
	for _, ev := range published {
		if ev.Type != events.TypeStatus {
			continue
		}
		seen++
		ord := services.Ordinal(services.Status(ev.Status))
		if ord == 0 {
			t.Fatalf("unknown status %q in event stream", ev.Status)
		}
		if ord < prev {
			t.Fatalf("status went backwards to %s", ev.Status)
		}
		prev = ord
	}
	if seen == 0 {
		t.Fatalf("no status events published")
	}
}

func lastStatus(published []events.Event) events.Event {
	var last events.Event
	for _, ev := range published {
		if ev.Type == events.TypeStatus {
			last = ev
		}
	}
	return last
}

func TestPrepareVarsIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	launch, err := h.launcher.Create(ctx, textRequest(services.Plan{Customize: true, Interview: true}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.drain(t)
	svc := h.service(t, launch.Service.ID)

	for _, tmpl := range []Template{TemplateJobSummary, TemplatePreMatchAudit, TemplateMatch, TemplateCustomize, TemplateInterview} {
		strategy, err := h.exec.Registry.Lookup(string(tmpl))
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		task := NewTask(svc, tmpl, svc.SessionID, svc.DebitID, "", "")
		tc := h.exec.taskContext(ctx, task, svc, tmpl)

		first, err := strategy.PrepareVars(ctx, cloneVars(task.Variables), tc)
		if err != nil {
			t.Fatalf("%s PrepareVars: %v", tmpl, err)
		}
		second, err := strategy.PrepareVars(ctx, cloneVars(task.Variables), tc)
		if err != nil {
			t.Fatalf("%s PrepareVars: %v", tmpl, err)
		}
		a, _ := json.Marshal(first)
		b, _ := json.Marshal(second)
		if !bytes.Equal(a, b) {
			t.Fatalf("%s PrepareVars not idempotent:\n%s\n%s", tmpl, a, b)
		}
		again, err := strategy.PrepareVars(ctx, cloneVars(first), tc)
		if err != nil {
			t.Fatalf("%s PrepareVars on prepared vars: %v", tmpl, err)
		}
		c, _ := json.Marshal(again)
		if !bytes.Equal(a, c) {
			t.Fatalf("%s PrepareVars changed already prepared vars", tmpl)
		}
	}
}

func TestMatchSeesSameSummaryFromEitherPath(t *testing.T) {
	matchInput := func(t *testing.T, req CreateRequest) (json.RawMessage, []byte) {
		h := newHarness(t)
		ctx := context.Background()
		launch, err := h.launcher.Create(ctx, req)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		h.drain(t)
		got, ok := h.model.lastRequest(TemplateMatch)
		if !ok {
			t.Fatalf("match never ran")
		}
		summary, _ := got.Variables[VarJobSummary].(json.RawMessage)
		artifact, err := h.repo.GetArtifact(ctx, launch.Service.ID, services.ArtifactMatch)
		if err != nil {
			t.Fatalf("GetArtifact: %v", err)
		}
		return summary, artifact
	}

	paid := paidRequest(services.Plan{})
	free := paidRequest(services.Plan{})
	free.Tier = services.TierFree

	paidSummary, paidMatch := matchInput(t, paid)
	freeSummary, freeMatch := matchInput(t, free)
	if !bytes.Equal(paidSummary, freeSummary) {
		t.Fatalf("match input differs:\n%s\n%s", paidSummary, freeSummary)
	}
	if !bytes.Equal(paidMatch, freeMatch) {
		t.Fatalf("match output differs:\n%s\n%s", paidMatch, freeMatch)
	}
	var m MatchResult
	if err := json.Unmarshal(freeMatch, &m); err != nil || m.Score != 82 {
		t.Fatalf("unexpected match artifact %s (%v)", freeMatch, err)
	}
}

func TestUnknownTemplateIsUnrecoverable(t *testing.T) {
	h := newHarness(t)
	err := h.exec.Execute(context.Background(), queue.Task{ServiceID: "svc", TaskID: "t", TemplateID: "resume_render"})
	if !IsUnrecoverable(err) {
		t.Fatalf("expected unrecoverable error, got %v", err)
	}
}

func TestMissingServiceIsUnrecoverable(t *testing.T) {
	h := newHarness(t)
	err := h.exec.Execute(context.Background(), queue.Task{ServiceID: "missing", TaskID: "t", TemplateID: string(TemplateMatch)})
	if !IsUnrecoverable(err) {
		t.Fatalf("expected unrecoverable error, got %v", err)
	}
}

func TestStaleSessionDeliveryIsAbsorbed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.model.fail(TemplateMatch, llm.Failed(context.DeadlineExceeded, ""))
	launch, err := h.launcher.Create(ctx, textRequest(services.Plan{}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.drain(t)
	stale := h.queue.Pushed()

	h.model.mu.Lock()
	delete(h.model.failures, string(TemplateMatch))
	h.model.mu.Unlock()
	retry, err := h.launcher.Retry(ctx, "user-1", launch.Service.ID, "")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retry.Service.SessionID == launch.Service.SessionID {
		t.Fatalf("retry must open a new session")
	}
	calls := h.model.totalCalls()
	for _, task := range stale {
		if err := h.exec.Execute(ctx, task); err != nil {
			t.Fatalf("stale delivery: %v", err)
		}
	}
	if h.model.totalCalls() != calls {
		t.Fatalf("stale deliveries must not call the model")
	}
	h.drain(t)
	svc := h.service(t, launch.Service.ID)
	if svc.Status != services.StatusMatchCompleted {
		t.Fatalf("expected retry to complete, got %s", svc.Status)
	}
	old, _ := h.ledger.GetEntry(ctx, launch.Service.DebitID)
	if old.Status != ledger.StatusFailed {
		t.Fatalf("first debit should be refunded, got %s", old.Status)
	}
	fresh, _ := h.ledger.GetEntry(ctx, svc.DebitID)
	if fresh.Status != ledger.StatusSuccess {
		t.Fatalf("retry debit should settle, got %s", fresh.Status)
	}
}

func TestSchemaFailureIsReturnedOnlyByLastStage(t *testing.T) {
	tests := []struct {
		name    string
		plan    services.Plan
		wantErr bool
	}{
		{name: "match before customize", plan: services.Plan{Customize: true}, wantErr: false},
		{name: "match ends the attempt", plan: services.Plan{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.model.responses[string(TemplateMatch)] = `{"score":250}`
			launch, err := h.launcher.Create(ctx, textRequest(tt.plan))
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			summary, _ := h.queue.Pop()
			if err := h.exec.Execute(ctx, summary); err != nil {
				t.Fatalf("Execute summary: %v", err)
			}
			match, _ := h.queue.Pop()

			err = h.exec.Execute(ctx, match)
			if got := errors.Is(err, llm.ErrSchemaValidation); got != tt.wantErr {
				t.Fatalf("schema error returned=%v, want %v (err=%v)", got, tt.wantErr, err)
			}
			svc := h.service(t, launch.Service.ID)
			if svc.Status != services.StatusMatchFailed {
				t.Fatalf("expected MATCH_FAILED, got %s", svc.Status)
			}
			if _, refunds := h.ledger.resolutions(svc.DebitID); refunds != 1 {
				t.Fatalf("expected one refund, got %d", refunds)
			}
		})
	}
}
