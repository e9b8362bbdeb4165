package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"jobmatch-backend/internal/events"
	"jobmatch-backend/internal/idempotency"
	"jobmatch-backend/internal/ledger"
	"jobmatch-backend/internal/llm"
	"jobmatch-backend/internal/lock"
	"jobmatch-backend/internal/queue"
	"jobmatch-backend/internal/retrieval"
	"jobmatch-backend/internal/services"
	"jobmatch-backend/internal/shared/config"
)

const (
	jobSummaryJSON = `{"title":"Senior Go Engineer","company":"Acme","responsibilities":["Build services"],"requirements":["Go","Postgres"],"keywords":["go","postgres","kafka"]}`
	matchJSON      = `{"score":82,"summary":"Strong backend fit","strengths":["Go"],"gaps":["Kafka"],"recommendations":["Mention event streaming"]}`
	customizeJSON  = `{"headline":"Backend Engineer","summary":"Go services","sections":[{"title":"Experience","bullets":["Built payment APIs in Go"]}],"changes":["Reordered experience"]}`
	interviewJSON  = `{"questions":[{"question":"Describe a Go service you scaled","why":"Requirement: Go"}]}`
)

var testPrices = config.Prices{Match: 1, PreMatch: 1, Customize: 2, Interview: 1}

// fakeModel answers every template with a canned payload and counts calls.
type fakeModel struct {
	mu        sync.Mutex
	responses map[string]string
	failures  map[string]llm.Result
	calls     map[string]int
	requests  map[string][]llm.Request
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		responses: map[string]string{
			string(TemplateOCR):                   `{"text":"Senior Go Engineer at Acme. Build services in Go and Postgres."}`,
			string(TemplateJobSummary):            jobSummaryJSON,
			string(TemplateVisionSummary):         jobSummaryJSON,
			string(TemplateResumeSummary):         `{"name":"Jane","skills":["go","postgres"]}`,
			string(TemplateDetailedResumeSummary): `{"name":"Jane","skills":["go","postgres"],"roles":[{"title":"Engineer"}]}`,
			string(TemplatePreMatchAudit):         `{"blockers":[],"gaps":["kafka"]}`,
			string(TemplateMatch):                 matchJSON,
			string(TemplateCustomize):             customizeJSON,
			string(TemplateInterview):             interviewJSON,
		},
		failures: map[string]llm.Result{},
		calls:    map[string]int{},
		requests: map[string][]llm.Request{},
	}
}

func (m *fakeModel) record(req llm.Request) (string, *llm.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[req.TemplateID]++
	m.requests[req.TemplateID] = append(m.requests[req.TemplateID], req)
	if res, ok := m.failures[req.TemplateID]; ok {
		return "", &res
	}
	return m.responses[req.TemplateID], nil
}

func (m *fakeModel) RunStructured(ctx context.Context, req llm.Request) llm.Result {
	raw, failed := m.record(req)
	if failed != nil {
		return *failed
	}
	return llm.Finish(req, raw, &llm.Usage{TotalTokens: len(raw)}, "fake")
}

func (m *fakeModel) RunStreaming(ctx context.Context, req llm.Request, onDelta func(string)) llm.Result {
	raw, failed := m.record(req)
	if failed != nil {
		return *failed
	}
	for i := 0; i < len(raw); i += 16 {
		end := i + 16
		if end > len(raw) {
			end = len(raw)
		}
		onDelta(raw[i:end])
	}
	return llm.Finish(req, raw, nil, "fake")
}

func (m *fakeModel) fail(t Template, res llm.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[string(t)] = res
}

func (m *fakeModel) callCount(t Template) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[string(t)]
}

func (m *fakeModel) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func (m *fakeModel) lastRequest(t Template) (llm.Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqs := m.requests[string(t)]
	if len(reqs) == 0 {
		return llm.Request{}, false
	}
	return reqs[len(reqs)-1], true
}

// recordingLedger counts ledger resolutions on top of the in-memory service.
type recordingLedger struct {
	*ledger.Service
	mu        sync.Mutex
	successes map[string]int
	refunds   map[string]int
	refundErr error
}

func newRecordingLedger(limit int) *recordingLedger {
	return &recordingLedger{
		Service:   ledger.NewService(limit),
		successes: map[string]int{},
		refunds:   map[string]int{},
	}
}

func (l *recordingLedger) MarkDebitSuccess(ctx context.Context, debitID, usageLogID string) (bool, error) {
	ok, err := l.Service.MarkDebitSuccess(ctx, debitID, usageLogID)
	if ok {
		l.mu.Lock()
		l.successes[debitID]++
		l.mu.Unlock()
	}
	return ok, err
}

func (l *recordingLedger) RefundDebit(ctx context.Context, debitID, reason string) (bool, error) {
	l.mu.Lock()
	refundErr := l.refundErr
	l.mu.Unlock()
	if refundErr != nil {
		return false, refundErr
	}
	ok, err := l.Service.RefundDebit(ctx, debitID, reason)
	if ok {
		l.mu.Lock()
		l.refunds[debitID]++
		l.mu.Unlock()
	}
	return ok, err
}

func (l *recordingLedger) resolutions(debitID string) (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.successes[debitID], l.refunds[debitID]
}

type harness struct {
	repo     *services.MemoryRepo
	ledger   *recordingLedger
	locker   *lock.MemoryLocker
	queue    *queue.MemoryQueue
	events   *events.MemoryChannel
	guard    *idempotency.MemoryGuard
	model    *fakeModel
	deps     *Deps
	exec     *Executor
	launcher *Launcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:   services.NewMemoryRepo(),
		ledger: newRecordingLedger(20),
		locker: lock.NewMemoryLocker(),
		queue:  queue.NewMemoryQueue(),
		events: events.NewMemoryChannel(100),
		guard:  idempotency.NewMemoryGuard(),
		model:  newFakeModel(),
	}
	h.deps = &Deps{
		Repo:      h.repo,
		Billing:   h.ledger,
		Locker:    h.locker,
		Producer:  h.queue,
		Events:    h.events,
		Retriever: retrieval.Noop{},
		LockTTL:   time.Minute,
	}
	h.exec = NewExecutor(h.deps, h.model)
	h.launcher = &Launcher{
		Repo:     h.repo,
		Ledger:   h.ledger,
		Producer: h.queue,
		Events:   h.events,
		Guard:    h.guard,
		Prices:   testPrices,
		IdemTTL:  time.Minute,
	}
	return h
}

// drain executes queued tasks in order until the queue is empty.
func (h *harness) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		task, ok := h.queue.Pop()
		if !ok {
			return n
		}
		n++
		if n > 50 {
			t.Fatalf("queue did not drain")
		}
		if err := h.exec.Execute(context.Background(), task); err != nil && !IsUnrecoverable(err) {
			t.Fatalf("Execute %s: %v", task.TemplateID, err)
		}
	}
}

func (h *harness) service(t *testing.T, id string) services.Service {
	t.Helper()
	svc, err := h.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return svc
}

func (h *harness) pushedTemplates() []string {
	var out []string
	for _, task := range h.queue.Pushed() {
		out = append(out, task.TemplateID)
	}
	return out
}

func (h *harness) pushedCount(t Template) int {
	n := 0
	for _, task := range h.queue.Pushed() {
		if task.TemplateID == string(t) {
			n++
		}
	}
	return n
}

func paidRequest(plan services.Plan) CreateRequest {
	return CreateRequest{
		UserID:      "user-1",
		Tier:        services.TierPaid,
		Locale:      "en",
		JobImageKey: "https://cdn.example.com/jobs/posting.png",
		ResumeText:  "Jane Doe. Go engineer, five years building Postgres-backed services.",
		Plan:        plan,
	}
}

func textRequest(plan services.Plan) CreateRequest {
	req := paidRequest(plan)
	req.JobImageKey = ""
	req.JobText = "Senior Go Engineer at Acme. Build services in Go and Postgres."
	return req
}

func joined(ss []string) string { return strings.Join(ss, ",") }
