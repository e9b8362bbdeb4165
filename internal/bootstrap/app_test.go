package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"jobmatch-backend/internal/services"
	"jobmatch-backend/internal/shared/config"
)

func devConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Env:              "dev",
		LocalStoreDir:    t.TempDir(),
		QueueBackend:     "memory",
		LockTTL:          time.Second,
		IdempotencyTTL:   time.Minute,
		EventHistorySize: 10,
		QuotaLimit:       10,
		Prices:           config.Prices{Match: 1, PreMatch: 1, Customize: 2, Interview: 1},
		ReconcileAfter:   time.Minute,
	}
}

func TestBuildDevUsesInProcessBackends(t *testing.T) {
	app, err := Build(devConfig(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer app.Close(context.Background())

	if app.DB != nil || app.Redis != nil {
		t.Fatalf("expected no external connections in dev")
	}
	if app.MemoryQueue == nil || app.Producer == nil {
		t.Fatalf("expected in-process queue")
	}
	if app.Executor == nil || app.Launcher == nil || app.Reconciler == nil || app.Router == nil {
		t.Fatalf("pipeline not wired: %+v", app)
	}

	resp := httptest.NewRecorder()
	app.Router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected health 200, got %d", resp.Code)
	}
}

func TestBuildRejectsMissingBackendsOutsideDev(t *testing.T) {
	cfg := devConfig(t)
	cfg.Env = "production"
	cfg.DatabaseURL = ""
	if _, err := Build(cfg); err == nil {
		t.Fatalf("expected production build without DATABASE_URL to fail")
	}
}

func TestCreateThenInlineExecutionWithoutModel(t *testing.T) {
	app, err := Build(devConfig(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer app.Close(context.Background())

	body, _ := json.Marshal(map[string]any{
		"jobText":    "Senior Go engineer, distributed systems.",
		"resumeText": "Eight years of Go and Postgres.",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/services", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Guest-Id", "g1")
	resp := httptest.NewRecorder()
	app.Router.ServeHTTP(resp, req)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	var accepted struct {
		ServiceID string `json:"serviceId"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}

	task, ok := app.MemoryQueue.Pop()
	if !ok {
		t.Fatalf("expected a queued task")
	}
	_ = app.Executor.Execute(context.Background(), task)

	svc, err := app.Repo.GetByID(context.Background(), accepted.ServiceID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if svc.Status != services.StatusSummaryFailed || svc.FailureCode != services.FailureLLM {
		t.Fatalf("expected SUMMARY_FAILED/LLM_ERROR, got %s/%s", svc.Status, svc.FailureCode)
	}
	balance, err := app.Ledger.Balance(context.Background(), "guest:g1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Used != 0 {
		t.Fatalf("expected refunded quota, used=%d", balance.Used)
	}
}
