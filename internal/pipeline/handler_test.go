package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"jobmatch-backend/internal/events"
	"jobmatch-backend/internal/services"
)

func newTestRouter(h *harness, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userId", userID)
		c.Next()
	})
	NewHandler(h.launcher, h.repo, h.events).RegisterRoutes(r.Group("/api/v1"))
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerCreateAndGet(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h, "user-1")

	body := map[string]any{
		"tier":       "paid",
		"jobText":    "Senior Go Engineer",
		"resumeText": "Jane Doe, Go engineer",
	}
	w := doJSON(t, r, http.MethodPost, "/api/v1/services", body, map[string]string{"Idempotency-Key": "k1"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		ServiceID string `json:"serviceId"`
		TaskID    string `json:"taskId"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if loc := w.Header().Get("Location"); loc != "/api/v1/services/"+created.ServiceID {
		t.Fatalf("unexpected Location %q", loc)
	}
	if created.ServiceID == "" || created.Status != string(services.StatusSummaryPending) {
		t.Fatalf("unexpected create response %+v", created)
	}

	w = doJSON(t, r, http.MethodPost, "/api/v1/services", body, map[string]string{"Idempotency-Key": "k1"})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), created.ServiceID) {
		t.Fatalf("expected replayed create, got %d: %s", w.Code, w.Body.String())
	}

	h.drain(t)
	w = doJSON(t, r, http.MethodGet, "/api/v1/services/"+created.ServiceID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got struct {
		Service   services.Service           `json:"service"`
		Artifacts map[string]json.RawMessage `json:"artifacts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Service.Status != services.StatusMatchCompleted {
		t.Fatalf("unexpected status %s", got.Service.Status)
	}
	if _, ok := got.Artifacts["match"]; !ok {
		t.Fatalf("expected match artifact in %s", w.Body.String())
	}

	other := newTestRouter(h, "user-2")
	if w := doJSON(t, other, http.MethodGet, "/api/v1/services/"+created.ServiceID, nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user, got %d", w.Code)
	}
}

func TestHandlerErrorMapping(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h, "user-1")

	if w := doJSON(t, r, http.MethodPost, "/api/v1/services", map[string]any{"tier": "paid"}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	launch, err := h.launcher.Create(context.Background(), textRequest(services.Plan{}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if w := doJSON(t, r, http.MethodPost, "/api/v1/services/"+launch.Service.ID+"/retry", nil, nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for retry of running service, got %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/api/v1/services/missing/customize", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	h.launcher.Ledger = newRecordingLedger(0)
	body := map[string]any{"jobText": "Go", "resumeText": "Jane", "plan": map[string]bool{"interview": true}}
	if w := doJSON(t, r, http.MethodPost, "/api/v1/services", body, nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandlerCustomizeStartsOnDemand(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h, "user-1")
	launch, err := h.launcher.Create(context.Background(), textRequest(services.Plan{}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.drain(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/services/"+launch.Service.ID+"/customize", map[string]bool{"interview": true}, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	h.drain(t)
	if svc := h.service(t, launch.Service.ID); svc.Status != services.StatusInterviewCompleted {
		t.Fatalf("expected INTERVIEW_COMPLETED, got %s", svc.Status)
	}
}

func TestHandlerStreamReplaysCurrentTask(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h, "user-1")
	launch, err := h.launcher.Create(context.Background(), textRequest(services.Plan{}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if launch.TaskID != currentTaskID(launch.Service) {
		t.Fatalf("current task id %s, want %s", currentTaskID(launch.Service), launch.TaskID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/services/"+launch.Service.ID+"/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	out := w.Body.String()
	if !strings.Contains(out, "event:"+events.TypeStatus) || !strings.Contains(out, string(services.StatusSummaryPending)) {
		t.Fatalf("expected replayed pending status, got %q", out)
	}
}
