package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"jobmatch-backend/internal/shared/telemetry"
)

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	telemetry.SetLogger(zap.New(core))
	t.Cleanup(func() { telemetry.SetLogger(zap.NewNop()) })
	return logs
}

func TestLoggingIncludesLaunchFields(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := observeLogs(t)

	router := gin.New()
	router.Use(RequestID(), Auth("dev"), Logging())
	router.POST("/api/v1/services/:id/customize", func(c *gin.Context) {
		c.Set("serviceId", "svc-1")
		c.Set("taskId", "task-1")
		c.Set("statusTransition", "->CUSTOMIZE_PENDING")
		c.JSON(http.StatusAccepted, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/services/svc-1/customize", nil)
	req.Header.Set("X-Guest-Id", "guest1")
	router.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request.complete").All()
	if len(entries) != 1 {
		t.Fatalf("expected one request log, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level, got %s", entries[0].Level)
	}
	fields := entries[0].ContextMap()
	want := map[string]any{
		"user_id":           "guest:guest1",
		"service_id":        "svc-1",
		"task_id":           "task-1",
		"route":             "/api/v1/services/:id/customize",
		"status_transition": "->CUSTOMIZE_PENDING",
	}
	for key, val := range want {
		if fields[key] != val {
			t.Fatalf("%s = %v, want %v", key, fields[key], val)
		}
	}
	for _, key := range []string{"request_id", "duration_ms", "status"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("missing log field: %s", key)
		}
	}
}

func TestLoggingLevelFollowsStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := observeLogs(t)

	router := gin.New()
	router.Use(Logging())
	router.GET("/api/v1/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/api/v1/services/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.POST("/api/v1/services", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/health"},
		{http.MethodGet, "/api/v1/services/missing"},
		{http.MethodPost, "/api/v1/services"},
	} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(r.method, r.path, nil))
	}

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []zapcore.Level{zapcore.DebugLevel, zapcore.WarnLevel, zapcore.ErrorLevel} {
		if entries[i].Level != want {
			t.Fatalf("entry %d: level %s, want %s", i, entries[i].Level, want)
		}
	}
}
