package telemetry

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInfoRedactsSecretsAndFlattensErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	Info("ledger.refund.failed", map[string]any{
		"api_key":    "sk-live",
		"auth_token": "abc",
		"debit_id":   "debit-1",
		"error":      errors.New("boom"),
	})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["api_key"] != "[REDACTED]" || fields["auth_token"] != "[REDACTED]" {
		t.Fatalf("expected secrets redacted, got %+v", fields)
	}
	if fields["debit_id"] != "debit-1" {
		t.Fatalf("expected debit_id kept, got %v", fields["debit_id"])
	}
	if fields["error"] != "boom" {
		t.Fatalf("expected error flattened, got %v", fields["error"])
	}
}

func TestUserIDHashedWhenEnabled(t *testing.T) {
	t.Setenv("LOG_HASH_USER_IDS", "true")
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	Warn("pipeline.stage.failed", map[string]any{"user_id": "user-1"})

	got, _ := logs.All()[0].ContextMap()["user_id"].(string)
	if !strings.HasPrefix(got, "hash:") {
		t.Fatalf("expected hashed user id, got %q", got)
	}
}
