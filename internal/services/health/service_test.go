package health

import (
	"context"
	"errors"
	"testing"
)

func TestStatusWithoutChecks(t *testing.T) {
	got := NewService().Status(context.Background())
	if !got["ok"] || len(got) != 1 {
		t.Fatalf("unexpected status %+v", got)
	}
}

func TestStatusReportsFailingDependency(t *testing.T) {
	svc := NewService(
		Check{Name: "db", Ping: func(ctx context.Context) error { return nil }},
		Check{Name: "redis", Ping: func(ctx context.Context) error { return errors.New("refused") }},
	)
	got := svc.Status(context.Background())
	if got["ok"] {
		t.Fatalf("expected ok=false")
	}
	if !got["db"] || got["redis"] {
		t.Fatalf("unexpected checks %+v", got)
	}
}
