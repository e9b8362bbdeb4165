package pipeline

import (
	"context"
	"errors"
	"time"

	"jobmatch-backend/internal/ledger"
	"jobmatch-backend/internal/services"
	"jobmatch-backend/internal/shared/metrics"
	"jobmatch-backend/internal/shared/telemetry"
)

const defaultReconcileBatch = 100

// StaleLedger lists debits that stayed pending too long.
type StaleLedger interface {
	Billing
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]ledger.Entry, error)
}

// Reconciler resolves debits whose attempt ended without settling them,
// for example when a worker died between the status write and the ledger
// write.
type Reconciler struct {
	Repo      services.Repo
	Ledger    StaleLedger
	After     time.Duration
	BatchSize int
	Now       func() time.Time
}

// ReconcileReport counts what one pass did.
type ReconcileReport struct {
	Scanned  int `json:"scanned"`
	Settled  int `json:"settled"`
	Refunded int `json:"refunded"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

// RunOnce scans one batch of stale debits.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	limit := r.BatchSize
	if limit <= 0 {
		limit = defaultReconcileBatch
	}
	stale, err := r.Ledger.ListStalePending(ctx, now().Add(-r.After), limit)
	if err != nil {
		return report, err
	}
	for _, entry := range stale {
		report.Scanned++
		outcome, err := r.resolve(ctx, entry)
		if err != nil {
			report.Errors++
			telemetry.Error("reconcile.entry.failed", map[string]any{
				"debit_id":   entry.ID,
				"service_id": entry.ServiceID,
				"error":      err,
			})
			continue
		}
		switch outcome {
		case "settled":
			report.Settled++
		case "refunded":
			report.Refunded++
		default:
			report.Skipped++
		}
		if outcome != "skipped" {
			metrics.IncDebitResolution("reconcile_" + outcome)
		}
	}
	telemetry.Info("reconcile.completed", map[string]any{
		"scanned":  report.Scanned,
		"settled":  report.Settled,
		"refunded": report.Refunded,
		"skipped":  report.Skipped,
		"errors":   report.Errors,
	})
	return report, nil
}

func (r *Reconciler) resolve(ctx context.Context, entry ledger.Entry) (string, error) {
	svc, err := r.Repo.GetByID(ctx, entry.ServiceID)
	if errors.Is(err, services.ErrNotFound) {
		return r.refund(ctx, entry, "service_missing")
	}
	if err != nil {
		return "", err
	}
	if svc.DebitID != entry.ID {
		return r.refund(ctx, entry, "superseded")
	}
	if services.IsFailed(svc.Status) {
		reason := svc.FailureCode
		if reason == "" {
			reason = string(svc.Status)
		}
		return r.refund(ctx, entry, reason)
	}
	last := LastTemplate(svc, Template(entry.TemplateID))
	if svc.Status == completedStatus[last.Stage()] {
		if _, err := r.Ledger.MarkDebitSuccess(ctx, entry.ID, TaskID(svc.ID, last, svc.SessionID)); err != nil {
			return "", err
		}
		return "settled", nil
	}
	return "skipped", nil
}

func (r *Reconciler) refund(ctx context.Context, entry ledger.Entry, reason string) (string, error) {
	if _, err := r.Ledger.RefundDebit(ctx, entry.ID, reason); err != nil {
		metrics.IncRefundFailure()
		return "", err
	}
	return "refunded", nil
}

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil {
			telemetry.Error("reconcile.pass.failed", map[string]any{"error": err})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
