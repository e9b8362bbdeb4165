package ledger

import (
	"context"
	"errors"
	"time"

	"jobmatch-backend/internal/shared/metrics"
	"jobmatch-backend/internal/shared/telemetry"
)

// Store persists balances and ledger entries. Every method is atomic on its own.
type Store interface {
	Balance(ctx context.Context, userID string) (Balance, error)
	// AtomicDeduct consumes quota and inserts a PENDING debit in one transaction.
	AtomicDeduct(ctx context.Context, d Deduction) (Entry, error)
	GetEntry(ctx context.Context, id string) (Entry, error)
	// RecordRefund inserts a refund and restores quota. Returns ErrDuplicateRefund
	// if the debit was already refunded.
	RecordRefund(ctx context.Context, r Refund) (Entry, error)
	// MarkDebitSuccess moves a PENDING debit to SUCCESS. Reports false when the
	// debit was already resolved.
	MarkDebitSuccess(ctx context.Context, debitID, usageLogID string) (bool, error)
	// MarkDebitFailed moves a PENDING debit to FAILED. Reports false when the
	// debit was already resolved.
	MarkDebitFailed(ctx context.Context, debitID string) (bool, error)
	// RefundDebit refunds and fails a debit in one transaction. Reports false
	// when the debit is SUCCESS or already refunded.
	RefundDebit(ctx context.Context, debitID, reason string) (bool, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]Entry, error)
}

// Service wraps a Store with logging and metrics.
type Service struct {
	store Store
}

// NewService constructs a Service with an in-memory store.
func NewService(limit int) *Service {
	return &Service{store: NewMemoryStore(limit)}
}

// NewPostgresService constructs a Service backed by Postgres.
func NewPostgresService(pgStore Store) *Service {
	return &Service{store: pgStore}
}

func (s *Service) Balance(ctx context.Context, userID string) (Balance, error) {
	return s.store.Balance(ctx, userID)
}

func (s *Service) GetEntry(ctx context.Context, id string) (Entry, error) {
	return s.store.GetEntry(ctx, id)
}

// AtomicDeduct debits the user's quota.
func (s *Service) AtomicDeduct(ctx context.Context, d Deduction) (Entry, error) {
	if d.Amount <= 0 {
		return Entry{}, ErrInvalidAmount
	}
	entry, err := s.store.AtomicDeduct(ctx, d)
	if err != nil {
		if !errors.Is(err, ErrLimitReached) {
			telemetry.Error("ledger.debit.error", map[string]any{
				"user_id":    d.UserID,
				"service_id": d.ServiceID,
				"error":      err,
			})
		}
		return Entry{}, err
	}
	telemetry.Info("ledger.debit.created", map[string]any{
		"user_id":    d.UserID,
		"service_id": d.ServiceID,
		"debit_id":   entry.ID,
		"amount":     entry.Amount,
		"reason":     d.Reason,
	})
	return entry, nil
}

func (s *Service) RecordRefund(ctx context.Context, r Refund) (Entry, error) {
	entry, err := s.store.RecordRefund(ctx, r)
	if err != nil {
		return Entry{}, err
	}
	telemetry.Info("ledger.refund.recorded", map[string]any{
		"user_id":    r.UserID,
		"service_id": r.ServiceID,
		"debit_id":   r.RelatedID,
		"amount":     r.Amount,
	})
	return entry, nil
}

// MarkDebitSuccess finalizes the debit. Repeated calls are no-ops.
func (s *Service) MarkDebitSuccess(ctx context.Context, debitID, usageLogID string) (bool, error) {
	ok, err := s.store.MarkDebitSuccess(ctx, debitID, usageLogID)
	if err != nil {
		return false, err
	}
	s.recordResolution(debitID, "success", ok)
	return ok, nil
}

// MarkDebitFailed fails the debit without refunding.
func (s *Service) MarkDebitFailed(ctx context.Context, debitID string) (bool, error) {
	ok, err := s.store.MarkDebitFailed(ctx, debitID)
	if err != nil {
		return false, err
	}
	s.recordResolution(debitID, "failed", ok)
	return ok, nil
}

// RefundDebit records the refund and fails the debit. Repeated calls are no-ops.
func (s *Service) RefundDebit(ctx context.Context, debitID, reason string) (bool, error) {
	if debitID == "" {
		return false, nil
	}
	ok, err := s.store.RefundDebit(ctx, debitID, reason)
	if err != nil {
		return false, err
	}
	s.recordResolution(debitID, "refunded", ok)
	return ok, nil
}

func (s *Service) ListStalePending(ctx context.Context, before time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListStalePending(ctx, before, limit)
}

func (s *Service) recordResolution(debitID, outcome string, applied bool) {
	if !applied {
		metrics.IncDebitResolution("noop")
		telemetry.Debug("ledger.debit.already_resolved", map[string]any{
			"debit_id": debitID,
			"outcome":  outcome,
		})
		return
	}
	metrics.IncDebitResolution(outcome)
	telemetry.Info("ledger.debit.resolved", map[string]any{
		"debit_id": debitID,
		"outcome":  outcome,
	})
}
