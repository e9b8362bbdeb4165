package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var entryColumns = []string{
	"id", "user_id", "amount", "kind", "status", "related_id", "service_id", "template_id", "reason",
	"usage_log_id", "created_at", "updated_at",
}

func TestPGStoreAtomicDeductLimitReachedRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := NewPGStore(db, 10)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT plan, limit_amount, used, resets_at FROM quota_balances").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"plan", "limit_amount", "used", "resets_at"}).
			AddRow("Starter", 10, 10, time.Now().Add(time.Hour)))
	mock.ExpectRollback()

	if _, err := store.AtomicDeduct(context.Background(), Deduction{UserID: "u1", Amount: 1}); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGStoreAtomicDeductInsertsPendingDebit(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := NewPGStore(db, 10)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT plan, limit_amount, used, resets_at FROM quota_balances").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"plan", "limit_amount", "used", "resets_at"}).
			AddRow("Starter", 10, 3, time.Now().Add(time.Hour)))
	mock.ExpectExec("UPDATE quota_balances SET used = used").
		WithArgs(2, "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(sqlmock.AnyArg(), "u1", 2, "debit", "PENDING", "svc-1", "match", "service.create", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entry, err := store.AtomicDeduct(context.Background(), Deduction{
		UserID: "u1", Amount: 2, ServiceID: "svc-1", TemplateID: "match", Reason: "service.create",
	})
	if err != nil {
		t.Fatalf("AtomicDeduct: %v", err)
	}
	if entry.ID == "" || entry.Status != StatusPending {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGStoreFirstDebitToleratesConcurrentBalanceInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	balanceColumns := []string{"plan", "limit_amount", "used", "resets_at"}
	store := NewPGStore(db, 10)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT plan, limit_amount, used, resets_at FROM quota_balances").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(balanceColumns))
	mock.ExpectExec(`INSERT INTO quota_balances .* ON CONFLICT \(user_id\) DO NOTHING`).
		WithArgs("u1", sqlmock.AnyArg(), 10, 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Another transaction created the row first and already used 9.
	mock.ExpectQuery("SELECT plan, limit_amount, used, resets_at FROM quota_balances").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(balanceColumns).AddRow("Starter", 10, 9, time.Now().Add(time.Hour)))
	mock.ExpectRollback()

	if _, err := store.AtomicDeduct(context.Background(), Deduction{UserID: "u1", Amount: 2}); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached against the winner's balance, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGStoreRefundDebitSkipsAlreadyRefunded(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := NewPGStore(db, 10)
	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_entries").
		WithArgs("debit-1").
		WillReturnRows(sqlmock.NewRows(entryColumns).
			AddRow("debit-1", "u1", 1, "debit", "FAILED", "", "svc-1", "match", "", "", now, now))
	mock.ExpectExec("INSERT INTO ledger_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	refunded, err := store.RefundDebit(context.Background(), "debit-1", "MATCH_FAILED")
	if err != nil {
		t.Fatalf("RefundDebit: %v", err)
	}
	if refunded {
		t.Fatalf("expected duplicate refund to be a no-op")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGStoreMarkDebitSuccessNoopWhenResolved(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := NewPGStore(db, 10)
	now := time.Now().UTC()
	mock.ExpectExec("UPDATE ledger_entries SET status").
		WithArgs("SUCCESS", "log-1", sqlmock.AnyArg(), "debit-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM ledger_entries").
		WithArgs("debit-1").
		WillReturnRows(sqlmock.NewRows(entryColumns).
			AddRow("debit-1", "u1", 1, "debit", "SUCCESS", "", "svc-1", "match", "", "log-0", now, now))

	ok, err := store.MarkDebitSuccess(context.Background(), "debit-1", "log-1")
	if err != nil {
		t.Fatalf("MarkDebitSuccess: %v", err)
	}
	if ok {
		t.Fatalf("expected no-op for resolved debit")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}
