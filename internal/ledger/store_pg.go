package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

type pgStore struct {
	DB    *sql.DB
	limit int
}

// NewPGStore constructs a Postgres-backed ledger store.
func NewPGStore(db *sql.DB, limit int) *pgStore {
	return &pgStore{DB: db, limit: limit}
}

const selectEntry = `
SELECT id, user_id, amount, kind, status, COALESCE(related_id, ''), service_id, template_id, reason,
       usage_log_id, created_at, updated_at
FROM ledger_entries`

func (s *pgStore) Balance(ctx context.Context, userID string) (Balance, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Balance{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	b, err := s.lockAndEnsure(ctx, tx, userID)
	if err != nil {
		return Balance{}, err
	}
	if err = tx.Commit(); err != nil {
		return Balance{}, err
	}
	return b, nil
}

func (s *pgStore) AtomicDeduct(ctx context.Context, d Deduction) (Entry, error) {
	if d.Amount <= 0 {
		return Entry{}, ErrInvalidAmount
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	b, err := s.lockAndEnsure(ctx, tx, d.UserID)
	if err != nil {
		return Entry{}, err
	}
	if b.Used+d.Amount > b.Limit {
		err = ErrLimitReached
		return Entry{}, err
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE quota_balances SET used = used + $1 WHERE user_id = $2`, d.Amount, d.UserID); err != nil {
		return Entry{}, err
	}

	now := time.Now().UTC()
	entry := Entry{
		ID:         uuid.NewString(),
		UserID:     d.UserID,
		Amount:     d.Amount,
		Kind:       KindDebit,
		Status:     StatusPending,
		ServiceID:  d.ServiceID,
		TemplateID: d.TemplateID,
		Reason:     d.Reason,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO ledger_entries (id, user_id, amount, kind, status, related_id, service_id, template_id, reason, usage_log_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NULL, $6, $7, $8, '', $9, $9)`,
		entry.ID, entry.UserID, entry.Amount, string(entry.Kind), string(entry.Status),
		entry.ServiceID, entry.TemplateID, entry.Reason, now); err != nil {
		return Entry{}, err
	}
	if err = tx.Commit(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *pgStore) GetEntry(ctx context.Context, id string) (Entry, error) {
	e, err := scanEntry(s.DB.QueryRowContext(ctx, selectEntry+` WHERE id = $1`, id))
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *pgStore) RecordRefund(ctx context.Context, r Refund) (Entry, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	entry, err := s.insertRefund(ctx, tx, r)
	if err != nil {
		return Entry{}, err
	}
	if err = tx.Commit(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// insertRefund relies on the unique related_id to reject a second refund.
func (s *pgStore) insertRefund(ctx context.Context, tx *sql.Tx, r Refund) (Entry, error) {
	now := time.Now().UTC()
	entry := Entry{
		ID:         uuid.NewString(),
		UserID:     r.UserID,
		Amount:     r.Amount,
		Kind:       KindRefund,
		Status:     StatusSuccess,
		RelatedID:  r.RelatedID,
		ServiceID:  r.ServiceID,
		TemplateID: r.TemplateID,
		Reason:     r.Reason,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO ledger_entries (id, user_id, amount, kind, status, related_id, service_id, template_id, reason, usage_log_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', $10, $10)
ON CONFLICT (related_id) DO NOTHING`,
		entry.ID, entry.UserID, entry.Amount, string(entry.Kind), string(entry.Status),
		entry.RelatedID, entry.ServiceID, entry.TemplateID, entry.Reason, now)
	if err != nil {
		return Entry{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return Entry{}, err
	} else if n == 0 {
		return Entry{}, ErrDuplicateRefund
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE quota_balances SET used = GREATEST(used - $1, 0) WHERE user_id = $2`, r.Amount, r.UserID); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *pgStore) MarkDebitSuccess(ctx context.Context, debitID, usageLogID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE ledger_entries SET status = $1, usage_log_id = $2, updated_at = $3
WHERE id = $4 AND kind = 'debit' AND status = 'PENDING'`,
		string(StatusSuccess), usageLogID, time.Now().UTC(), debitID)
	if err != nil {
		return false, err
	}
	return s.resolved(ctx, res, debitID)
}

func (s *pgStore) MarkDebitFailed(ctx context.Context, debitID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE ledger_entries SET status = $1, updated_at = $2
WHERE id = $3 AND kind = 'debit' AND status = 'PENDING'`,
		string(StatusFailed), time.Now().UTC(), debitID)
	if err != nil {
		return false, err
	}
	return s.resolved(ctx, res, debitID)
}

// resolved distinguishes an already-resolved debit from a missing one.
func (s *pgStore) resolved(ctx context.Context, res sql.Result, debitID string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetEntry(ctx, debitID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *pgStore) RefundDebit(ctx context.Context, debitID, reason string) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	debit, err := scanEntry(tx.QueryRowContext(ctx, selectEntry+` WHERE id = $1 AND kind = 'debit' FOR UPDATE`, debitID))
	if err != nil {
		return false, err
	}
	if debit.Status == StatusSuccess {
		err = tx.Commit()
		return false, err
	}
	_, err = s.insertRefund(ctx, tx, Refund{
		UserID:     debit.UserID,
		Amount:     debit.Amount,
		RelatedID:  debit.ID,
		ServiceID:  debit.ServiceID,
		TemplateID: debit.TemplateID,
		Reason:     reason,
	})
	if errors.Is(err, ErrDuplicateRefund) {
		err = tx.Commit()
		return false, err
	}
	if err != nil {
		return false, err
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE ledger_entries SET status = $1, updated_at = $2 WHERE id = $3`,
		string(StatusFailed), time.Now().UTC(), debitID); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *pgStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, selectEntry+`
WHERE kind = 'debit' AND status = 'PENDING' AND created_at < $1
ORDER BY created_at
LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *pgStore) lockAndEnsure(ctx context.Context, tx *sql.Tx, userID string) (Balance, error) {
	now := time.Now().UTC()
	b, err := selectBalanceForUpdate(ctx, tx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		// Concurrent first debits for one user both land here; the loser's
		// insert waits on the winner and then does nothing.
		b = defaultBalance(s.limit, now)
		if _, err = tx.ExecContext(ctx, `
INSERT INTO quota_balances (user_id, plan, limit_amount, used, resets_at) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id) DO NOTHING`,
			userID, b.Plan, b.Limit, b.Used, b.ResetsAt); err != nil {
			return Balance{}, err
		}
		b, err = selectBalanceForUpdate(ctx, tx, userID)
	}
	if err != nil {
		return Balance{}, err
	}

	if rolled, changed := rollPeriod(b, now); changed {
		b = rolled
		if _, err = tx.ExecContext(ctx, `UPDATE quota_balances SET used = $1, resets_at = $2 WHERE user_id = $3`, b.Used, b.ResetsAt, userID); err != nil {
			return Balance{}, err
		}
	}
	return b, nil
}

func selectBalanceForUpdate(ctx context.Context, tx *sql.Tx, userID string) (Balance, error) {
	var b Balance
	err := tx.QueryRowContext(ctx, `
SELECT plan, limit_amount, used, resets_at FROM quota_balances WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&b.Plan, &b.Limit, &b.Used, &b.ResetsAt)
	return b, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e      Entry
		kind   string
		status string
	)
	err := row.Scan(&e.ID, &e.UserID, &e.Amount, &kind, &status, &e.RelatedID, &e.ServiceID,
		&e.TemplateID, &e.Reason, &e.UsageLogID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	e.Kind = EntryKind(kind)
	e.Status = EntryStatus(status)
	return e, nil
}

var _ Store = (*pgStore)(nil)
