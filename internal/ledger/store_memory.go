package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps balances and entries in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	limit    int
	balances map[string]Balance
	entries  map[string]Entry
	// refunds maps a debit id to its refund entry id.
	refunds map[string]string
}

// NewMemoryStore constructs a MemoryStore granting limit units per window.
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{
		limit:    limit,
		balances: make(map[string]Balance),
		entries:  make(map[string]Entry),
		refunds:  make(map[string]string),
	}
}

func (s *MemoryStore) Balance(ctx context.Context, userID string) (Balance, error) {
	if err := ctx.Err(); err != nil {
		return Balance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(userID, time.Now().UTC()), nil
}

func (s *MemoryStore) ensureLocked(userID string, now time.Time) Balance {
	b, ok := s.balances[userID]
	if !ok {
		b = defaultBalance(s.limit, now)
	}
	b, _ = rollPeriod(b, now)
	s.balances[userID] = b
	return b
}

func (s *MemoryStore) AtomicDeduct(ctx context.Context, d Deduction) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if d.Amount <= 0 {
		return Entry{}, ErrInvalidAmount
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.ensureLocked(d.UserID, now)
	if b.Used+d.Amount > b.Limit {
		return Entry{}, ErrLimitReached
	}
	b.Used += d.Amount
	s.balances[d.UserID] = b

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
	s.entries[entry.ID] = entry
	return entry, nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, id string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) RecordRefund(ctx context.Context, r Refund) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordRefundLocked(r, time.Now().UTC())
}

func (s *MemoryStore) recordRefundLocked(r Refund, now time.Time) (Entry, error) {
	if _, exists := s.refunds[r.RelatedID]; exists {
		return Entry{}, ErrDuplicateRefund
	}
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
	s.entries[entry.ID] = entry
	s.refunds[r.RelatedID] = entry.ID

	b := s.ensureLocked(r.UserID, now)
	b.Used -= r.Amount
	if b.Used < 0 {
		b.Used = 0
	}
	s.balances[r.UserID] = b
	return entry, nil
}

func (s *MemoryStore) MarkDebitSuccess(ctx context.Context, debitID, usageLogID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(debitID, StatusSuccess, usageLogID)
}

func (s *MemoryStore) MarkDebitFailed(ctx context.Context, debitID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(debitID, StatusFailed, "")
}

func (s *MemoryStore) resolveLocked(debitID string, status EntryStatus, usageLogID string) (bool, error) {
	e, ok := s.entries[debitID]
	if !ok || e.Kind != KindDebit {
		return false, ErrNotFound
	}
	if e.Status != StatusPending {
		return false, nil
	}
	e.Status = status
	if usageLogID != "" {
		e.UsageLogID = usageLogID
	}
	e.UpdatedAt = time.Now().UTC()
	s.entries[debitID] = e
	return true, nil
}

func (s *MemoryStore) RefundDebit(ctx context.Context, debitID, reason string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[debitID]
	if !ok || e.Kind != KindDebit {
		return false, ErrNotFound
	}
	if e.Status == StatusSuccess {
		return false, nil
	}
	now := time.Now().UTC()
	if _, err := s.recordRefundLocked(Refund{
		UserID:     e.UserID,
		Amount:     e.Amount,
		RelatedID:  e.ID,
		ServiceID:  e.ServiceID,
		TemplateID: e.TemplateID,
		Reason:     reason,
	}, now); err != nil {
		if err == ErrDuplicateRefund {
			return false, nil
		}
		return false, err
	}
	e.Status = StatusFailed
	e.UpdatedAt = now
	s.entries[debitID] = e
	return true, nil
}

func (s *MemoryStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Kind == KindDebit && e.Status == StatusPending && e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
