package ledger

import "errors"

var (
	// ErrLimitReached indicates the user has no quota left for the debit.
	ErrLimitReached = errors.New("limit reached")
	// ErrNotFound indicates the ledger entry does not exist.
	ErrNotFound = errors.New("ledger entry not found")
	// ErrDuplicateRefund indicates a refund for the debit already exists.
	ErrDuplicateRefund = errors.New("refund already recorded")
	ErrInvalidAmount   = errors.New("amount must be positive")
)
