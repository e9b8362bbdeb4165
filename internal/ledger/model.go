package ledger

import "time"

// Balance is a user's quota window.
type Balance struct {
	Plan     string    `json:"plan"`
	Limit    int       `json:"limit"`
	Used     int       `json:"used"`
	ResetsAt time.Time `json:"resetsAt"`
}

// Remaining returns how many units are left in the current window.
func (b Balance) Remaining() int {
	if b.Used >= b.Limit {
		return 0
	}
	return b.Limit - b.Used
}

type EntryKind string

const (
	KindDebit  EntryKind = "debit"
	KindRefund EntryKind = "refund"
)

type EntryStatus string

const (
	StatusPending EntryStatus = "PENDING"
	StatusSuccess EntryStatus = "SUCCESS"
	StatusFailed  EntryStatus = "FAILED"
)

// Entry is one ledger row. A refund links back to its debit through RelatedID,
// and at most one refund exists per debit.
type Entry struct {
	ID         string      `json:"id"`
	UserID     string      `json:"userId"`
	Amount     int         `json:"amount"`
	Kind       EntryKind   `json:"kind"`
	Status     EntryStatus `json:"status"`
	RelatedID  string      `json:"relatedId,omitempty"`
	ServiceID  string      `json:"serviceId,omitempty"`
	TemplateID string      `json:"templateId,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	UsageLogID string      `json:"usageLogId,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Deduction describes a debit request.
type Deduction struct {
	UserID     string
	Amount     int
	Reason     string
	ServiceID  string
	TemplateID string
}

// Refund describes a compensating credit for a debit.
type Refund struct {
	UserID     string
	Amount     int
	RelatedID  string
	ServiceID  string
	TemplateID string
	Reason     string
}

const (
	defaultPlan = "Starter"
	period      = 7 * 24 * time.Hour
)

func defaultBalance(limit int, now time.Time) Balance {
	return Balance{
		Plan:     defaultPlan,
		Limit:    limit,
		Used:     0,
		ResetsAt: now.Add(period),
	}
}

// rollPeriod resets the window when it has expired.
func rollPeriod(b Balance, now time.Time) (Balance, bool) {
	if now.After(b.ResetsAt) || now.Equal(b.ResetsAt) {
		b.Used = 0
		b.ResetsAt = now.Add(period)
		return b, true
	}
	return b, false
}
