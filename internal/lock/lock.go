// Package lock provides short-lived mutual exclusion across worker processes.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotAcquired indicates another holder owns the key.
var ErrNotAcquired = errors.New("lock not acquired")

// DefaultTTL bounds how long a crashed holder can block a key.
const DefaultTTL = 10 * time.Second

// Lease identifies a held lock. Only the token holder can release it.
type Lease struct {
	Key   string
	Token string
}

// Locker acquires and releases expiring locks.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, lease Lease) error
}

// Key builds the lock key guarding the enqueue of step for a service.
func Key(serviceID, step string) string {
	return "jobmatch:lock:" + serviceID + ":" + step
}

func newToken() string {
	return uuid.NewString()
}
