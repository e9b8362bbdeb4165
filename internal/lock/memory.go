package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is an in-process Locker for tests and single-node development.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryEntry
	now  func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expiresAt) {
		return Lease{}, ErrNotAcquired
	}
	token := newToken()
	l.held[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return Lease{Key: key, Token: token}, nil
}

func (l *MemoryLocker) Release(ctx context.Context, lease Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[lease.Key]; ok && cur.token == lease.Token {
		delete(l.held, lease.Key)
	}
	return nil
}

// Held reports whether key is currently held.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.held[key]
	return ok && l.now().Before(cur.expiresAt)
}

var _ Locker = (*MemoryLocker)(nil)
