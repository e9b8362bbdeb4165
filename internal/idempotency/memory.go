package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryGuard is an in-process Guard.
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (g *MemoryGuard) Begin(ctx context.Context, key string, ttl time.Duration) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return Claim{}, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if cur, ok := g.entries[key]; ok && now.Before(cur.expiresAt) {
		return claimFrom(key, cur.value)
	}
	g.entries[key] = memoryEntry{value: pendingMarker, expiresAt: now.Add(ttl)}
	return Claim{Key: key, Fresh: true}, nil
}

func (g *MemoryGuard) Complete(ctx context.Context, key, result string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[key] = memoryEntry{value: result, expiresAt: g.now().Add(ttl)}
	return nil
}

func (g *MemoryGuard) Abandon(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key)
	return nil
}

var _ Guard = (*MemoryGuard)(nil)
