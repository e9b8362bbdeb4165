package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(rdb), mr
}

func TestKey(t *testing.T) {
	if got := Key("svc-1", "match"); got != "jobmatch:lock:svc-1:match" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestRedisLockerExclusive(t *testing.T) {
	l, _ := newRedisLocker(t)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "k", time.Second); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	if err := l.Release(ctx, lease); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := l.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestRedisLockerReleaseIgnoresForeignToken(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(ctx, Lease{Key: "k", Token: "someone-else"}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !mr.Exists("k") {
		t.Fatalf("foreign release must not delete the lock")
	}
}

func TestRedisLockerExpires(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := l.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("expected expired lock to be acquirable, got %v", err)
	}
}

func TestMemoryLockerSingleWinner(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(ctx, "k", time.Minute); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
}

func TestMemoryLockerExpiry(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	now = now.Add(2 * time.Second)
	if l.Held("k") {
		t.Fatalf("lock should have expired")
	}
	if _, err := l.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
}
