package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard implements Guard with SET NX.
type RedisGuard struct {
	rdb redis.UniversalClient
}

func NewRedisGuard(rdb redis.UniversalClient) *RedisGuard {
	return &RedisGuard{rdb: rdb}
}

func (g *RedisGuard) Begin(ctx context.Context, key string, ttl time.Duration) (Claim, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := g.rdb.SetNX(ctx, key, pendingMarker, ttl).Result()
	if err != nil {
		return Claim{}, err
	}
	if ok {
		return Claim{Key: key, Fresh: true}, nil
	}
	stored, err := g.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			// expired between the two calls
			return g.Begin(ctx, key, ttl)
		}
		return Claim{}, err
	}
	return claimFrom(key, stored)
}

func (g *RedisGuard) Complete(ctx context.Context, key, result string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return g.rdb.Set(ctx, key, result, ttl).Err()
}

func (g *RedisGuard) Abandon(ctx context.Context, key string) error {
	return g.rdb.Del(ctx, key).Err()
}

var _ Guard = (*RedisGuard)(nil)
