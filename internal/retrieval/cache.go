package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobmatch-backend/internal/shared/telemetry"
)

const defaultCacheTTL = time.Hour

// Cached memoizes a Retriever in Redis. Errors are never cached.
type Cached struct {
	Base Retriever
	rdb  redis.UniversalClient
	ttl  time.Duration
}

func NewCached(base Retriever, rdb redis.UniversalClient, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cached{Base: base, rdb: rdb, ttl: ttl}
}

func (c *Cached) RetrieveMatchContext(ctx context.Context, signals Signals) (string, error) {
	keywords := append([]string(nil), signals.Keywords...)
	skills := append([]string(nil), signals.Skills...)
	sort.Strings(keywords)
	sort.Strings(skills)
	key := cacheKey("match", signals.Locale, signals.JobTitle, strings.Join(keywords, ","), strings.Join(skills, ","))
	return c.load(ctx, key, func() (string, error) {
		return c.Base.RetrieveMatchContext(ctx, signals)
	})
}

func (c *Cached) RetrieveCustomizeContext(ctx context.Context, jobTitle, locale string) (string, error) {
	key := cacheKey("customize", locale, jobTitle)
	return c.load(ctx, key, func() (string, error) {
		return c.Base.RetrieveCustomizeContext(ctx, jobTitle, locale)
	})
}

func (c *Cached) load(ctx context.Context, key string, fetch func() (string, error)) (string, error) {
	cached, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		return cached, nil
	}
	if err != redis.Nil {
		telemetry.Warn("retrieval.cache.read_failed", map[string]any{"error": err})
	}
	out, err := fetch()
	if err != nil {
		return "", err
	}
	if err := c.rdb.Set(ctx, key, out, c.ttl).Err(); err != nil {
		telemetry.Warn("retrieval.cache.write_failed", map[string]any{"error": err})
	}
	return out, nil
}

func cacheKey(kind string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.Join(parts, "|"))))
	return "jobmatch:rag:" + kind + ":" + hex.EncodeToString(sum[:12])
}

var _ Retriever = (*Cached)(nil)
