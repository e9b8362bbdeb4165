package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type countingRetriever struct {
	calls int
	out   string
	err   error
}

func (c *countingRetriever) RetrieveMatchContext(ctx context.Context, signals Signals) (string, error) {
	c.calls++
	return c.out, c.err
}

func (c *countingRetriever) RetrieveCustomizeContext(ctx context.Context, jobTitle, locale string) (string, error) {
	c.calls++
	return c.out, c.err
}

func TestMatchContextDegradesErrors(t *testing.T) {
	r := &countingRetriever{err: errors.New("vector store down")}
	if got := MatchContext(context.Background(), r, Signals{JobTitle: "Go dev"}); got != "" {
		t.Fatalf("expected empty context, got %q", got)
	}
	if got := CustomizeContext(context.Background(), nil, "Go dev", "en"); got != "" {
		t.Fatalf("expected empty context for nil retriever, got %q", got)
	}
}

func newRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestCachedReusesResultRegardlessOfKeywordOrder(t *testing.T) {
	base := &countingRetriever{out: "style guide"}
	c := NewCached(base, newRedis(t), 0)
	ctx := context.Background()

	first, err := c.RetrieveMatchContext(ctx, Signals{JobTitle: "Go dev", Keywords: []string{"k8s", "go"}})
	if err != nil {
		t.Fatalf("RetrieveMatchContext: %v", err)
	}
	second, err := c.RetrieveMatchContext(ctx, Signals{JobTitle: "Go dev", Keywords: []string{"go", "k8s"}})
	if err != nil {
		t.Fatalf("RetrieveMatchContext: %v", err)
	}
	if first != "style guide" || second != first {
		t.Fatalf("unexpected results %q %q", first, second)
	}
	if base.calls != 1 {
		t.Fatalf("expected one base call, got %d", base.calls)
	}
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	base := &countingRetriever{err: errors.New("timeout")}
	c := NewCached(base, newRedis(t), 0)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := c.RetrieveCustomizeContext(ctx, "Go dev", "en"); err == nil {
			t.Fatalf("expected error")
		}
	}
	if base.calls != 2 {
		t.Fatalf("errors must not be cached, calls=%d", base.calls)
	}
}
