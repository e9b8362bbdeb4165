package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"jobmatch-backend/internal/shared/telemetry"
)

// RedisChannel implements Channel with Redis pub/sub plus a retained latest
// status and a bounded history list per topic.
type RedisChannel struct {
	rdb         redis.UniversalClient
	historySize int64
	ttl         time.Duration
}

func NewRedisChannel(rdb redis.UniversalClient, historySize int, ttl time.Duration) *RedisChannel {
	if historySize <= 0 {
		historySize = 50
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisChannel{rdb: rdb, historySize: int64(historySize), ttl: ttl}
}

func (c *RedisChannel) Publish(ctx context.Context, topic string, ev Event) error {
	ev = stamp(ev)
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if ev.retained() {
			if ev.Type == TypeStatus {
				pipe.Set(ctx, latestKey(topic), raw, c.ttl)
			}
			pipe.RPush(ctx, historyKey(topic), raw)
			pipe.LTrim(ctx, historyKey(topic), -c.historySize, -1)
			pipe.Expire(ctx, historyKey(topic), c.ttl)
		}
		pipe.Publish(ctx, topic, raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *RedisChannel) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := c.rdb.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		cancel()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	replay, err := c.replay(ctx, topic)
	if err != nil {
		_ = sub.Close()
		cancel()
		return nil, err
	}
	seen := make(map[string]struct{}, len(replay))
	for _, ev := range replay {
		seen[ev.ID] = struct{}{}
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					telemetry.Warn("events.payload.invalid", map[string]any{"topic": topic, "error": err.Error()})
					continue
				}
				if _, dup := seen[ev.ID]; dup {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{Replay: replay, C: out, cancel: cancel}, nil
}

func (c *RedisChannel) replay(ctx context.Context, topic string) ([]Event, error) {
	raws, err := c.rdb.LRange(ctx, historyKey(topic), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	history := make([]Event, 0, len(raws))
	for _, raw := range raws {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		history = append(history, ev)
	}

	var latest *Event
	raw, err := c.rdb.Get(ctx, latestKey(topic)).Result()
	switch {
	case err == redis.Nil:
	case err != nil:
		return nil, fmt.Errorf("read latest: %w", err)
	default:
		var ev Event
		if json.Unmarshal([]byte(raw), &ev) == nil {
			latest = &ev
		}
	}
	return mergeReplay(history, latest), nil
}

var _ Channel = (*RedisChannel)(nil)
