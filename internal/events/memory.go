package events

import (
	"context"
	"sync"

	"jobmatch-backend/internal/shared/telemetry"
)

type memoryTopic struct {
	latest  *Event
	history []Event
	subs    map[chan Event]struct{}
}

// MemoryChannel is an in-process Channel.
type MemoryChannel struct {
	mu          sync.Mutex
	historySize int
	topics      map[string]*memoryTopic
	log         []Event
}

func NewMemoryChannel(historySize int) *MemoryChannel {
	if historySize <= 0 {
		historySize = 50
	}
	return &MemoryChannel{historySize: historySize, topics: make(map[string]*memoryTopic)}
}

func (c *MemoryChannel) topic(name string) *memoryTopic {
	t, ok := c.topics[name]
	if !ok {
		t = &memoryTopic{subs: make(map[chan Event]struct{})}
		c.topics[name] = t
	}
	return t
}

func (c *MemoryChannel) Publish(ctx context.Context, topic string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev = stamp(ev)
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.topic(topic)
	c.log = append(c.log, ev)
	if len(c.log) > c.historySize {
		c.log = append([]Event(nil), c.log[len(c.log)-c.historySize:]...)
	}
	if ev.retained() {
		if ev.Type == TypeStatus {
			latest := ev
			t.latest = &latest
		}
		t.history = append(t.history, ev)
		if len(t.history) > c.historySize {
			t.history = t.history[len(t.history)-c.historySize:]
		}
	}
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
			telemetry.Warn("events.subscriber.slow", map[string]any{"topic": topic, "event_id": ev.ID})
		}
	}
	return nil
}

func (c *MemoryChannel) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Event, 256)

	c.mu.Lock()
	t := c.topic(topic)
	t.subs[ch] = struct{}{}
	replay := mergeReplay(append([]Event(nil), t.history...), t.latest)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(t.subs, ch)
		close(ch)
		c.mu.Unlock()
	}()
	return &Subscription{Replay: replay, C: ch, cancel: cancel}, nil
}

// History returns the retained events of a topic.
func (c *MemoryChannel) History(topic string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.topics[topic]
	if !ok {
		return nil
	}
	return append([]Event(nil), t.history...)
}

// Latest returns the retained status event of a topic.
func (c *MemoryChannel) Latest(topic string) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.topics[topic]
	if !ok || t.latest == nil {
		return Event{}, false
	}
	return *t.latest, true
}

// Published returns the most recent events published on any topic, in
// publish order. It keeps as many events as one topic's history.
func (c *MemoryChannel) Published() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.log...)
}

var _ Channel = (*MemoryChannel)(nil)
