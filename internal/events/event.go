// Package events carries per-task progress to subscribed clients.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TypeStatus = "status"
	TypeDelta  = "delta"
)

// Event is one message on a task topic.
type Event struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"taskId"`
	Type          string          `json:"type"`
	Code          string          `json:"code,omitempty"`
	Status        string          `json:"status,omitempty"`
	Message       string          `json:"message,omitempty"`
	Stage         string          `json:"stage,omitempty"`
	JSON          json.RawMessage `json:"json,omitempty"`
	Delta         string          `json:"delta,omitempty"`
	LastUpdatedAt time.Time       `json:"lastUpdatedAt"`
	Timestamp     time.Time       `json:"timestamp"`
	RequestID     string          `json:"requestId,omitempty"`
	TraceID       string          `json:"traceId,omitempty"`
}

// ResultType names the result event of a stage, e.g. "match_result".
func ResultType(stage string) string {
	return stage + "_result"
}

// retained reports whether the event belongs in replay history.
// Stream deltas are live-only.
func (e Event) retained() bool {
	return e.Type != TypeDelta
}

// Topic returns the channel name for one task of one service.
func Topic(userID, serviceID, taskID string) string {
	return strings.Join([]string{"jobmatch", "events", userID, serviceID, taskID}, ":")
}

func latestKey(topic string) string  { return topic + ":latest" }
func historyKey(topic string) string { return topic + ":history" }

// Subscription delivers replayed history first and then live events.
// C is closed when the subscription ends.
type Subscription struct {
	Replay []Event
	C      <-chan Event
	cancel func()
}

// Close ends the subscription.
func (s *Subscription) Close() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

// Channel publishes and subscribes to task topics.
type Channel interface {
	Publish(ctx context.Context, topic string, ev Event) error
	// Subscribe starts listening before reading history, so an event
	// published in between shows up in Replay or C, never in neither.
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
}

func stamp(ev Event) Event {
	now := time.Now().UTC()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	if ev.LastUpdatedAt.IsZero() {
		ev.LastUpdatedAt = ev.Timestamp
	}
	return ev
}

// mergeReplay orders history and appends latest when it was trimmed away.
func mergeReplay(history []Event, latest *Event) []Event {
	if latest == nil {
		return history
	}
	for _, ev := range history {
		if ev.ID == latest.ID {
			return history
		}
	}
	return append([]Event{*latest}, history...)
}
