package queue

import (
	"encoding/json"
	"fmt"
)

// TaskVersion is the current wire version of Task.
const TaskVersion = 1

// Task is one unit of pipeline work. TaskID is deterministic per
// (service, stage, session) so redeliveries and duplicate pushes collapse.
type Task struct {
	ServiceID  string         `json:"serviceId"`
	TaskID     string         `json:"taskId"`
	UserID     string         `json:"userId"`
	Locale     string         `json:"locale,omitempty"`
	TemplateID string         `json:"templateId"`
	Variables  map[string]any `json:"variables,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	TraceID    string         `json:"traceId,omitempty"`
	EnqueuedAt string         `json:"enqueuedAt"`
	Version    int            `json:"version"`
}

// EncodeTask returns the JSON representation of a task.
func EncodeTask(task Task) ([]byte, error) {
	if task.Version == 0 {
		task.Version = TaskVersion
	}
	return json.Marshal(task)
}

// DecodeTask parses a JSON payload into a Task.
func DecodeTask(payload []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return Task{}, err
	}
	if task.Version > TaskVersion {
		return Task{}, fmt.Errorf("unsupported task version %d", task.Version)
	}
	return task, nil
}
