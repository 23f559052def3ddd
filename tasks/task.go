// Package tasks implements the Background Task Runtime (C6): a durable,
// Redis-backed queue offering at-least-once execution with at-most-one
// in-flight per fingerprint, periodic scheduling, and crash recovery via
// lease expiry.
package tasks

import (
	"context"
	"encoding/json"
	"time"
)

// Task is a unit of durable work. Fingerprint is a caller-supplied key
// (for example "promote:{namespace}:{user}:{session}" or
// "periodic:{task name}") used for at-most-one-in-flight deduplication; two
// Enqueue calls with the same fingerprint while one is pending or
// in-flight coalesce into a single task.
type Task struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Args        map[string]any `json:"args"`
	Fingerprint string         `json:"fingerprint"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	CreatedAt   time.Time      `json:"created_at"`
	NotBefore   time.Time      `json:"not_before"`
	LastError   string         `json:"last_error,omitempty"`
}

// Handler executes a Task. Returning an error marks the task failed; the
// runtime retries it with exponential backoff up to MaxAttempts.
type Handler func(ctx context.Context, task Task) error

func (t Task) marshal() ([]byte, error) {
	return json.Marshal(t)
}

func unmarshalTask(data []byte) (Task, error) {
	var t Task
	err := json.Unmarshal(data, &t)
	return t, err
}

// PeriodicEntry describes a recurring task the runtime enqueues on a fixed
// interval (e.g. Compact, Forget).
type PeriodicEntry struct {
	TaskName string
	Args     map[string]any
	Interval time.Duration
}
