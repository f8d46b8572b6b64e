package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of an asynchronous operation.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Task is the durable record of an asynchronous operation. The task id
// travels in every agent RPC payload so retries deduplicate, and
// progress is monotonically non-decreasing until a terminal status is
// assigned exactly once.
type Task struct {
	ID         string          `json:"id"`
	TaskType   string          `json:"task_type"`
	Status     TaskStatus      `json:"status"`
	Progress   int             `json:"progress"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	NodeID     string          `json:"node_id,omitempty"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	CreatedBy  string          `json:"created_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
