package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "pending"
	QueuedTaskStatus    TaskStatus = "queued"
	ExecutingTaskStatus TaskStatus = "executing"
	CompletedTaskStatus TaskStatus = "completed"
	FailedTaskStatus    TaskStatus = "failed"
	CancelledTaskStatus TaskStatus = "cancelled"
)

// AllTaskStatuses lists every task status in lifecycle order.
var AllTaskStatuses = []TaskStatus{
	PendingTaskStatus,
	QueuedTaskStatus,
	ExecutingTaskStatus,
	CompletedTaskStatus,
	FailedTaskStatus,
	CancelledTaskStatus,
}

// IsTerminal reports whether no further transition is possible from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case CompletedTaskStatus, FailedTaskStatus, CancelledTaskStatus:
		return true
	default:
		return false
	}
}

// Claimable reports whether a task in status s may be claimed for execution.
func (s TaskStatus) Claimable() bool {
	return s == PendingTaskStatus || s == QueuedTaskStatus
}

// Task represents a unit of browser-automation work owned by a session.
type Task struct {
	ID              string         `json:"id" db:"id"`                                           // UUID
	SessionID       string         `json:"session_id" db:"session_id"`                           // Owning automation session
	UserID          string         `json:"user_id" db:"user_id"`                                 // Owning user
	Name            string         `json:"name" db:"name"`                                       // Descriptive name (e.g., "LoginToCRM")
	Priority        int            `json:"priority" db:"priority"`                               // Lower is more urgent
	DependsOnTaskID *string        `json:"depends_on_task_id,omitempty" db:"depends_on_task_id"` // Prerequisite task (optional)
	Status          TaskStatus     `json:"status" db:"status"`
	ScheduledTime   *time.Time     `json:"scheduled_time,omitempty" db:"scheduled_time"` // Not eligible before this instant
	MaxRetries      int            `json:"max_retries" db:"max_retries"`
	AttemptCount    int            `json:"attempt_count" db:"attempt_count"`
	LastError       string         `json:"last_error,omitempty" db:"last_error"`
	Result          map[string]any `json:"result,omitempty" db:"-"`
	RequiresVision  bool           `json:"requires_vision" db:"requires_vision"`
	IsHighRisk      bool           `json:"is_high_risk" db:"is_high_risk"`
	Complexity      int            `json:"complexity" db:"complexity"` // 0..10
	TimeoutSeconds  int            `json:"timeout_seconds" db:"timeout_seconds"`
	Instructions    string         `json:"instructions,omitempty" db:"instructions"`
	Actions         ActionList     `json:"actions,omitempty" db:"-"`
	Provider        string         `json:"provider,omitempty" db:"provider"` // Provider of the most recent attempt
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
}

// DependsOn returns the dependency task id, or "" when the task has none.
func (t Task) DependsOn() string {
	if t.DependsOnTaskID == nil {
		return ""
	}
	return *t.DependsOnTaskID
}

// QueueStatus is the per-status task count for one session.
type QueueStatus struct {
	SessionID string             `json:"session_id"`
	Counts    map[TaskStatus]int `json:"counts"`
	Total     int                `json:"total"`
}
