package models

import "time"

type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ExecutionRecord is one provider run, kept as history for health scoring.
type ExecutionRecord struct {
	ID         int64           `json:"id" db:"id"`                     // Auto-incremented record ID
	Provider   string          `json:"provider" db:"provider"`         // Provider that ran the attempt
	TaskID     string          `json:"task_id" db:"task_id"`           // Task being executed
	SessionID  string          `json:"session_id" db:"session_id"`     // Session of the task
	Status     ExecutionStatus `json:"status" db:"status"`             // completed or failed
	DurationMs int64           `json:"duration_ms" db:"duration_ms"`   // Wall-clock duration of the attempt
	Error      string          `json:"error,omitempty" db:"error_msg"` // Adapter error, if any
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`     // Timestamp of the attempt
}

type CircuitState string

const (
	CircuitHealthy  CircuitState = "healthy"
	CircuitDegraded CircuitState = "degraded"
	CircuitOpen     CircuitState = "open"
)

// ProviderHealth is derived from recent execution records; it is never stored.
type ProviderHealth struct {
	Provider            string       `json:"provider"`
	SuccessRate         float64      `json:"success_rate"`
	AvgLatencyMs        float64      `json:"avg_latency_ms"`
	ErrorCount          int          `json:"error_count"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	CircuitState        CircuitState `json:"circuit_state"`
	SampleSize          int          `json:"sample_size"`
	LastExecutionAt     *time.Time   `json:"last_execution_at,omitempty"`
}

// ExecutionStep is the outcome of one sub-action reported by an adapter.
type ExecutionStep struct {
	ActionType    ActionType     `json:"action_type"`
	URL           string         `json:"url,omitempty"`
	Success       bool           `json:"success"`
	ResponseData  map[string]any `json:"response_data,omitempty"`
	Error         string         `json:"error,omitempty"`
	ScreenshotRef string         `json:"screenshot_ref,omitempty"`
	DurationMs    int64          `json:"duration_ms"`
}
