package model

import (
	"encoding/json"
	"time"
)

// Execution is a persisted run of a workflow.
type Execution struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Status     ExecutionStatus `json:"status"`
	Mode       ExecutionMode   `json:"mode"`
	Finished   bool            `json:"finished"`
	RetryOf    string          `json:"retry_of,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	StoppedAt  *time.Time      `json:"stopped_at,omitempty"`
	WaitUntil  *time.Time      `json:"wait_until,omitempty"`
}

// RunResult is the outcome a runner produces for one execution attempt.
// A waiting result carries WaitUntil and intermediate Data; terminal results
// carry the final status and, on failure, an error message.
type RunResult struct {
	Status    ExecutionStatus `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	StoppedAt time.Time       `json:"stopped_at"`
	WaitUntil *time.Time      `json:"wait_until,omitempty"`
}

// WebhookResponse is the HTTP reply an execution produces for the caller
// that triggered it.
type WebhookResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

// ExecutionUpdate is a partial update applied to a persisted execution.
// Nil fields are left untouched. ClearWait resets wait_until to NULL, which
// WaitUntil alone cannot express.
type ExecutionUpdate struct {
	Status    *ExecutionStatus
	Finished  *bool
	Data      json.RawMessage
	Error     *string
	StartedAt *time.Time
	StoppedAt *time.Time
	WaitUntil *time.Time
	ClearWait bool
}
