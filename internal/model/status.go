package model

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

// Execution status values.
const (
	StatusNew      ExecutionStatus = "new"
	StatusRunning  ExecutionStatus = "running"
	StatusWaiting  ExecutionStatus = "waiting"
	StatusSuccess  ExecutionStatus = "success"
	StatusError    ExecutionStatus = "error"
	StatusCanceled ExecutionStatus = "canceled"
	StatusCrashed  ExecutionStatus = "crashed"
	StatusUnknown  ExecutionStatus = "unknown"
)

// ExecutionMode describes how an execution was started.
type ExecutionMode string

// Execution mode values.
const (
	ModeManual   ExecutionMode = "manual"
	ModeTrigger  ExecutionMode = "trigger"
	ModeWebhook  ExecutionMode = "webhook"
	ModeRetry    ExecutionMode = "retry"
	ModeInternal ExecutionMode = "internal"
)

// IsTerminal reports whether the status marks an execution that has finished
// and will not transition again.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCanceled, StatusCrashed:
		return true
	}
	return false
}

// ExemptFromRemoval reports whether a live execution in this status stays
// registered when a completion event arrives. Waiting executions park in
// memory until they are resumed, stopped, or reaped.
func (s ExecutionStatus) ExemptFromRemoval() bool {
	return s == StatusWaiting
}

// ValidStatus reports whether s is a known execution status.
func ValidStatus(s ExecutionStatus) bool {
	switch s {
	case StatusNew, StatusRunning, StatusWaiting, StatusSuccess,
		StatusError, StatusCanceled, StatusCrashed, StatusUnknown:
		return true
	}
	return false
}

// Production reports whether executions in this mode count against the
// production concurrency capacity. Manual, retry and internal runs always
// start immediately.
func (m ExecutionMode) Production() bool {
	return m == ModeTrigger || m == ModeWebhook
}

// ValidMode reports whether m is a known execution mode.
func ValidMode(m ExecutionMode) bool {
	switch m {
	case ModeManual, ModeTrigger, ModeWebhook, ModeRetry, ModeInternal:
		return true
	}
	return false
}
