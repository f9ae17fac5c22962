package orchestrator

import (
	"fmt"
	"strings"
)

// ValidationError rejects a request before any subtask is dispatched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s %s", e.Field, e.Reason)
}

// Failure kinds.
const (
	FailureError   = "error"
	FailureTimeout = "timeout"
	FailurePanic   = "panic"
	FailureCancel  = "canceled"
)

// SubtaskFailure records why one capability did not produce output.
type SubtaskFailure struct {
	Capability string `json:"capability"`
	SubtaskID  string `json:"subtask_id"`
	Kind       string `json:"kind" enum:"error,timeout,panic,canceled"`
	Message    string `json:"message"`
}

func (f SubtaskFailure) String() string {
	return fmt.Sprintf("%s (%s): %s", f.Capability, f.Kind, f.Message)
}

// FailedError is returned when every subtask of a task failed.
type FailedError struct {
	TaskID   string
	Failures []SubtaskFailure
}

func (e *FailedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	return fmt.Sprintf("task %s failed: %s", e.TaskID, strings.Join(parts, "; "))
}

// TransitionError reports an illegal task status change.
type TransitionError struct {
	From string
	To   string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid task transition %s -> %s", e.From, e.To)
}
