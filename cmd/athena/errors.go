package athena

import (
	"errors"
	"fmt"
)

// Static errors for query execution
var (
	ErrEngineUnavailable     = errors.New("failed to start Athena query")
	ErrEngineExecutionFailed = errors.New("Athena query did not succeed")
	ErrExecutionNotFound     = errors.New("query execution not found")
	ErrResultsUnavailable    = errors.New("query results unavailable")
)

// ExecutionFailedError reports an execution that reached a terminal state other than SUCCEEDED.
// It matches ErrEngineExecutionFailed with errors.Is.
type ExecutionFailedError struct {
	ExecutionID string
	State       State
	Reason      string
}

func (e *ExecutionFailedError) Error() string {
	msg := fmt.Sprintf("Athena query %s failed with state: %s", e.ExecutionID, e.State)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *ExecutionFailedError) Is(target error) bool {
	return target == ErrEngineExecutionFailed
}
