package athena

import awsathena "github.com/aws/aws-sdk-go/service/athena"

// State is the lifecycle state of one query execution as reported by the engine.
type State string

const (
	StateQueued    State = awsathena.QueryExecutionStateQueued
	StateRunning   State = awsathena.QueryExecutionStateRunning
	StateSucceeded State = awsathena.QueryExecutionStateSucceeded
	StateFailed    State = awsathena.QueryExecutionStateFailed
	StateCancelled State = awsathena.QueryExecutionStateCancelled
)

// Terminal reports whether no further transition can occur from s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Execution is the handle of a submitted statement.
type Execution struct {
	ID    string `json:"queryExecutionId"`
	State State  `json:"queryState"`
}
