package backfill

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/airframesio/observation-backfill/cmd/athena"
	"github.com/airframesio/observation-backfill/cmd/storage"
)

// ErrorInfo is the error half of a failed chunk outcome.
type ErrorInfo struct {
	Error string `json:"Error,omitempty"`
	Cause string `json:"Cause,omitempty"`
}

// ChunkOutcome tags one worker invocation as succeeded or failed.
type ChunkOutcome struct {
	Success  bool            `json:"success"`
	ChunkKey string          `json:"chunkKey"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *ErrorInfo      `json:"error,omitempty"`
}

// Summary aggregates a run's chunk outcomes. Keys keep input order.
type Summary struct {
	TotalChunks        int      `json:"totalChunks"`
	SucceededChunks    int      `json:"succeededChunks"`
	FailedChunks       int      `json:"failedChunks"`
	FailedChunkKeys    []string `json:"failedChunkKeys"`
	SucceededChunkKeys []string `json:"succeededChunkKeys"`
}

// SucceededOutcome wraps a worker result.
func SucceededOutcome(chunkKey string, result any) (ChunkOutcome, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return ChunkOutcome{}, err
	}
	return ChunkOutcome{Success: true, ChunkKey: chunkKey, Result: body}, nil
}

// FailedOutcome converts a worker error into a failure outcome.
func FailedOutcome(chunkKey string, err error) ChunkOutcome {
	return ChunkOutcome{
		ChunkKey: chunkKey,
		Error: &ErrorInfo{
			Error: ErrorName(err),
			Cause: err.Error(),
		},
	}
}

// ErrorName classifies err into the error kind reported in failure outcomes.
func ErrorName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRange):
		return "InvalidRange"
	case errors.Is(err, ErrInvalidFormat):
		return "InvalidFormat"
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	case errors.Is(err, ErrMissingChunk):
		return "MissingChunk"
	case errors.Is(err, athena.ErrEngineUnavailable):
		return "EngineUnavailable"
	case errors.Is(err, athena.ErrEngineExecutionFailed):
		return "EngineExecutionFailed"
	case errors.Is(err, athena.ErrResultsUnavailable):
		return "ResultsUnavailable"
	case errors.Is(err, athena.ErrExecutionNotFound):
		return "ExecutionNotFound"
	case errors.Is(err, storage.ErrNotFound):
		return "NotFound"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Cancelled"
	default:
		return "Error"
	}
}

// Summarize counts succeeded and failed chunks. It never fails; no outcomes yields
// an all-zero summary with empty key lists.
func Summarize(outcomes []ChunkOutcome) Summary {
	summary := Summary{
		TotalChunks:        len(outcomes),
		FailedChunkKeys:    []string{},
		SucceededChunkKeys: []string{},
	}

	for _, outcome := range outcomes {
		if outcome.Success {
			summary.SucceededChunkKeys = append(summary.SucceededChunkKeys, outcome.ChunkKey)
		} else {
			summary.FailedChunkKeys = append(summary.FailedChunkKeys, outcome.ChunkKey)
		}
	}
	summary.SucceededChunks = len(summary.SucceededChunkKeys)
	summary.FailedChunks = len(summary.FailedChunkKeys)

	return summary
}
