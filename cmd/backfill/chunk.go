package backfill

import (
	"fmt"
	"strings"
	"time"
)

const runIDLayout = "2006-01-02T15:04:05.000Z"

// Split cuts items into consecutive chunks of at most size items. The last chunk may
// be shorter. size must be positive.
func Split[T any](items []T, size int) [][]T {
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// NewRunID derives a run id from the planning time, e.g. 2026-02-16T00-00-00-000Z.
func NewRunID(t time.Time) string {
	return strings.NewReplacer(":", "-", ".", "-").Replace(t.UTC().Format(runIDLayout))
}

// RunPrefix returns "{outputPrefix}/runs/{runId}" without a doubled slash.
func RunPrefix(outputPrefix, runID string) string {
	return fmt.Sprintf("%s/runs/%s", strings.TrimSuffix(outputPrefix, "/"), runID)
}

// ChunkKey returns the storage key of chunk index within a run.
func ChunkKey(runPrefix string, index int) string {
	return fmt.Sprintf("%s/chunks/chunk-%05d.json", runPrefix, index)
}

// ManifestKey returns the storage key of a run's manifest.
func ManifestKey(runPrefix string) string {
	return runPrefix + "/manifest.json"
}
