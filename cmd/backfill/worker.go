package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/airframesio/observation-backfill/cmd/athena"
	"github.com/airframesio/observation-backfill/cmd/metrics"
	"github.com/airframesio/observation-backfill/cmd/storage"
)

// QueryRunner executes statements against the query engine. *athena.Client implements it.
type QueryRunner interface {
	Execute(ctx context.Context, sql string) (athena.Execution, error)
	QueryInt64(ctx context.Context, sql string) (int64, error)
}

// ChunkResult is the outcome of one partition worker invocation.
type ChunkResult struct {
	Bucket           string       `json:"bucket"`
	ChunkKey         string       `json:"chunkKey"`
	Attempted        int          `json:"attempted"`
	Succeeded        int          `json:"succeeded"`
	Failed           int          `json:"failed"`
	QueryExecutionID string       `json:"queryExecutionId"`
	QueryState       athena.State `json:"queryState"`
}

// PartitionWorkerConfig names the catalog table partitions are added to.
type PartitionWorkerConfig struct {
	Table string
	// LocationPrefix is the storage root partitions live under, e.g. s3://weather-tempest-records
	LocationPrefix string
}

// PartitionWorker registers one chunk of hourly partitions with a single batched statement.
type PartitionWorker struct {
	store   storage.ObjectStore
	queries QueryRunner
	config  PartitionWorkerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPartitionWorker creates a partition worker. m may be nil.
func NewPartitionWorker(store storage.ObjectStore, queries QueryRunner, config PartitionWorkerConfig, logger *slog.Logger, m *metrics.Metrics) *PartitionWorker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &PartitionWorker{
		store:   store,
		queries: queries,
		config:  config,
		logger:  logger,
		metrics: m,
	}
}

// ProcessChunk loads chunkKey and adds every partition in it if not already present.
// Any terminal state other than SUCCEEDED fails the whole chunk.
func (w *PartitionWorker) ProcessChunk(ctx context.Context, bucket, chunkKey string) (*ChunkResult, error) {
	var partitions []PartitionItem
	if err := loadChunk(ctx, w.store, bucket, chunkKey, &partitions); err != nil {
		w.metrics.ChunkDone(variantPartitions, false)
		return nil, err
	}

	result := &ChunkResult{
		Bucket:    bucket,
		ChunkKey:  chunkKey,
		Attempted: len(partitions),
	}
	if len(partitions) == 0 {
		w.logger.Warn(fmt.Sprintf("Chunk %s is empty, nothing to add", chunkKey))
		w.metrics.ChunkDone(variantPartitions, true)
		return result, nil
	}

	execution, err := w.queries.Execute(ctx, AddPartitionsQuery(w.config.Table, w.config.LocationPrefix, partitions))
	if err != nil {
		w.metrics.Items(variantPartitions, "failed", len(partitions))
		w.metrics.ChunkDone(variantPartitions, false)
		return nil, fmt.Errorf("chunk %s: %w", chunkKey, err)
	}

	result.Succeeded = len(partitions)
	result.QueryExecutionID = execution.ID
	result.QueryState = execution.State

	w.metrics.Items(variantPartitions, "succeeded", len(partitions))
	w.metrics.ChunkDone(variantPartitions, true)
	w.logger.Info(fmt.Sprintf("Added %d partitions from %s (query %s)", len(partitions), chunkKey, execution.ID))

	return result, nil
}

// loadChunk reads and decodes the JSON array stored at key into items.
func loadChunk(ctx context.Context, store storage.ObjectStore, bucket, key string, items any) error {
	body, err := store.Get(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w for %s: %w", ErrMissingChunk, key, err)
		}
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return fmt.Errorf("%w for %s", ErrMissingChunk, key)
	}

	if err := json.Unmarshal(body, items); err != nil {
		return fmt.Errorf("failed to decode chunk %s: %w", key, err)
	}

	return nil
}
