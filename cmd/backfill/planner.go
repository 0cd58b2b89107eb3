package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/airframesio/observation-backfill/cmd/metrics"
	"github.com/airframesio/observation-backfill/cmd/storage"
)

const (
	variantPartitions = "partitions"
	variantRefine     = "refine"
)

// PartitionPlanInput configures one partition planning run.
type PartitionPlanInput struct {
	Bucket         string
	Prefix         string
	OutputPrefix   string
	ChunkSize      int
	MaxConcurrency *int
}

// DatePlanInput configures one date-refinement planning run.
type DatePlanInput struct {
	Bucket       string
	OutputPrefix string
	ChunkSize    int
	StartDate    string
	// EndDate defaults to today UTC minus EndOffsetDays
	EndDate        string
	EndOffsetDays  int
	MaxConcurrency *int
	Target         RefineTarget
}

// Planner splits a work-item set into chunks and persists them with a manifest.
type Planner struct {
	store   storage.ObjectStore
	logger  *slog.Logger
	now     func() time.Time
	metrics *metrics.Metrics
}

// PlannerOption customises a Planner.
type PlannerOption func(*Planner)

// WithPlannerClock fixes the time used for run ids and default end dates.
func WithPlannerClock(now func() time.Time) PlannerOption {
	return func(p *Planner) { p.now = now }
}

// WithPlannerMetrics records planning totals on m.
func WithPlannerMetrics(m *metrics.Metrics) PlannerOption {
	return func(p *Planner) { p.metrics = m }
}

// NewPlanner creates a Planner writing to store.
func NewPlanner(store storage.ObjectStore, logger *slog.Logger, opts ...PlannerOption) *Planner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	p := &Planner{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

func validateChunking(bucket string, chunkSize int) error {
	if chunkSize <= 0 {
		return fmt.Errorf("%w: chunkSize must be greater than zero", ErrInvalidArgument)
	}
	if bucket == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidArgument)
	}
	return nil
}

// PlanPartitions lists every object under the scan prefix, collects the distinct hourly
// partitions and writes them as chunks followed by the manifest.
func (p *Planner) PlanPartitions(ctx context.Context, in PartitionPlanInput) (*PartitionPlan, error) {
	if err := validateChunking(in.Bucket, in.ChunkSize); err != nil {
		return nil, err
	}

	var found []PartitionItem
	scanned := 0
	err := storage.ListAll(ctx, p.store, in.Bucket, in.Prefix, func(keys []string) error {
		scanned += len(keys)
		for _, key := range keys {
			if partition, ok := PartitionFromObjectKey(key); ok {
				found = append(found, partition)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	partitions := UniquePartitions(found)
	p.logger.Info(fmt.Sprintf("Found %d partitions in %d objects under %s/%s", len(partitions), scanned, in.Bucket, in.Prefix))

	runID := NewRunID(p.now())
	runPrefix := RunPrefix(in.OutputPrefix, runID)
	chunkKeys, err := writeChunksOf(ctx, p, in.Bucket, runPrefix, Split(partitions, in.ChunkSize))
	if err != nil {
		return nil, err
	}

	manifestKey := ManifestKey(runPrefix)
	manifest := PartitionManifest{
		Bucket:          in.Bucket,
		OutputPrefix:    in.OutputPrefix,
		RunID:           runID,
		ChunkSize:       in.ChunkSize,
		TotalPartitions: len(partitions),
		TotalChunks:     len(chunkKeys),
		ChunkKeys:       chunkKeys,
	}
	if err := p.writeJSON(ctx, in.Bucket, manifestKey, manifest); err != nil {
		return nil, err
	}

	p.metrics.Planned(variantPartitions, len(partitions), len(chunkKeys))
	p.logger.Info(fmt.Sprintf("Planned run %s: %d partitions in %d chunks", runID, len(partitions), len(chunkKeys)))

	return &PartitionPlan{
		Bucket:          in.Bucket,
		OutputPrefix:    in.OutputPrefix,
		RunID:           runID,
		ManifestKey:     manifestKey,
		TotalPartitions: len(partitions),
		TotalChunks:     len(chunkKeys),
		ChunkKeys:       chunkKeys,
		MaxConcurrency:  in.MaxConcurrency,
	}, nil
}

// PlanDates enumerates every date in the requested range and writes them as chunks
// followed by the manifest.
func (p *Planner) PlanDates(ctx context.Context, in DatePlanInput) (*DatePlan, error) {
	if err := validateChunking(in.Bucket, in.ChunkSize); err != nil {
		return nil, err
	}
	if in.StartDate == "" {
		return nil, fmt.Errorf("%w: startDate is required", ErrInvalidArgument)
	}

	start, err := ParseDate(in.StartDate)
	if err != nil {
		return nil, fmt.Errorf("startDate: %w", err)
	}

	var end DateItem
	if in.EndDate == "" {
		end = DefaultEndDate(p.now(), in.EndOffsetDays)
	} else if end, err = ParseDate(in.EndDate); err != nil {
		return nil, fmt.Errorf("endDate: %w", err)
	}

	dates, err := EnumerateDates(start, end)
	if err != nil {
		return nil, err
	}
	dates = UniqueDates(dates)

	runID := NewRunID(p.now())
	runPrefix := RunPrefix(in.OutputPrefix, runID)
	chunkKeys, err := writeChunksOf(ctx, p, in.Bucket, runPrefix, Split(dates, in.ChunkSize))
	if err != nil {
		return nil, err
	}

	manifestKey := ManifestKey(runPrefix)
	manifest := DateManifest{
		Bucket:       in.Bucket,
		OutputPrefix: in.OutputPrefix,
		RunID:        runID,
		ChunkSize:    in.ChunkSize,
		StartDate:    start.Key(),
		EndDate:      end.Key(),
		TotalDates:   len(dates),
		TotalChunks:  len(chunkKeys),
		ChunkKeys:    chunkKeys,
	}
	if err := p.writeJSON(ctx, in.Bucket, manifestKey, manifest); err != nil {
		return nil, err
	}

	p.metrics.Planned(variantRefine, len(dates), len(chunkKeys))
	p.logger.Info(fmt.Sprintf("Planned run %s: %d dates (%s to %s) in %d chunks", runID, len(dates), start.Key(), end.Key(), len(chunkKeys)))

	return &DatePlan{
		Bucket:         in.Bucket,
		OutputPrefix:   in.OutputPrefix,
		RunID:          runID,
		ManifestKey:    manifestKey,
		TotalDates:     len(dates),
		TotalChunks:    len(chunkKeys),
		ChunkKeys:      chunkKeys,
		MaxConcurrency: in.MaxConcurrency,
		StartDate:      start.Key(),
		EndDate:        end.Key(),
		RefineTarget:   in.Target,
	}, nil
}

// writeChunksOf persists chunks in index order and returns their keys. The first failed
// write aborts the run so no manifest is written for it.
func writeChunksOf[T any](ctx context.Context, p *Planner, bucket, runPrefix string, chunks [][]T) ([]string, error) {
	keys := make([]string, 0, len(chunks))
	for index, chunk := range chunks {
		key := ChunkKey(runPrefix, index)
		if err := p.writeJSON(ctx, bucket, key, chunk); err != nil {
			return nil, err
		}
		p.logger.Debug(fmt.Sprintf("Wrote chunk %s (%d items)", key, len(chunk)))
		keys = append(keys, key)
	}
	return keys, nil
}

func (p *Planner) writeJSON(ctx context.Context, bucket, key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := p.store.Put(ctx, bucket, key, body, storage.ContentTypeJSON); err != nil {
		return err
	}
	return nil
}
