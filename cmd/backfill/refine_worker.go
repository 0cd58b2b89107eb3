package backfill

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/airframesio/observation-backfill/cmd/metrics"
	"github.com/airframesio/observation-backfill/cmd/storage"
)

// RefineResult is the outcome of one refine worker invocation.
type RefineResult struct {
	Bucket         string `json:"bucket"`
	ChunkKey       string `json:"chunkKey"`
	AttemptedDates int    `json:"attemptedDates"`
	SucceededDates int    `json:"succeededDates"`
	SkippedDates   int    `json:"skippedDates"`
	FailedDates    int    `json:"failedDates"`
	InsertedRows   int64  `json:"insertedRows"`
}

// DateOutcome describes what refining a single date did.
type DateOutcome struct {
	Date         DateItem `json:"date"`
	Skipped      bool     `json:"skipped"`
	ExistingRows int64    `json:"existingRows"`
	InsertedRows int64    `json:"insertedRows"`
}

// RefineWorker derives 15 minute aggregate rows for whole dates, skipping dates that
// already have refined output.
type RefineWorker struct {
	store   storage.ObjectStore
	queries QueryRunner
	target  RefineTarget
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRefineWorker creates a refine worker. store is only needed by ProcessChunk and m may be nil.
func NewRefineWorker(store storage.ObjectStore, queries QueryRunner, target RefineTarget, logger *slog.Logger, m *metrics.Metrics) *RefineWorker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &RefineWorker{
		store:   store,
		queries: queries,
		target:  target,
		logger:  logger,
		metrics: m,
	}
}

func (w *RefineWorker) ensureTable(ctx context.Context) error {
	if _, err := w.queries.Execute(ctx, CreateRefinedTableQuery(w.target.RefinedTable, w.target.RefinedLocation)); err != nil {
		return fmt.Errorf("failed to create %s: %w", w.target.RefinedTable, err)
	}
	return nil
}

// ProcessChunk refines every date of chunkKey in order. Dates are never processed
// concurrently because each insert depends on its own existing-row check.
// The first failing date aborts the chunk and no partial result is returned.
func (w *RefineWorker) ProcessChunk(ctx context.Context, bucket, chunkKey string) (*RefineResult, error) {
	var dates []DateItem
	if err := loadChunk(ctx, w.store, bucket, chunkKey, &dates); err != nil {
		w.metrics.ChunkDone(variantRefine, false)
		return nil, err
	}

	if err := w.ensureTable(ctx); err != nil {
		w.metrics.ChunkDone(variantRefine, false)
		return nil, err
	}

	result := &RefineResult{
		Bucket:         bucket,
		ChunkKey:       chunkKey,
		AttemptedDates: len(dates),
	}
	for _, date := range dates {
		outcome, err := w.refine(ctx, date)
		if err != nil {
			w.metrics.Items(variantRefine, "failed", 1)
			w.metrics.ChunkDone(variantRefine, false)
			return nil, fmt.Errorf("chunk %s: %w", chunkKey, err)
		}

		result.SucceededDates++
		if outcome.Skipped {
			result.SkippedDates++
		} else {
			result.InsertedRows += outcome.InsertedRows
		}
	}
	result.FailedDates = result.AttemptedDates - result.SucceededDates

	w.metrics.ChunkDone(variantRefine, true)
	w.logger.Info(fmt.Sprintf("Refined %s: %d dates, %d skipped, %d rows inserted",
		chunkKey, result.SucceededDates, result.SkippedDates, result.InsertedRows))

	return result, nil
}

// RefineDate ensures the refined table exists and refines a single date.
func (w *RefineWorker) RefineDate(ctx context.Context, date DateItem) (*DateOutcome, error) {
	if err := w.ensureTable(ctx); err != nil {
		return nil, err
	}

	outcome, err := w.refine(ctx, date)
	if err != nil {
		w.metrics.Items(variantRefine, "failed", 1)
		return nil, err
	}

	return outcome, nil
}

func (w *RefineWorker) refine(ctx context.Context, date DateItem) (*DateOutcome, error) {
	countQuery := ExistingRowsQuery(w.target.RefinedTable, date)

	existing, err := w.queries.QueryInt64(ctx, countQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to count refined rows for %s: %w", date.Key(), err)
	}
	if existing > 0 {
		w.logger.Debug(fmt.Sprintf("Skipping %s, %d refined rows already present", date.Key(), existing))
		w.metrics.Items(variantRefine, "skipped", 1)
		return &DateOutcome{Date: date, Skipped: true, ExistingRows: existing}, nil
	}

	if _, err := w.queries.Execute(ctx, InsertRefinedRowsQuery(w.target.RawTable, w.target.RefinedTable, date)); err != nil {
		return nil, fmt.Errorf("failed to insert refined rows for %s: %w", date.Key(), err)
	}

	// The post-insert count is reported rather than an assumed row count
	inserted, err := w.queries.QueryInt64(ctx, countQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to recount refined rows for %s: %w", date.Key(), err)
	}

	w.metrics.Items(variantRefine, "succeeded", 1)
	w.metrics.RowsInserted(inserted)
	w.logger.Debug(fmt.Sprintf("Inserted %d refined rows for %s", inserted, date.Key()))

	return &DateOutcome{Date: date, InsertedRows: inserted}, nil
}
