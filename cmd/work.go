package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/airframesio/observation-backfill/cmd/backfill"
)

var processChunkCmd = &cobra.Command{
	Use:   "process-chunk",
	Short: "Add every partition of one chunk to the catalog",
	Long: `Load one partition chunk and register all of its partitions with a single batched
ALTER TABLE ... ADD IF NOT EXISTS statement. Prints the chunk result as JSON.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		config := loadConfig()
		if err := validateWorker(config, config.ValidatePartitions); err != nil {
			return err
		}
		chunkKey, _ := cmd.Flags().GetString("chunk-key")
		if chunkKey == "" {
			return ErrChunkKeyRequired
		}

		svc, err := newServices(config, true)
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithCancel(commandContext())
		defer cancel()
		serveMetrics(ctx, config.MetricsAddr, svc.registry)

		result, err := processPartitionChunk(ctx, config, svc, chunkKey)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var refineChunkCmd = &cobra.Command{
	Use:   "refine-chunk",
	Short: "Refine every date of one chunk into 15-minute rows",
	Long: `Load one date chunk, ensure the refined table exists, and refine each date in order.
Dates that already have refined rows are skipped. Prints the chunk result as JSON.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		config := loadConfig()
		if err := validateWorker(config, config.ValidateRefine); err != nil {
			return err
		}
		chunkKey, _ := cmd.Flags().GetString("chunk-key")
		if chunkKey == "" {
			return ErrChunkKeyRequired
		}

		svc, err := newServices(config, true)
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithCancel(commandContext())
		defer cancel()
		serveMetrics(ctx, config.MetricsAddr, svc.registry)

		result, err := processRefineChunk(ctx, config, svc, chunkKey)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var refineDateCmd = &cobra.Command{
	Use:   "refine-date",
	Short: "Refine a single date (defaults to yesterday UTC)",
	Long: `Ensure the refined table exists and refine one date, skipping it when refined rows
are already present. Prints the date outcome as JSON.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		config := loadConfig()
		if err := validateWorker(config, config.ValidateRefine); err != nil {
			return err
		}

		value, _ := cmd.Flags().GetString("date")
		date, err := resolveRefineDate(value, time.Now())
		if err != nil {
			return err
		}

		svc, err := newServices(config, true)
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := withInvocationTimeout(commandContext(), config.InvocationTimeout)
		defer cancel()
		serveMetrics(ctx, config.MetricsAddr, svc.registry)

		worker := backfill.NewRefineWorker(svc.store, svc.queries, config.refineTarget(), logger, svc.metrics)
		outcome, err := worker.RefineDate(ctx, date)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), outcome)
	},
}

func init() {
	for _, c := range []*cobra.Command{processChunkCmd, refineChunkCmd} {
		c.Flags().String("chunk-key", "", "storage key of the chunk to process (required)")
	}
	addPartitionFlags(processChunkCmd)
	addRefineFlags(refineChunkCmd)
	addRefineFlags(refineDateCmd)
	refineDateCmd.Flags().String("date", "", "date to refine (YYYY-MM-DD), defaults to yesterday UTC")

	rootCmd.AddCommand(processChunkCmd)
	rootCmd.AddCommand(refineChunkCmd)
	rootCmd.AddCommand(refineDateCmd)
}

func validateWorker(config *Config, variant func() error) error {
	if err := config.ValidateStorage(); err != nil {
		return err
	}
	if err := config.ValidateAthena(); err != nil {
		return err
	}
	return variant()
}

// resolveRefineDate parses value, or picks the day before now in UTC when it is empty.
func resolveRefineDate(value string, now time.Time) (backfill.DateItem, error) {
	if value == "" {
		return backfill.DefaultEndDate(now, 1), nil
	}
	return backfill.ParseDate(value)
}

// processPartitionChunk runs one partition chunk within the invocation timeout.
func processPartitionChunk(ctx context.Context, config *Config, svc *services, chunkKey string) (*backfill.ChunkResult, error) {
	ctx, cancel := withInvocationTimeout(ctx, config.InvocationTimeout)
	defer cancel()

	worker := backfill.NewPartitionWorker(svc.store, svc.queries, backfill.PartitionWorkerConfig{
		Table:          config.Partitions.Table,
		LocationPrefix: config.partitionLocationPrefix(),
	}, logger, svc.metrics)

	return worker.ProcessChunk(ctx, config.Storage.Bucket, chunkKey)
}

// processRefineChunk runs one date chunk within the invocation timeout.
func processRefineChunk(ctx context.Context, config *Config, svc *services, chunkKey string) (*backfill.RefineResult, error) {
	ctx, cancel := withInvocationTimeout(ctx, config.InvocationTimeout)
	defer cancel()

	worker := backfill.NewRefineWorker(svc.store, svc.queries, config.refineTarget(), logger, svc.metrics)

	return worker.ProcessChunk(ctx, config.Storage.Bucket, chunkKey)
}
