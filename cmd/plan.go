package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/airframesio/observation-backfill/cmd/backfill"
)

var planPartitionsCmd = &cobra.Command{
	Use:   "plan-partitions",
	Short: "Discover hourly partitions and write them as chunks",
	Long: `List every object under --prefix, collect the distinct year=/month=/day=/hour=
partitions, and write them as chunks plus a manifest under --output-prefix. Prints the plan as JSON.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		config := loadConfig()
		if err := config.ValidateStorage(); err != nil {
			return err
		}
		if err := config.ValidatePartitions(); err != nil {
			return err
		}

		svc, err := newServices(config, false)
		if err != nil {
			return err
		}
		defer svc.Close()

		plan, err := planPartitions(commandContext(), config, svc, nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), plan)
	},
}

var planRefineCmd = &cobra.Command{
	Use:   "plan-refine",
	Short: "Enumerate a date range and write it as refinement chunks",
	Long: `Enumerate every date from --start-date to --end-date inclusive and write them as
chunks plus a manifest under --output-prefix. Prints the plan as JSON, echoing the
database and table parameters refine workers need.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		config := loadConfig()
		if err := config.ValidateStorage(); err != nil {
			return err
		}
		if err := config.ValidateRefine(); err != nil {
			return err
		}

		svc, err := newServices(config, false)
		if err != nil {
			return err
		}
		defer svc.Close()

		plan, err := planDates(commandContext(), config, svc, nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), plan)
	},
}

func init() {
	addPartitionFlags(planPartitionsCmd)
	addRefineFlags(planRefineCmd)

	rootCmd.AddCommand(planPartitionsCmd)
	rootCmd.AddCommand(planRefineCmd)
}

func (c *Config) refineTarget() backfill.RefineTarget {
	return backfill.RefineTarget{
		Database:        c.Athena.Database,
		RawTable:        c.Refine.RawTable,
		RefinedTable:    c.Refine.RefinedTable,
		RefinedLocation: c.Refine.RefinedLocation,
		OutputLocation:  c.Athena.OutputLocation,
		WorkGroup:       c.Athena.WorkGroup,
	}
}

func planPartitions(ctx context.Context, config *Config, svc *services, maxConcurrency *int) (*backfill.PartitionPlan, error) {
	logger.Info(fmt.Sprintf("🔎 Scanning %s/%s for partitions", config.Storage.Bucket, config.Partitions.Prefix))

	planner := backfill.NewPlanner(svc.store, logger, backfill.WithPlannerMetrics(svc.metrics))
	return planner.PlanPartitions(ctx, backfill.PartitionPlanInput{
		Bucket:         config.Storage.Bucket,
		Prefix:         config.Partitions.Prefix,
		OutputPrefix:   config.Partitions.OutputPrefix,
		ChunkSize:      config.Partitions.ChunkSize,
		MaxConcurrency: maxConcurrency,
	})
}

func planDates(ctx context.Context, config *Config, svc *services, maxConcurrency *int) (*backfill.DatePlan, error) {
	planner := backfill.NewPlanner(svc.store, logger, backfill.WithPlannerMetrics(svc.metrics))
	return planner.PlanDates(ctx, backfill.DatePlanInput{
		Bucket:         config.Storage.Bucket,
		OutputPrefix:   config.Refine.OutputPrefix,
		ChunkSize:      config.Refine.ChunkSize,
		StartDate:      config.Refine.StartDate,
		EndDate:        config.Refine.EndDate,
		EndOffsetDays:  config.Refine.EndOffsetDays,
		MaxConcurrency: maxConcurrency,
		Target:         config.refineTarget(),
	})
}
