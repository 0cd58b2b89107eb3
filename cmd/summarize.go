package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/airframesio/observation-backfill/cmd/backfill"
	"github.com/airframesio/observation-backfill/cmd/ledger"
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Aggregate chunk outcomes into a run summary",
	Long: `Read the chunk outcomes of one run and print the summary as JSON.

Outcomes are read from --input (a JSON array or JSONL file, "-" for stdin, optionally
compressed as .zst, .gz or .lz4) or, with --run-id, from the PostgreSQL ledger.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		config := loadConfig()
		input, _ := cmd.Flags().GetString("input")
		runID, _ := cmd.Flags().GetString("run-id")

		var (
			outcomes []backfill.ChunkOutcome
			err      error
		)
		switch {
		case runID != "":
			config.Ledger.Enabled = true
			if err := config.ValidateLedger(); err != nil {
				return err
			}
			outcomes, err = ledgerOutcomes(commandContext(), config, runID)
		case input != "":
			outcomes, err = loadOutcomesFile(input, cmd.InOrStdin())
		default:
			return ErrSummarizeInputRequired
		}
		if err != nil {
			return err
		}

		summary := backfill.Summarize(outcomes)
		logger.Debug(fmt.Sprintf("Summarized %d chunks: %d succeeded, %d failed",
			summary.TotalChunks, summary.SucceededChunks, summary.FailedChunks))
		return printJSON(cmd.OutOrStdout(), summary)
	},
}

func init() {
	summarizeCmd.Flags().String("input", "", `chunk outcomes file (JSON array or JSONL), "-" for stdin`)
	summarizeCmd.Flags().String("run-id", "", "read the outcomes of this run from the ledger")
	addLedgerFlags(summarizeCmd)

	rootCmd.AddCommand(summarizeCmd)
}

func ledgerOutcomes(ctx context.Context, config *Config, runID string) ([]backfill.ChunkOutcome, error) {
	store, err := ledger.Open(ctx, config.ledgerConfig(), logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	return store.Outcomes(ctx, runID)
}
