package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/airframesio/observation-backfill/cmd/backfill"
	"github.com/airframesio/observation-backfill/cmd/ledger"
)

const (
	variantPartitions = "partitions"
	variantRefine     = "refine"
)

// ErrChunksFailed is returned by run when at least one chunk failed.
var ErrChunksFailed = errors.New("chunks failed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Plan a backfill and process every chunk locally",
	Long: `Plan a run, then process its chunks with up to --max-concurrency workers in this
process. Failed chunks are reported in the summary instead of stopping the run, and can
be retried with process-chunk or refine-chunk.`,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

var runPartitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "Discover hourly partitions and add them to the catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return executeRun(cmd, variantPartitions)
	},
}

var runRefineCmd = &cobra.Command{
	Use:   "refine",
	Short: "Refine a date range into 15-minute rows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return executeRun(cmd, variantRefine)
	},
}

func init() {
	addPartitionFlags(runPartitionsCmd)
	addRefineFlags(runRefineCmd)

	for _, c := range []*cobra.Command{runPartitionsCmd, runRefineCmd} {
		flags := c.Flags()
		flags.Int("max-concurrency", 5, "chunks processed at the same time")
		flags.String("results-out", "", "write chunk outcomes as JSONL to this file (.zst, .gz and .lz4 are compressed)")
		flags.Int("compression-level", 0, "compression level for --results-out (0 = codec default)")
		bindKey(flags, "max-concurrency", "max_concurrency")
		bindKey(flags, "results-out", "results_out")
		bindKey(flags, "compression-level", "compression_level")
		addLedgerFlags(c)

		runCmd.AddCommand(c)
	}

	rootCmd.AddCommand(runCmd)
}

// chunkProcessor processes one chunk and returns its JSON-serializable result.
type chunkProcessor func(ctx context.Context, chunkKey string) (any, error)

// runOutput is printed once a local run completes.
type runOutput struct {
	Variant     string           `json:"variant"`
	RunID       string           `json:"runId"`
	ManifestKey string           `json:"manifestKey"`
	Summary     backfill.Summary `json:"summary"`
}

// localRun drives one plan and its chunks in this process.
type localRun struct {
	config   *Config
	svc      *services
	reporter runReporter
	ledger   *ledger.Ledger // nil when outcomes are not recorded
}

func (r *localRun) execute(ctx context.Context, variant string) (*runOutput, []backfill.ChunkOutcome, error) {
	var (
		output  = &runOutput{Variant: variant}
		keys    []string
		process chunkProcessor
	)

	switch variant {
	case variantPartitions:
		plan, err := planPartitions(ctx, r.config, r.svc, &r.config.MaxConcurrency)
		if err != nil {
			return nil, nil, err
		}
		output.RunID, output.ManifestKey, keys = plan.RunID, plan.ManifestKey, plan.ChunkKeys
		process = func(ctx context.Context, chunkKey string) (any, error) {
			return processPartitionChunk(ctx, r.config, r.svc, chunkKey)
		}
	case variantRefine:
		plan, err := planDates(ctx, r.config, r.svc, &r.config.MaxConcurrency)
		if err != nil {
			return nil, nil, err
		}
		output.RunID, output.ManifestKey, keys = plan.RunID, plan.ManifestKey, plan.ChunkKeys
		process = func(ctx context.Context, chunkKey string) (any, error) {
			return processRefineChunk(ctx, r.config, r.svc, chunkKey)
		}
	default:
		return nil, nil, fmt.Errorf("%w: unknown run variant %q", ErrInvalidConfig, variant)
	}

	r.reporter.Planned(output.RunID, len(keys))
	outcomes := r.runChunks(ctx, output.RunID, keys, process)
	output.Summary = backfill.Summarize(outcomes)

	return output, outcomes, nil
}

// runChunks processes chunkKeys with at most MaxConcurrency workers. A worker error
// becomes a failed outcome; it never stops the other chunks. Outcomes keep chunk order.
func (r *localRun) runChunks(ctx context.Context, runID string, chunkKeys []string, process chunkProcessor) []backfill.ChunkOutcome {
	outcomes := make([]backfill.ChunkOutcome, len(chunkKeys))

	var g errgroup.Group
	g.SetLimit(r.config.MaxConcurrency)

	for i, chunkKey := range chunkKeys {
		i, chunkKey := i, chunkKey
		g.Go(func() error {
			var outcome backfill.ChunkOutcome
			if err := ctx.Err(); err != nil {
				outcome = backfill.FailedOutcome(chunkKey, err)
			} else {
				r.reporter.ChunkStarted(chunkKey)
				outcome = runOne(ctx, chunkKey, process)
			}

			outcomes[i] = outcome
			r.record(ctx, runID, outcome)
			r.reporter.ChunkDone(outcome)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func runOne(ctx context.Context, chunkKey string, process chunkProcessor) backfill.ChunkOutcome {
	result, err := process(ctx, chunkKey)
	if err != nil {
		return backfill.FailedOutcome(chunkKey, err)
	}

	outcome, err := backfill.SucceededOutcome(chunkKey, result)
	if err != nil {
		return backfill.FailedOutcome(chunkKey, fmt.Errorf("failed to encode result: %w", err))
	}
	return outcome
}

// record stores outcome in the ledger. Ledger failures are logged and do not fail the chunk.
func (r *localRun) record(ctx context.Context, runID string, outcome backfill.ChunkOutcome) {
	if r.ledger == nil {
		return
	}
	if err := r.ledger.Record(context.WithoutCancel(ctx), runID, invocationID, outcome); err != nil {
		logger.Error(fmt.Sprintf("❌ Failed to record outcome of %s: %v", outcome.ChunkKey, err))
	}
}

func executeRun(cmd *cobra.Command, variant string) error {
	config := loadConfig()
	if err := validateWorker(config, config.ValidateRun); err != nil {
		return err
	}
	switch variant {
	case variantPartitions:
		if err := config.ValidatePartitions(); err != nil {
			return err
		}
	case variantRefine:
		if err := config.ValidateRefine(); err != nil {
			return err
		}
	}

	release, err := acquireRunLock()
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithCancel(commandContext())
	defer cancel()

	useTUI := !config.Debug && term.IsTerminal(int(os.Stderr.Fd()))
	if useTUI {
		// The progress view owns the terminal while chunks run
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	logger.Info(fmt.Sprintf("🚀 Observation Backfill v%s", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	svc, err := newServices(config, true)
	if err != nil {
		return err
	}
	defer svc.Close()
	serveMetrics(ctx, config.MetricsAddr, svc.registry)

	run := &localRun{config: config, svc: svc}
	if config.Ledger.Enabled {
		store, err := ledger.Open(ctx, config.ledgerConfig(), logger)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		run.ledger = store
	}

	state := newLogReporter(variant)
	run.reporter = state

	var program *tea.Program
	if useTUI {
		program = tea.NewProgram(newProgressModel(variant, cancel), tea.WithOutput(os.Stderr), tea.WithoutSignalHandler())
		run.reporter = &teaReporter{program: program, state: state}
	}

	var (
		output   *runOutput
		outcomes []backfill.ChunkOutcome
		runErr   error
	)
	started := time.Now()
	work := func() {
		defer run.reporter.Finished()
		output, outcomes, runErr = run.execute(ctx, variant)
	}

	if program != nil {
		done := make(chan struct{})
		go func() {
			defer close(done)
			work()
		}()
		if _, err := program.Run(); err != nil {
			cancel()
			<-done
			return fmt.Errorf("error running progress display: %w", err)
		}
		<-done
	} else {
		work()
	}

	if runErr != nil {
		return runErr
	}

	if config.ResultsOut != "" {
		if err := writeOutcomesFile(config.ResultsOut, config.CompressionLevel, outcomes); err != nil {
			return err
		}
		logger.Info(fmt.Sprintf("💾 Wrote %d outcomes to %s", len(outcomes), config.ResultsOut))
	}

	printSummary(cmd.ErrOrStderr(), output, outcomes, time.Since(started))
	if err := printJSON(cmd.OutOrStdout(), output); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if output.Summary.FailedChunks > 0 {
		return fmt.Errorf("%w: %d of %d", ErrChunksFailed, output.Summary.FailedChunks, output.Summary.TotalChunks)
	}
	return nil
}

// resultTotals adds up the counters of successful chunk results of either variant.
type resultTotals struct {
	Attempted      int   `json:"attempted"`
	Succeeded      int   `json:"succeeded"`
	AttemptedDates int   `json:"attemptedDates"`
	SkippedDates   int   `json:"skippedDates"`
	InsertedRows   int64 `json:"insertedRows"`
}

func sumResults(outcomes []backfill.ChunkOutcome) resultTotals {
	var totals resultTotals
	for _, outcome := range outcomes {
		if !outcome.Success || len(outcome.Result) == 0 {
			continue
		}
		var r resultTotals
		if err := json.Unmarshal(outcome.Result, &r); err != nil {
			continue
		}
		totals.Attempted += r.Attempted
		totals.Succeeded += r.Succeeded
		totals.AttemptedDates += r.AttemptedDates
		totals.SkippedDates += r.SkippedDates
		totals.InsertedRows += r.InsertedRows
	}
	return totals
}

func printSummary(w io.Writer, output *runOutput, outcomes []backfill.ChunkOutcome, elapsed time.Duration) {
	summary := output.Summary
	totals := sumResults(outcomes)

	fmt.Fprintln(w, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w, titleStyle.Render("📈 Summary"))
	fmt.Fprintln(w, infoStyle.Render(fmt.Sprintf("🆔 Run: %s", output.RunID)))
	fmt.Fprintln(w, successStyle.Render(fmt.Sprintf("✅ Succeeded: %d/%d chunks", summary.SucceededChunks, summary.TotalChunks)))
	if summary.FailedChunks > 0 {
		fmt.Fprintln(w, failureStyle.Render(fmt.Sprintf("❌ Failed: %d chunks", summary.FailedChunks)))
	}

	switch output.Variant {
	case variantPartitions:
		fmt.Fprintf(w, "🗂️  Partitions added: %d/%d\n", totals.Succeeded, totals.Attempted)
	case variantRefine:
		fmt.Fprintf(w, "📅 Dates refined: %d (%d skipped)\n", totals.AttemptedDates, totals.SkippedDates)
		fmt.Fprintf(w, "🧮 Rows inserted: %d\n", totals.InsertedRows)
	}
	fmt.Fprintf(w, "⏱️  Duration: %s\n", elapsed.Round(time.Second))

	for _, outcome := range outcomes {
		if !outcome.Success && outcome.Error != nil {
			fmt.Fprintln(w, failureStyle.Render(fmt.Sprintf("\n❌ %s: %s", outcome.ChunkKey, outcome.Error.Cause)))
		}
	}
}
