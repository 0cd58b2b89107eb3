package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/airframesio/observation-backfill/cmd/athena"
	"github.com/airframesio/observation-backfill/cmd/backfill"
)

const (
	// viperKeyAnnotation ties a flag to the viper key it overrides.
	viperKeyAnnotation = "viper_key"

	exitInvalidArgument = 2
	exitCancelled       = 130
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/observation-backfill/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	cfgFile      string
	invocationID = uuid.NewString()

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Bold(true)

	failureStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F87")).
			Bold(true)

	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

func commandContext() context.Context {
	if signalContext != nil {
		return signalContext
	}
	return context.Background()
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, r.Level.String(), r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// initLogger initializes the slog logger based on debug flag and log format.
// Logs go to stderr so command output on stdout stays machine readable.
func initLogger(isDebug bool, format string) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "logfmt":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = newTextOnlyHandler(os.Stderr, opts)
	}

	logger = slog.New(handler).With("invocation_id", invocationID)
}

var rootCmd = &cobra.Command{
	Use:     "observation-backfill",
	Version: Version,
	Short:   "🛰️  Chunked backfill and refinement of weather observations on Athena",
	Long: titleStyle.Render("Observation Backfill") + `

Plans hourly partition backfills and 15-minute refinement runs over the observation
archive, persists them as chunks in object storage, and processes chunks against Athena.
Every chunk can be re-run safely: partitions are added "if not exists" and dates that
already have refined rows are skipped.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := bindAnnotatedFlags(cmd); err != nil {
			return err
		}
		initLogger(viper.GetBool("debug"), viper.GetString("log_format"))
		if file := viper.ConfigFileUsed(); file != "" {
			logger.Debug(fmt.Sprintf("📄 Using config file: %s", file))
		}
		return nil
	},
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return exitCancelled
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, backfill.ErrInvalidArgument):
		return exitInvalidArgument
	default:
		return 1
	}
}

// bindKey marks flag name on flags as the override for viper key. Bindings are applied
// only for the command that runs, so commands may share keys.
func bindKey(flags *pflag.FlagSet, name, key string) {
	if err := flags.SetAnnotation(name, viperKeyAnnotation, []string{key}); err != nil {
		panic(err)
	}
}

func bindAnnotatedFlags(cmd *cobra.Command) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[viperKeyAnnotation]
		if len(keys) == 0 || bindErr != nil {
			return
		}
		bindErr = viper.BindPFlag(keys[0], f)
	})
	return bindErr
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	})

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.observation-backfill.yaml)")
	flags.BoolP("debug", "d", false, "enable debug output")
	flags.String("log-format", "text", "log format (text, logfmt, json)")

	flags.String("storage-backend", backendS3, "object storage backend (s3, blob)")
	flags.String("bucket", "weather-tempest-records", "bucket holding source readings, chunks and manifests")
	flags.String("blob-url", "", "gocloud bucket URL template for the blob backend, e.g. file:///var/backfill/{bucket}")
	flags.String("s3-endpoint", "", "custom S3 endpoint (S3-compatible storage)")
	flags.String("region", "eu-west-2", "AWS region")
	flags.Bool("path-style", false, "use path-style S3 addressing")

	flags.String("database", "tempest_weather", "Athena database")
	flags.String("catalog", athena.DefaultCatalog, "Athena data catalog")
	flags.String("output-location", "s3://weather-tempest-records/queries/", "Athena query result location")
	flags.String("work-group", "primary", "Athena work group")
	flags.Duration("poll-interval", athena.DefaultPollInterval, "delay between query state polls")
	flags.Int("max-polls", athena.DefaultMaxPolls, "polls before a running query is cancelled")
	flags.Duration("max-wait", 0, "wall-clock budget per query, 0 disables it")
	flags.Duration("deadline-buffer", 0, "cancel a query once the invocation deadline is this close")
	flags.Duration("invocation-timeout", 0, "time limit for one chunk invocation, 0 disables it")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")

	for name, key := range map[string]string{
		"debug":              "debug",
		"log-format":         "log_format",
		"storage-backend":    "storage.backend",
		"bucket":             "storage.bucket",
		"blob-url":           "storage.blob_url",
		"s3-endpoint":        "storage.endpoint",
		"region":             "storage.region",
		"path-style":         "storage.path_style",
		"database":           "athena.database",
		"catalog":            "athena.catalog",
		"output-location":    "athena.output_location",
		"work-group":         "athena.work_group",
		"poll-interval":      "athena.poll_interval",
		"max-polls":          "athena.max_polls",
		"max-wait":           "athena.max_wait",
		"deadline-buffer":    "athena.deadline_buffer",
		"invocation-timeout": "invocation_timeout",
		"metrics-addr":       "metrics_addr",
	} {
		bindKey(flags, name, key)
	}
}

// addPartitionFlags registers the partition backfill flags on cmd.
func addPartitionFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("prefix", "", "prefix scanned for year=/month=/day=/hour= partitions")
	flags.String("output-prefix", "backfill/athena-partitions", "prefix runs are written under")
	flags.Int("chunk-size", 100, "partitions per chunk")
	flags.String("table", "observations", "table partitions are added to")
	flags.String("location-prefix", "", "storage root of partition locations (default s3://{bucket})")

	bindKey(flags, "prefix", "partitions.prefix")
	bindKey(flags, "output-prefix", "partitions.output_prefix")
	bindKey(flags, "chunk-size", "partitions.chunk_size")
	bindKey(flags, "table", "partitions.table")
	bindKey(flags, "location-prefix", "partitions.location_prefix")
}

// addRefineFlags registers the refinement flags on cmd.
func addRefineFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("output-prefix", "backfill/refined-15m", "prefix runs are written under")
	flags.Int("chunk-size", 30, "dates per chunk")
	flags.String("start-date", "", "first date to refine (YYYY-MM-DD)")
	flags.String("end-date", "", "last date to refine (YYYY-MM-DD), defaults to today UTC minus --end-offset-days")
	flags.Int("end-offset-days", 1, "days subtracted from today UTC for the default end date")
	flags.String("raw-table", "observations", "table raw readings are read from")
	flags.String("refined-table", "observations_refined_15m", "table refined rows are inserted into")
	flags.String("refined-location", "s3://weather-tempest-records/refined/observations_refined_15m/", "storage location of the refined table")

	bindKey(flags, "output-prefix", "refine.output_prefix")
	bindKey(flags, "chunk-size", "refine.chunk_size")
	bindKey(flags, "start-date", "refine.start_date")
	bindKey(flags, "end-date", "refine.end_date")
	bindKey(flags, "end-offset-days", "refine.end_offset_days")
	bindKey(flags, "raw-table", "refine.raw_table")
	bindKey(flags, "refined-table", "refine.refined_table")
	bindKey(flags, "refined-location", "refine.refined_location")
}

// addLedgerFlags registers the PostgreSQL ledger flags on cmd.
func addLedgerFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Bool("ledger", false, "record chunk outcomes in the PostgreSQL ledger")
	flags.String("ledger-host", "localhost", "ledger database host")
	flags.Int("ledger-port", 5432, "ledger database port")
	flags.String("ledger-user", "", "ledger database user")
	flags.String("ledger-password", "", "ledger database password")
	flags.String("ledger-name", "", "ledger database name")
	flags.String("ledger-sslmode", "disable", "ledger SSL mode (disable, require, verify-ca, verify-full)")
	flags.String("ledger-table", "", "ledger table (default backfill_chunk_outcomes)")

	bindKey(flags, "ledger", "ledger.enabled")
	bindKey(flags, "ledger-host", "ledger.host")
	bindKey(flags, "ledger-port", "ledger.port")
	bindKey(flags, "ledger-user", "ledger.user")
	bindKey(flags, "ledger-password", "ledger.password")
	bindKey(flags, "ledger-name", "ledger.name")
	bindKey(flags, "ledger-sslmode", "ledger.sslmode")
	bindKey(flags, "ledger-table", "ledger.table")
}

// legacyEnv keeps the environment variable names of the deployed functions working.
var legacyEnv = map[string][]string{
	"storage.bucket":           {"BACKFILL_BUCKET"},
	"storage.region":           {"AWS_REGION"},
	"partitions.prefix":        {"BACKFILL_SCAN_PREFIX"},
	"partitions.output_prefix": {"BACKFILL_OUTPUT_PREFIX"},
	"partitions.chunk_size":    {"BACKFILL_CHUNK_SIZE"},
	"partitions.table":         {"BACKFILL_ATHENA_TABLE"},
	"athena.database":          {"BACKFILL_ATHENA_DATABASE"},
	"athena.output_location":   {"BACKFILL_ATHENA_OUTPUT"},
	"athena.work_group":        {"BACKFILL_ATHENA_WORKGROUP"},
	"athena.max_polls":         {"BACKFILL_MAX_POLLS"},
	"refine.raw_table":         {"BACKFILL_REFINED_RAW_TABLE"},
	"refine.refined_table":     {"BACKFILL_REFINED_TABLE"},
	"refine.refined_location":  {"BACKFILL_REFINED_LOCATION"},
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".observation-backfill")
	}

	viper.SetEnvPrefix("BACKFILL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for key, names := range legacyEnv {
		envKey := "BACKFILL_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = viper.BindEnv(append([]string{key, envKey}, names...)...)
	}

	_ = viper.ReadInConfig()
}

// printJSON writes v as indented JSON, the output format of every command.
func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// withInvocationTimeout bounds ctx by the configured invocation timeout, if any.
func withInvocationTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
