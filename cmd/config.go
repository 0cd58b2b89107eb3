package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/airframesio/observation-backfill/cmd/athena"
	"github.com/airframesio/observation-backfill/cmd/compressors"
	"github.com/airframesio/observation-backfill/cmd/ledger"
)

// ErrInvalidConfig is wrapped by every configuration validation error.
var ErrInvalidConfig = errors.New("invalid configuration")

// Static errors for configuration validation
var (
	ErrBucketRequired          = fmt.Errorf("%w: bucket is required", ErrInvalidConfig)
	ErrStorageBackendInvalid   = fmt.Errorf("%w: storage backend must be one of: s3, blob", ErrInvalidConfig)
	ErrBlobURLRequired         = fmt.Errorf("%w: blob URL is required for the blob backend", ErrInvalidConfig)
	ErrRegionInvalid           = fmt.Errorf("%w: region contains invalid characters or is too long", ErrInvalidConfig)
	ErrDatabaseNameInvalid     = fmt.Errorf("%w: Athena database is invalid: must start with a letter or underscore, and contain only letters, numbers, and underscores", ErrInvalidConfig)
	ErrOutputLocationInvalid   = fmt.Errorf("%w: query output location must be an s3:// URI", ErrInvalidConfig)
	ErrWorkGroupRequired       = fmt.Errorf("%w: work group is required", ErrInvalidConfig)
	ErrPollIntervalInvalid     = fmt.Errorf("%w: poll interval must be greater than zero", ErrInvalidConfig)
	ErrMaxPollsInvalid         = fmt.Errorf("%w: max polls must be at least 1", ErrInvalidConfig)
	ErrMaxWaitInvalid          = fmt.Errorf("%w: max wait must be >= 0", ErrInvalidConfig)
	ErrDeadlineBufferInvalid   = fmt.Errorf("%w: deadline buffer must be >= 0", ErrInvalidConfig)
	ErrChunkSizeInvalid        = fmt.Errorf("%w: chunk size must be greater than zero", ErrInvalidConfig)
	ErrTableNameInvalid        = fmt.Errorf("%w: table name is invalid: must be 1-255 characters, start with a letter or underscore, and contain only letters, numbers, and underscores", ErrInvalidConfig)
	ErrRefinedLocationInvalid  = fmt.Errorf("%w: refined table location must be an s3:// URI", ErrInvalidConfig)
	ErrEndOffsetInvalid        = fmt.Errorf("%w: end offset days must be >= 0", ErrInvalidConfig)
	ErrMaxConcurrencyMinimum   = fmt.Errorf("%w: max concurrency must be at least 1", ErrInvalidConfig)
	ErrMaxConcurrencyMaximum   = fmt.Errorf("%w: max concurrency must not exceed 1000", ErrInvalidConfig)
	ErrInvocationTimeout       = fmt.Errorf("%w: invocation timeout must be >= 0", ErrInvalidConfig)
	ErrCompressionLevelInvalid = fmt.Errorf("%w: compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip)", ErrInvalidConfig)
	ErrLedgerUserRequired      = fmt.Errorf("%w: ledger database user is required", ErrInvalidConfig)
	ErrLedgerNameRequired      = fmt.Errorf("%w: ledger database name is required", ErrInvalidConfig)
	ErrLedgerPortInvalid       = fmt.Errorf("%w: ledger database port must be between 1 and 65535", ErrInvalidConfig)
	ErrChunkKeyRequired        = fmt.Errorf("%w: --chunk-key is required", ErrInvalidConfig)
	ErrSummarizeInputRequired  = fmt.Errorf("%w: --input or --run-id is required", ErrInvalidConfig)
	ErrLedgerTableInvalid      = fmt.Errorf("%w: ledger table name is invalid", ErrInvalidConfig)
)

const (
	backendS3   = "s3"
	backendBlob = "blob"
)

// Config is assembled from flags, the config file and the environment for one command.
type Config struct {
	Debug             bool
	LogFormat         string
	Storage           StorageConfig
	Athena            AthenaConfig
	Partitions        PartitionsConfig
	Refine            RefineConfig
	Ledger            LedgerConfig
	MaxConcurrency    int
	InvocationTimeout time.Duration // 0 = unbounded
	MetricsAddr       string
	ResultsOut        string
	CompressionLevel  int // 0 = codec default
}

type StorageConfig struct {
	Backend   string
	Bucket    string
	BlobURL   string // URL template for the blob backend, {bucket} is substituted
	Endpoint  string
	Region    string
	PathStyle bool
}

type AthenaConfig struct {
	Database       string
	Catalog        string
	OutputLocation string
	WorkGroup      string
	PollInterval   time.Duration
	MaxPolls       int
	MaxWait        time.Duration
	DeadlineBuffer time.Duration
}

type PartitionsConfig struct {
	Prefix         string
	OutputPrefix   string
	ChunkSize      int
	Table          string
	LocationPrefix string // defaults to s3://{bucket}
}

type RefineConfig struct {
	OutputPrefix    string
	ChunkSize       int
	StartDate       string
	EndDate         string
	EndOffsetDays   int
	RawTable        string
	RefinedTable    string
	RefinedLocation string
}

type LedgerConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	Table    string
}

// validIdentifier matches catalog identifiers (databases, tables)
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var validRegion = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func isValidIdentifier(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	return validIdentifier.MatchString(name)
}

// isValidRegion validates that a region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	return validRegion.MatchString(region)
}

// isValidCompressionLevel validates level for the codec chosen by the export path.
func isValidCompressionLevel(codec string, level int) bool {
	if level == 0 {
		return true
	}
	switch codec {
	case "zstd":
		return level >= 1 && level <= 22
	case "lz4", "gzip":
		return level >= 1 && level <= 9
	default:
		return false
	}
}

// loadConfig reads every setting from viper. Which parts are validated depends on the command.
func loadConfig() *Config {
	return &Config{
		Debug:     viper.GetBool("debug"),
		LogFormat: viper.GetString("log_format"),
		Storage: StorageConfig{
			Backend:   viper.GetString("storage.backend"),
			Bucket:    viper.GetString("storage.bucket"),
			BlobURL:   viper.GetString("storage.blob_url"),
			Endpoint:  viper.GetString("storage.endpoint"),
			Region:    viper.GetString("storage.region"),
			PathStyle: viper.GetBool("storage.path_style"),
		},
		Athena: AthenaConfig{
			Database:       viper.GetString("athena.database"),
			Catalog:        viper.GetString("athena.catalog"),
			OutputLocation: viper.GetString("athena.output_location"),
			WorkGroup:      viper.GetString("athena.work_group"),
			PollInterval:   viper.GetDuration("athena.poll_interval"),
			MaxPolls:       viper.GetInt("athena.max_polls"),
			MaxWait:        viper.GetDuration("athena.max_wait"),
			DeadlineBuffer: viper.GetDuration("athena.deadline_buffer"),
		},
		Partitions: PartitionsConfig{
			Prefix:         viper.GetString("partitions.prefix"),
			OutputPrefix:   viper.GetString("partitions.output_prefix"),
			ChunkSize:      viper.GetInt("partitions.chunk_size"),
			Table:          viper.GetString("partitions.table"),
			LocationPrefix: viper.GetString("partitions.location_prefix"),
		},
		Refine: RefineConfig{
			OutputPrefix:    viper.GetString("refine.output_prefix"),
			ChunkSize:       viper.GetInt("refine.chunk_size"),
			StartDate:       viper.GetString("refine.start_date"),
			EndDate:         viper.GetString("refine.end_date"),
			EndOffsetDays:   viper.GetInt("refine.end_offset_days"),
			RawTable:        viper.GetString("refine.raw_table"),
			RefinedTable:    viper.GetString("refine.refined_table"),
			RefinedLocation: viper.GetString("refine.refined_location"),
		},
		Ledger: LedgerConfig{
			Enabled:  viper.GetBool("ledger.enabled"),
			Host:     viper.GetString("ledger.host"),
			Port:     viper.GetInt("ledger.port"),
			User:     viper.GetString("ledger.user"),
			Password: viper.GetString("ledger.password"),
			Name:     viper.GetString("ledger.name"),
			SSLMode:  viper.GetString("ledger.sslmode"),
			Table:    viper.GetString("ledger.table"),
		},
		MaxConcurrency:    viper.GetInt("max_concurrency"),
		InvocationTimeout: viper.GetDuration("invocation_timeout"),
		MetricsAddr:       viper.GetString("metrics_addr"),
		ResultsOut:        viper.GetString("results_out"),
		CompressionLevel:  viper.GetInt("compression_level"),
	}
}

// ValidateStorage checks the object storage settings.
func (c *Config) ValidateStorage() error {
	if c.Storage.Bucket == "" {
		return ErrBucketRequired
	}

	switch c.Storage.Backend {
	case backendS3:
	case backendBlob:
		if c.Storage.BlobURL == "" {
			return ErrBlobURLRequired
		}
	default:
		return fmt.Errorf("%w, got '%s'", ErrStorageBackendInvalid, c.Storage.Backend)
	}

	if c.Storage.Region != "" && !isValidRegion(c.Storage.Region) {
		return fmt.Errorf("%w: %s", ErrRegionInvalid, c.Storage.Region)
	}

	return nil
}

// ValidateAthena checks the query engine settings.
func (c *Config) ValidateAthena() error {
	if !isValidIdentifier(c.Athena.Database) {
		return fmt.Errorf("%w: '%s'", ErrDatabaseNameInvalid, c.Athena.Database)
	}
	if !strings.HasPrefix(c.Athena.OutputLocation, "s3://") {
		return fmt.Errorf("%w: '%s'", ErrOutputLocationInvalid, c.Athena.OutputLocation)
	}
	if c.Athena.WorkGroup == "" {
		return ErrWorkGroupRequired
	}
	if c.Athena.PollInterval <= 0 {
		return fmt.Errorf("%w, got %s", ErrPollIntervalInvalid, c.Athena.PollInterval)
	}
	if c.Athena.MaxPolls < 1 {
		return fmt.Errorf("%w, got %d", ErrMaxPollsInvalid, c.Athena.MaxPolls)
	}
	if c.Athena.MaxWait < 0 {
		return fmt.Errorf("%w, got %s", ErrMaxWaitInvalid, c.Athena.MaxWait)
	}
	if c.Athena.DeadlineBuffer < 0 {
		return fmt.Errorf("%w, got %s", ErrDeadlineBufferInvalid, c.Athena.DeadlineBuffer)
	}
	if c.InvocationTimeout < 0 {
		return fmt.Errorf("%w, got %s", ErrInvocationTimeout, c.InvocationTimeout)
	}

	return nil
}

// ValidatePartitions checks the partition backfill settings.
func (c *Config) ValidatePartitions() error {
	if c.Partitions.ChunkSize <= 0 {
		return fmt.Errorf("%w, got %d", ErrChunkSizeInvalid, c.Partitions.ChunkSize)
	}
	if !isValidIdentifier(c.Partitions.Table) {
		return fmt.Errorf("%w: '%s'", ErrTableNameInvalid, c.Partitions.Table)
	}
	return nil
}

// ValidateRefine checks the refinement settings. Dates are validated by the planner.
func (c *Config) ValidateRefine() error {
	if c.Refine.ChunkSize <= 0 {
		return fmt.Errorf("%w, got %d", ErrChunkSizeInvalid, c.Refine.ChunkSize)
	}
	if c.Refine.EndOffsetDays < 0 {
		return fmt.Errorf("%w, got %d", ErrEndOffsetInvalid, c.Refine.EndOffsetDays)
	}
	if !isValidIdentifier(c.Refine.RawTable) {
		return fmt.Errorf("%w: '%s'", ErrTableNameInvalid, c.Refine.RawTable)
	}
	if !isValidIdentifier(c.Refine.RefinedTable) {
		return fmt.Errorf("%w: '%s'", ErrTableNameInvalid, c.Refine.RefinedTable)
	}
	if !strings.HasPrefix(c.Refine.RefinedLocation, "s3://") {
		return fmt.Errorf("%w: '%s'", ErrRefinedLocationInvalid, c.Refine.RefinedLocation)
	}
	return nil
}

// ValidateRun checks the local orchestrator settings.
func (c *Config) ValidateRun() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("%w, got %d", ErrMaxConcurrencyMinimum, c.MaxConcurrency)
	}
	if c.MaxConcurrency > 1000 {
		return fmt.Errorf("%w, got %d", ErrMaxConcurrencyMaximum, c.MaxConcurrency)
	}

	if c.ResultsOut != "" {
		codec := compressors.ForPath(c.ResultsOut)
		if !isValidCompressionLevel(codec.Name(), c.CompressionLevel) {
			return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, codec.Name(), c.CompressionLevel)
		}
	}

	return c.ValidateLedger()
}

// ValidateLedger checks the ledger connection when the ledger is enabled.
func (c *Config) ValidateLedger() error {
	if !c.Ledger.Enabled {
		return nil
	}
	if c.Ledger.User == "" {
		return ErrLedgerUserRequired
	}
	if c.Ledger.Name == "" {
		return ErrLedgerNameRequired
	}
	if c.Ledger.Port < 1 || c.Ledger.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrLedgerPortInvalid, c.Ledger.Port)
	}
	if c.Ledger.Table != "" && !isValidIdentifier(c.Ledger.Table) {
		return fmt.Errorf("%w: '%s'", ErrLedgerTableInvalid, c.Ledger.Table)
	}
	return nil
}

// partitionLocationPrefix is the storage root partition locations are built from.
func (c *Config) partitionLocationPrefix() string {
	if c.Partitions.LocationPrefix != "" {
		return c.Partitions.LocationPrefix
	}
	return "s3://" + c.Storage.Bucket
}

func (c *Config) athenaConfig() athena.Config {
	return athena.Config{
		Database:       c.Athena.Database,
		Catalog:        c.Athena.Catalog,
		OutputLocation: c.Athena.OutputLocation,
		WorkGroup:      c.Athena.WorkGroup,
	}
}

func (c *Config) pollOptions() athena.PollOptions {
	return athena.PollOptions{
		Interval:       c.Athena.PollInterval,
		MaxPolls:       c.Athena.MaxPolls,
		MaxWait:        c.Athena.MaxWait,
		DeadlineBuffer: c.Athena.DeadlineBuffer,
	}
}

func (c *Config) ledgerConfig() ledger.Config {
	return ledger.Config{
		Host:     c.Ledger.Host,
		Port:     c.Ledger.Port,
		User:     c.Ledger.User,
		Password: c.Ledger.Password,
		Name:     c.Ledger.Name,
		SSLMode:  c.Ledger.SSLMode,
		Table:    c.Ledger.Table,
	}
}
