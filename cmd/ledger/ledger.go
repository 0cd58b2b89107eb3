// Package ledger records chunk outcomes of local backfill runs in PostgreSQL so a run
// can be summarized after the process that drove it has exited.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/lib/pq"

	"github.com/airframesio/observation-backfill/cmd/backfill"
)

// DefaultTable is the ledger table used when none is configured.
const DefaultTable = "backfill_chunk_outcomes"

// ErrRunIDRequired is returned when an outcome is recorded or read without a run id.
var ErrRunIDRequired = errors.New("run id is required")

// Config holds the PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	Table    string
}

// DSN returns the lib/pq connection string for c.
func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, sslMode)
}

// Ledger stores one row per (run, chunk). Recording a chunk again replaces its row.
type Ledger struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
}

// New wraps an open database handle.
func New(db *sql.DB, table string, logger *slog.Logger) *Ledger {
	if table == "" {
		table = DefaultTable
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Ledger{db: db, table: pq.QuoteIdentifier(table), logger: logger}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, config Config, logger *slog.Logger) (*Ledger, error) {
	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger database %s@%s:%d/%s: %w",
			config.User, config.Host, config.Port, config.Name, err)
	}

	return New(db, config.Table, logger), nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// EnsureSchema creates the ledger table if it does not exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	//nolint:gosec // Table name is quoted with pq.QuoteIdentifier
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id TEXT NOT NULL,
	chunk_key TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	result JSONB,
	error_type TEXT,
	error_cause TEXT,
	invocation_id TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, chunk_key)
)`, l.table)

	if _, err := l.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create ledger table: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Record upserts the outcome of one chunk.
func (l *Ledger) Record(ctx context.Context, runID, invocationID string, outcome backfill.ChunkOutcome) error {
	if runID == "" {
		return ErrRunIDRequired
	}

	var result any
	if len(outcome.Result) > 0 {
		result = []byte(outcome.Result)
	}
	var errorType, errorCause string
	if outcome.Error != nil {
		errorType, errorCause = outcome.Error.Error, outcome.Error.Cause
	}

	//nolint:gosec // Table name is quoted with pq.QuoteIdentifier
	query := fmt.Sprintf(`INSERT INTO %s (run_id, chunk_key, success, result, error_type, error_cause, invocation_id, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (run_id, chunk_key) DO UPDATE SET
	success = EXCLUDED.success,
	result = EXCLUDED.result,
	error_type = EXCLUDED.error_type,
	error_cause = EXCLUDED.error_cause,
	invocation_id = EXCLUDED.invocation_id,
	recorded_at = EXCLUDED.recorded_at`, l.table)

	_, err := l.db.ExecContext(ctx, query,
		runID,
		outcome.ChunkKey,
		outcome.Success,
		result,
		nullable(errorType),
		nullable(errorCause),
		invocationID,
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome of %s: %w", outcome.ChunkKey, err)
	}

	l.logger.Debug(fmt.Sprintf("Recorded outcome of %s for run %s (success=%t)", outcome.ChunkKey, runID, outcome.Success))
	return nil
}

// Outcomes returns every recorded outcome of runID ordered by chunk key, which is the
// order the planner wrote the chunks in.
func (l *Ledger) Outcomes(ctx context.Context, runID string) ([]backfill.ChunkOutcome, error) {
	if runID == "" {
		return nil, ErrRunIDRequired
	}

	//nolint:gosec // Table name is quoted with pq.QuoteIdentifier
	query := fmt.Sprintf(`SELECT chunk_key, success, result, error_type, error_cause
FROM %s
WHERE run_id = $1
ORDER BY chunk_key`, l.table)

	rows, err := l.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes of run %s: %w", runID, err)
	}
	defer rows.Close()

	outcomes := []backfill.ChunkOutcome{}
	for rows.Next() {
		var (
			outcome    backfill.ChunkOutcome
			result     []byte
			errorType  sql.NullString
			errorCause sql.NullString
		)
		if err := rows.Scan(&outcome.ChunkKey, &outcome.Success, &result, &errorType, &errorCause); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}

		if len(result) > 0 {
			outcome.Result = result
		}
		if !outcome.Success {
			outcome.Error = &backfill.ErrorInfo{Error: errorType.String, Cause: errorCause.String}
		}
		outcomes = append(outcomes, outcome)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outcomes of run %s: %w", runID, err)
	}

	return outcomes, nil
}
