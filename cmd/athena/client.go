// Package athena drives statements through Amazon Athena: submission, bounded polling
// until a terminal state, best-effort cancellation and result paging.
package athena

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	awsathena "github.com/aws/aws-sdk-go/service/athena"
	"github.com/aws/aws-sdk-go/service/athena/athenaiface"

	"github.com/airframesio/observation-backfill/cmd/metrics"
)

const (
	DefaultCatalog      = "AwsDataCatalog"
	DefaultPollInterval = 2 * time.Second
	DefaultMaxPolls     = 120

	cancelTimeout = 10 * time.Second
)

// Cancellation reasons, also used as metric labels
const (
	reasonStopWhen = "stop_when"
	reasonMaxWait  = "max_wait"
	reasonDeadline = "deadline"
	reasonMaxPolls = "max_polls"
	reasonContext  = "context"
)

// Config describes where statements run and where their results land.
type Config struct {
	Database       string
	Catalog        string
	OutputLocation string
	WorkGroup      string
}

// PollOptions bounds how long PollUntilTerminal waits for an execution.
type PollOptions struct {
	Interval time.Duration
	MaxPolls int
	// MaxWait is an absolute wall-clock budget measured from the first tick, zero disables it
	MaxWait time.Duration
	// StopWhen is re-evaluated on every tick; returning true cancels the execution
	StopWhen func() bool
	// DeadlineBuffer cancels the execution once the context deadline is this close
	DeadlineBuffer time.Duration
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	if o.MaxPolls <= 0 {
		o.MaxPolls = DefaultMaxPolls
	}
	return o
}

// Clock returns the current time.
type Clock func() time.Time

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Row is one result row, cells in column order.
type Row []string

// Client runs statements against one Athena database and work group.
type Client struct {
	api     athenaiface.AthenaAPI
	config  Config
	polling PollOptions
	now     Clock
	sleep   Sleeper
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option customises a Client.
type Option func(*Client)

// WithClock replaces the wall clock used for MaxWait and deadline checks.
func WithClock(clock Clock) Option {
	return func(c *Client) { c.now = clock }
}

// WithSleeper replaces the function used to wait between polls.
func WithSleeper(sleeper Sleeper) Option {
	return func(c *Client) { c.sleep = sleeper }
}

// WithPollOptions sets the poll options used by Execute and QueryInt64.
func WithPollOptions(opts PollOptions) Option {
	return func(c *Client) { c.polling = opts }
}

// WithMetrics records query activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client over api.
func New(api athenaiface.AthenaAPI, config Config, logger *slog.Logger, opts ...Option) *Client {
	if config.Catalog == "" {
		config.Catalog = DefaultCatalog
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		api:    api,
		config: config,
		now:    time.Now,
		sleep:  sleepContext,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.polling = c.polling.withDefaults()

	return c
}

// Submit starts sql and returns the execution id.
func (c *Client) Submit(ctx context.Context, sql string) (string, error) {
	input := &awsathena.StartQueryExecutionInput{
		QueryString: aws.String(sql),
		QueryExecutionContext: &awsathena.QueryExecutionContext{
			Catalog: aws.String(c.config.Catalog),
		},
		ResultConfiguration: &awsathena.ResultConfiguration{
			EncryptionConfiguration: &awsathena.EncryptionConfiguration{
				EncryptionOption: aws.String(awsathena.EncryptionOptionSseS3),
			},
			AclConfiguration: &awsathena.AclConfiguration{
				S3AclOption: aws.String(awsathena.S3AclOptionBucketOwnerFullControl),
			},
		},
		ResultReuseConfiguration: &awsathena.ResultReuseConfiguration{
			ResultReuseByAgeConfiguration: &awsathena.ResultReuseByAgeConfiguration{
				Enabled: aws.Bool(false),
			},
		},
	}
	if c.config.Database != "" {
		input.QueryExecutionContext.Database = aws.String(c.config.Database)
	}
	if c.config.OutputLocation != "" {
		input.ResultConfiguration.OutputLocation = aws.String(c.config.OutputLocation)
	}
	if c.config.WorkGroup != "" {
		input.WorkGroup = aws.String(c.config.WorkGroup)
	}

	output, err := c.api.StartQueryExecutionWithContext(ctx, input)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}

	id := aws.StringValue(output.QueryExecutionId)
	if id == "" {
		return "", ErrEngineUnavailable
	}

	c.metrics.QuerySubmitted()
	c.logger.Debug(fmt.Sprintf("Started Athena query %s", id))

	return id, nil
}

type executionStatus struct {
	state  State
	reason string
}

func (c *Client) status(ctx context.Context, id string) (executionStatus, error) {
	output, err := c.api.GetQueryExecutionWithContext(ctx, &awsathena.GetQueryExecutionInput{
		QueryExecutionId: aws.String(id),
	})
	if err != nil {
		return executionStatus{}, fmt.Errorf("failed to get query execution %s: %w", id, err)
	}
	if output.QueryExecution == nil || output.QueryExecution.Status == nil {
		return executionStatus{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}

	status := output.QueryExecution.Status
	return executionStatus{
		state:  State(aws.StringValue(status.State)),
		reason: aws.StringValue(status.StateChangeReason),
	}, nil
}

// State returns the current engine-reported state of an execution.
func (c *Client) State(ctx context.Context, id string) (State, error) {
	status, err := c.status(ctx, id)
	if err != nil {
		return "", err
	}
	return status.state, nil
}

// Cancel asks the engine to stop an execution. Failures are logged and reported
// as false; the engine may still finish the work after a confirmed cancel.
func (c *Client) Cancel(ctx context.Context, id string) bool {
	// The caller's context may already be done when cancelling on its behalf
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()

	_, err := c.api.StopQueryExecutionWithContext(cancelCtx, &awsathena.StopQueryExecutionInput{
		QueryExecutionId: aws.String(id),
	})
	if err != nil {
		c.logger.Error(fmt.Sprintf("Failed to cancel Athena query %s: %v", id, err),
			"query_execution_id", id)
		return false
	}

	c.logger.Debug(fmt.Sprintf("Cancelled Athena query %s", id))
	return true
}

func (c *Client) cancelFor(ctx context.Context, id, reason string, started time.Time) {
	c.logger.Warn(fmt.Sprintf("Cancelling Athena query %s (%s)", id, reason))
	c.Cancel(ctx, id)
	c.metrics.QueryCancelled(reason)
	c.metrics.QueryFinished(string(StateCancelled), c.now().Sub(started))
}

func (c *Client) stopReason(ctx context.Context, opts PollOptions, started time.Time) string {
	if opts.StopWhen != nil && opts.StopWhen() {
		return reasonStopWhen
	}
	now := c.now()
	if opts.MaxWait > 0 && now.Sub(started) >= opts.MaxWait {
		return reasonMaxWait
	}
	if opts.DeadlineBuffer > 0 {
		if deadline, ok := ctx.Deadline(); ok && deadline.Sub(now) <= opts.DeadlineBuffer {
			return reasonDeadline
		}
	}
	return ""
}

// PollUntilTerminal waits until the execution reaches a terminal state.
//
// A stop predicate, an exhausted MaxWait or deadline budget, or MaxPolls non-terminal
// polls all cancel the execution and return StateCancelled. If ctx ends while sleeping
// the execution is cancelled and the context error is returned with StateCancelled.
func (c *Client) PollUntilTerminal(ctx context.Context, id string, opts PollOptions) (State, error) {
	status, err := c.pollUntilTerminal(ctx, id, opts.withDefaults())
	return status.state, err
}

func (c *Client) pollUntilTerminal(ctx context.Context, id string, opts PollOptions) (executionStatus, error) {
	started := c.now()
	cancelled := executionStatus{state: StateCancelled}

	for polls := 0; ; {
		if reason := c.stopReason(ctx, opts, started); reason != "" {
			c.cancelFor(ctx, id, reason, started)
			return cancelled, nil
		}

		status, err := c.status(ctx, id)
		if err != nil {
			return executionStatus{}, err
		}
		polls++
		c.metrics.QueryPolled()

		if status.state.Terminal() {
			c.metrics.QueryFinished(string(status.state), c.now().Sub(started))
			c.logger.Debug(fmt.Sprintf("Athena query %s finished with state %s after %d polls", id, status.state, polls))
			return status, nil
		}

		if polls >= opts.MaxPolls {
			c.cancelFor(ctx, id, reasonMaxPolls, started)
			return cancelled, nil
		}

		if err := c.sleep(ctx, opts.Interval); err != nil {
			c.cancelFor(ctx, id, reasonContext, started)
			return cancelled, err
		}
	}
}

// Execute submits sql and waits for it using the client's poll options.
// Any terminal state other than SUCCEEDED is returned as *ExecutionFailedError.
func (c *Client) Execute(ctx context.Context, sql string) (Execution, error) {
	id, err := c.Submit(ctx, sql)
	if err != nil {
		return Execution{}, err
	}

	status, err := c.pollUntilTerminal(ctx, id, c.polling)
	execution := Execution{ID: id, State: status.state}
	if err != nil {
		return execution, err
	}
	if status.state != StateSucceeded {
		return execution, &ExecutionFailedError{
			ExecutionID: id,
			State:       status.state,
			Reason:      status.reason,
		}
	}

	return execution, nil
}

// ResultRows returns one page of results. The first page of a SELECT starts with the
// header row. An empty next token means there are no more pages.
func (c *Client) ResultRows(ctx context.Context, id, pageToken string) ([]Row, string, error) {
	input := &awsathena.GetQueryResultsInput{
		QueryExecutionId: aws.String(id),
	}
	if pageToken != "" {
		input.NextToken = aws.String(pageToken)
	}

	output, err := c.api.GetQueryResultsWithContext(ctx, input)
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == awsathena.ErrCodeInvalidRequestException {
			return nil, "", fmt.Errorf("%w for %s: %w", ErrResultsUnavailable, id, err)
		}
		return nil, "", fmt.Errorf("failed to get query results for %s: %w", id, err)
	}
	if output.ResultSet == nil {
		return nil, "", fmt.Errorf("%w for %s", ErrResultsUnavailable, id)
	}

	rows := make([]Row, 0, len(output.ResultSet.Rows))
	for _, r := range output.ResultSet.Rows {
		if r == nil {
			continue
		}
		row := make(Row, len(r.Data))
		for i, datum := range r.Data {
			if datum != nil {
				row[i] = aws.StringValue(datum.VarCharValue)
			}
		}
		rows = append(rows, row)
	}

	return rows, aws.StringValue(output.NextToken), nil
}

// QueryInt64 executes a single-value SELECT and returns its first cell.
func (c *Client) QueryInt64(ctx context.Context, sql string) (int64, error) {
	execution, err := c.Execute(ctx, sql)
	if err != nil {
		return 0, err
	}

	rows, _, err := c.ResultRows(ctx, execution.ID, "")
	if err != nil {
		return 0, err
	}

	return FirstInt64(rows), nil
}

// FirstInt64 reads the first cell of the first data row (rows[1], after the header).
// Missing or non-numeric values read as zero.
func FirstInt64(rows []Row) int64 {
	if len(rows) < 2 || len(rows[1]) == 0 {
		return 0
	}

	value := strings.TrimSpace(rows[1][0])
	if value == "" {
		return 0
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return int64(f)
	}
	return 0
}
