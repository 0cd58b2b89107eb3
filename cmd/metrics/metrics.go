// Package metrics provides Prometheus metrics for backfill planning and chunk processing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "observation_backfill"

// Metrics holds all Prometheus metrics for a backfill process.
// Every method is safe to call on a nil *Metrics.
type Metrics struct {
	// Query engine metrics
	QueriesSubmitted   prometheus.Counter
	QueryStates        *prometheus.CounterVec
	QueryPolls         prometheus.Counter
	QueryCancellations *prometheus.CounterVec
	QueryDuration      prometheus.Histogram

	// Planning metrics
	ChunksPlanned *prometheus.CounterVec
	ItemsPlanned  *prometheus.CounterVec

	// Worker metrics
	ChunksProcessed     *prometheus.CounterVec
	WorkItems           *prometheus.CounterVec
	RefinedRowsInserted prometheus.Counter
}

// New registers the backfill metrics on reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	factory := promauto.With(reg)

	return &Metrics{
		QueriesSubmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_submitted_total",
				Help:      "Total number of statements submitted to the query engine",
			},
		),
		QueryStates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_terminal_states_total",
				Help:      "Terminal states reported for submitted statements",
			},
			[]string{"state"},
		),
		QueryPolls: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_polls_total",
				Help:      "Total number of execution state polls",
			},
		),
		QueryCancellations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_cancellations_total",
				Help:      "Executions cancelled by the poll loop",
			},
			[]string{"reason"},
		),
		QueryDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "Time from submission to terminal state",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
			},
		),
		ChunksPlanned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_planned_total",
				Help:      "Chunks written by planners",
			},
			[]string{"variant"},
		),
		ItemsPlanned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_planned_total",
				Help:      "Work items written into chunks by planners",
			},
			[]string{"variant"},
		),
		ChunksProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_processed_total",
				Help:      "Chunks processed by workers",
			},
			[]string{"variant", "outcome"},
		),
		WorkItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_items_total",
				Help:      "Work items handled by workers",
			},
			[]string{"variant", "outcome"},
		),
		RefinedRowsInserted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refined_rows_inserted_total",
				Help:      "Refined rows reported after insert",
			},
		),
	}
}

// QuerySubmitted records one submitted statement.
func (m *Metrics) QuerySubmitted() {
	if m == nil {
		return
	}
	m.QueriesSubmitted.Inc()
}

// QueryPolled records one state poll.
func (m *Metrics) QueryPolled() {
	if m == nil {
		return
	}
	m.QueryPolls.Inc()
}

// QueryFinished records the state an execution ended in and how long it took.
func (m *Metrics) QueryFinished(state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.QueryStates.WithLabelValues(state).Inc()
	m.QueryDuration.Observe(elapsed.Seconds())
}

// QueryCancelled records a cancellation issued by the poll loop.
func (m *Metrics) QueryCancelled(reason string) {
	if m == nil {
		return
	}
	m.QueryCancellations.WithLabelValues(reason).Inc()
}

// Planned records a completed planning run.
func (m *Metrics) Planned(variant string, items, chunks int) {
	if m == nil {
		return
	}
	m.ItemsPlanned.WithLabelValues(variant).Add(float64(items))
	m.ChunksPlanned.WithLabelValues(variant).Add(float64(chunks))
}

// ChunkDone records the outcome of one worker invocation.
func (m *Metrics) ChunkDone(variant string, succeeded bool) {
	if m == nil {
		return
	}
	m.ChunksProcessed.WithLabelValues(variant, outcomeLabel(succeeded)).Inc()
}

// Items adds n work items with the given outcome.
func (m *Metrics) Items(variant, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.WorkItems.WithLabelValues(variant, outcome).Add(float64(n))
}

// RowsInserted adds refined rows reported by a post-insert count.
func (m *Metrics) RowsInserted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RefinedRowsInserted.Add(float64(n))
}

func outcomeLabel(succeeded bool) string {
	if succeeded {
		return "succeeded"
	}
	return "failed"
}

// Handler returns an HTTP handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Debug("metrics server listening on " + addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
