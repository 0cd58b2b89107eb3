package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics

	// None of these may panic
	m.QuerySubmitted()
	m.QueryPolled()
	m.QueryFinished("SUCCEEDED", time.Second)
	m.QueryCancelled("stop_when")
	m.Planned("partitions", 10, 2)
	m.ChunkDone("refine", true)
	m.Items("refine", "skipped", 3)
	m.RowsInserted(96)
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	m.QuerySubmitted()
	m.QuerySubmitted()
	m.QueryFinished("SUCCEEDED", 3*time.Second)
	m.QueryCancelled("max_polls")
	m.Planned("dates", 4, 2)
	m.ChunkDone("refine", false)
	m.Items("refine", "skipped", 2)
	m.Items("refine", "skipped", 0)
	m.RowsInserted(96)
	m.RowsInserted(-1)

	tests := []struct {
		name      string
		collector prometheus.Collector
		want      float64
	}{
		{"submitted", m.QueriesSubmitted, 2},
		{"succeeded state", m.QueryStates.WithLabelValues("SUCCEEDED"), 1},
		{"cancel reason", m.QueryCancellations.WithLabelValues("max_polls"), 1},
		{"planned items", m.ItemsPlanned.WithLabelValues("dates"), 4},
		{"planned chunks", m.ChunksPlanned.WithLabelValues("dates"), 2},
		{"failed chunk", m.ChunksProcessed.WithLabelValues("refine", "failed"), 1},
		{"skipped items", m.WorkItems.WithLabelValues("refine", "skipped"), 2},
		{"inserted rows", m.RefinedRowsInserted, 96},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.collector); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "")
	m.QuerySubmitted()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "observation_backfill_queries_submitted_total 1") {
		t.Errorf("expected default namespace counter in output, got:\n%s", rec.Body.String())
	}
}
