package ledger

import (
	"context"
	"database/sql/driver"
	"errors"
	"reflect"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/airframesio/observation-backfill/cmd/backfill"
)

func newMockLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return New(db, "", nil), mock
}

func TestConfigDSN(t *testing.T) {
	config := Config{Host: "localhost", Port: 5432, User: "backfill", Password: "secret", Name: "ops"}
	want := "host=localhost port=5432 user=backfill password=secret dbname=ops sslmode=disable"
	if got := config.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}

	config.SSLMode = "require"
	if got := config.DSN(); got != "host=localhost port=5432 user=backfill password=secret dbname=ops sslmode=require" {
		t.Errorf("DSN() = %q", got)
	}
}

func TestEnsureSchema(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "backfill_chunk_outcomes"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := ledger.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecord(t *testing.T) {
	tests := []struct {
		name    string
		outcome backfill.ChunkOutcome
		args    []any
	}{
		{
			name: "success",
			outcome: backfill.ChunkOutcome{
				Success:  true,
				ChunkKey: "runs/r1/chunks/chunk-00000.json",
				Result:   []byte(`{"attempted":2}`),
			},
			args: []any{"r1", "runs/r1/chunks/chunk-00000.json", true, []byte(`{"attempted":2}`), nil, nil, "inv-1"},
		},
		{
			name: "failure",
			outcome: backfill.ChunkOutcome{
				ChunkKey: "runs/r1/chunks/chunk-00001.json",
				Error:    &backfill.ErrorInfo{Error: "MissingChunk", Cause: "missing chunk payload"},
			},
			args: []any{"r1", "runs/r1/chunks/chunk-00001.json", false, nil, "MissingChunk", "missing chunk payload", "inv-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, mock := newMockLedger(t)

			args := make([]driver.Value, len(tt.args))
			for i, a := range tt.args {
				args[i] = a
			}
			mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "backfill_chunk_outcomes"`) + `(.|\n)*ON CONFLICT \(run_id, chunk_key\) DO UPDATE`).
				WithArgs(args...).
				WillReturnResult(sqlmock.NewResult(0, 1))

			if err := ledger.Record(context.Background(), "r1", "inv-1", tt.outcome); err != nil {
				t.Fatalf("Record failed: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestRecordErrors(t *testing.T) {
	ledger, mock := newMockLedger(t)

	if err := ledger.Record(context.Background(), "", "inv", backfill.ChunkOutcome{}); !errors.Is(err, ErrRunIDRequired) {
		t.Errorf("expected ErrRunIDRequired, got %v", err)
	}

	dbErr := errors.New("connection reset")
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO`)).WillReturnError(dbErr)
	if err := ledger.Record(context.Background(), "r1", "inv", backfill.ChunkOutcome{ChunkKey: "c"}); !errors.Is(err, dbErr) {
		t.Errorf("expected wrapped database error, got %v", err)
	}
}

func TestOutcomes(t *testing.T) {
	ledger, mock := newMockLedger(t)

	rows := sqlmock.NewRows([]string{"chunk_key", "success", "result", "error_type", "error_cause"}).
		AddRow("chunk-00000.json", true, []byte(`{"attempted":2}`), nil, nil).
		AddRow("chunk-00001.json", false, nil, "EngineExecutionFailed", "Athena query q-2 failed with state: FAILED")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT chunk_key, success, result, error_type, error_cause`) + `(?s).*` + regexp.QuoteMeta(`ORDER BY chunk_key`) + `$`).
		WithArgs("r1").
		WillReturnRows(rows)

	got, err := ledger.Outcomes(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Outcomes failed: %v", err)
	}

	want := []backfill.ChunkOutcome{
		{Success: true, ChunkKey: "chunk-00000.json", Result: []byte(`{"attempted":2}`)},
		{
			ChunkKey: "chunk-00001.json",
			Error:    &backfill.ErrorInfo{Error: "EngineExecutionFailed", Cause: "Athena query q-2 failed with state: FAILED"},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Outcomes() = %+v, want %+v", got, want)
	}

	summary := backfill.Summarize(got)
	if summary.SucceededChunks != 1 || summary.FailedChunks != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestOutcomesEmptyRun(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT chunk_key`)).
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows([]string{"chunk_key", "success", "result", "error_type", "error_cause"}))

	got, err := ledger.Outcomes(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("Outcomes failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected an empty, non-nil slice, got %#v", got)
	}
}
