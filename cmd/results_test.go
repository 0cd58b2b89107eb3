package cmd

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/airframesio/observation-backfill/cmd/backfill"
)

func sampleOutcomes(t *testing.T) []backfill.ChunkOutcome {
	t.Helper()

	ok, err := backfill.SucceededOutcome("runs/r1/chunks/chunk-00000.json", map[string]int{"attempted": 3, "succeeded": 3})
	if err != nil {
		t.Fatal(err)
	}
	failed := backfill.FailedOutcome("runs/r1/chunks/chunk-00001.json", errors.New("boom"))

	return []backfill.ChunkOutcome{ok, failed}
}

func TestReadOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantKeys  []string
		wantError bool
	}{
		{
			name:     "array",
			input:    `[{"success":true,"chunkKey":"a","result":{}},{"success":false,"chunkKey":"b","error":{"Error":"Error","Cause":"x"}}]`,
			wantKeys: []string{"a", "b"},
		},
		{
			name:     "array with leading whitespace",
			input:    "\n  [{\"success\":true,\"chunkKey\":\"a\"}]",
			wantKeys: []string{"a"},
		},
		{
			name:     "jsonl",
			input:    "{\"success\":true,\"chunkKey\":\"a\"}\n\n{\"success\":false,\"chunkKey\":\"b\"}\n",
			wantKeys: []string{"a", "b"},
		},
		{
			name:     "empty",
			input:    "  \n",
			wantKeys: []string{},
		},
		{
			name:      "bad line",
			input:     "{\"success\":true,\"chunkKey\":\"a\"}\nnot json\n",
			wantError: true,
		},
		{
			name:      "bad array",
			input:     `[{"success":true,`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcomes, err := readOutcomes(strings.NewReader(tt.input))
			if tt.wantError {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if outcomes == nil {
				t.Fatal("outcomes must not be nil")
			}
			if len(outcomes) != len(tt.wantKeys) {
				t.Fatalf("expected %d outcomes, got %d", len(tt.wantKeys), len(outcomes))
			}
			for i, key := range tt.wantKeys {
				if outcomes[i].ChunkKey != key {
					t.Errorf("outcome %d: expected %s, got %s", i, key, outcomes[i].ChunkKey)
				}
			}
		})
	}
}

func TestOutcomesFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	outcomes := sampleOutcomes(t)

	for _, name := range []string{"outcomes.jsonl", "outcomes.jsonl.zst", "outcomes.jsonl.gz", "outcomes.jsonl.lz4"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := writeOutcomesFile(path, 0, outcomes); err != nil {
				t.Fatalf("write failed: %v", err)
			}

			got, err := loadOutcomesFile(path, nil)
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}

			summary := backfill.Summarize(got)
			if summary.TotalChunks != 2 || summary.SucceededChunks != 1 || summary.FailedChunks != 1 {
				t.Errorf("unexpected summary: %+v", summary)
			}
			if got[1].Error == nil || got[1].Error.Cause != "boom" {
				t.Errorf("expected failure cause to survive, got %+v", got[1].Error)
			}
		})
	}
}

func TestLoadOutcomesFromStdin(t *testing.T) {
	stdin := strings.NewReader(`{"success":true,"chunkKey":"a"}`)

	outcomes, err := loadOutcomesFile("-", stdin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Success {
		t.Errorf("unexpected outcomes: %+v", outcomes)
	}
}

func TestLoadOutcomesMissingFile(t *testing.T) {
	if _, err := loadOutcomesFile(filepath.Join(t.TempDir(), "missing.jsonl"), nil); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
