package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/observation-backfill/cmd/athena"
	"github.com/airframesio/observation-backfill/cmd/backfill"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"cancelled", fmt.Errorf("chunk a: %w", context.Canceled), exitCancelled},
		{"invalid config", ErrBucketRequired, exitInvalidArgument},
		{"invalid argument", backfill.ErrInvalidRange, exitInvalidArgument},
		{"chunks failed", fmt.Errorf("%w: 1 of 3", ErrChunksFailed), 1},
		{"engine", athena.ErrEngineUnavailable, 1},
		{"deadline", context.DeadlineExceeded, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestBindAnnotatedFlags(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	first := &cobra.Command{Use: "first"}
	first.Flags().Int("chunk-size", 100, "")
	bindKey(first.Flags(), "chunk-size", "partitions.chunk_size")

	second := &cobra.Command{Use: "second"}
	second.Flags().Int("chunk-size", 30, "")
	bindKey(second.Flags(), "chunk-size", "refine.chunk_size")

	if err := second.Flags().Set("chunk-size", "7"); err != nil {
		t.Fatal(err)
	}
	if err := bindAnnotatedFlags(second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := viper.GetInt("refine.chunk_size"); got != 7 {
		t.Errorf("expected refine.chunk_size=7, got %d", got)
	}
	// Only the running command's flags are bound
	if viper.IsSet("partitions.chunk_size") {
		t.Error("flags of other commands must not be bound")
	}
}

func TestBlobURLTemplate(t *testing.T) {
	tests := []struct {
		name   string
		config StorageConfig
		want   string
	}{
		{
			name:   "file template untouched",
			config: StorageConfig{BlobURL: "file:///var/backfill/{bucket}", Region: "eu-west-2"},
			want:   "file:///var/backfill/{bucket}",
		},
		{
			name:   "s3 gets region",
			config: StorageConfig{BlobURL: "s3://{bucket}", Region: "eu-west-2"},
			want:   "s3://{bucket}?region=eu-west-2",
		},
		{
			name: "s3 gets endpoint and path style",
			config: StorageConfig{
				BlobURL:   "s3://{bucket}?awssdk=v1",
				Endpoint:  "http://localhost:9000",
				PathStyle: true,
			},
			want: "s3://{bucket}?awssdk=v1&endpoint=http%3A%2F%2Flocalhost%3A9000&s3ForcePathStyle=true",
		},
		{
			name:   "explicit region wins",
			config: StorageConfig{BlobURL: "s3://{bucket}?region=us-east-1", Region: "eu-west-2"},
			want:   "s3://{bucket}?region=us-east-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := blobURLTemplate(tt.config); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestResolveRefineDate(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC)

	date, err := resolveRefineDate("", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if date.Key() != "2026-02-28" {
		t.Errorf("expected yesterday, got %s", date.Key())
	}

	date, err = resolveRefineDate("2025-12-31", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if date.Key() != "2025-12-31" {
		t.Errorf("expected explicit date, got %s", date.Key())
	}

	if _, err := resolveRefineDate("31/12/2025", now); !errors.Is(err, backfill.ErrInvalidFormat) {
		t.Errorf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestWithInvocationTimeout(t *testing.T) {
	ctx, cancel := withInvocationTimeout(context.Background(), 0)
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Error("zero timeout must not set a deadline")
	}

	ctx, cancel = withInvocationTimeout(context.Background(), time.Minute)
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected a deadline")
	}
	if remaining := time.Until(deadline); remaining <= 0 || remaining > time.Minute {
		t.Errorf("unexpected remaining time %s", remaining)
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := printJSON(&buf, backfill.Summarize(nil)); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.Contains(out, "\n  \"totalChunks\": 0") {
		t.Errorf("expected indented output, got %s", out)
	}
	if !strings.HasSuffix(out, "}\n") {
		t.Errorf("expected trailing newline, got %q", out)
	}
}
