package backfill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/airframesio/observation-backfill/cmd/storage"
)

const testBucket = "weather-tempest-records"

var planTime = time.Date(2026, 2, 20, 8, 30, 0, 0, time.UTC)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemStore(t *testing.T) *storage.BlobStore {
	t.Helper()
	buckets := map[string]*blob.Bucket{}
	store := storage.NewBlobStore(func(_ context.Context, name string) (*blob.Bucket, error) {
		if b, ok := buckets[name]; ok {
			return b, nil
		}
		b := memblob.OpenBucket(nil)
		buckets[name] = b
		return b, nil
	})
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func putObject(t *testing.T, store storage.ObjectStore, key, body string) {
	t.Helper()
	if err := store.Put(context.Background(), testBucket, key, []byte(body), storage.ContentTypeJSON); err != nil {
		t.Fatalf("failed to put %s: %v", key, err)
	}
}

func getObject(t *testing.T, store storage.ObjectStore, key string) []byte {
	t.Helper()
	body, err := store.Get(context.Background(), testBucket, key)
	if err != nil {
		t.Fatalf("failed to get %s: %v", key, err)
	}
	return body
}

// recordingStore counts calls and can fail writes after a number of successful puts.
type recordingStore struct {
	storage.ObjectStore
	calls     int
	puts      []string
	failAfter int
}

func (s *recordingStore) ListPage(ctx context.Context, bucket, prefix, token string) ([]string, string, error) {
	s.calls++
	return s.ObjectStore.ListPage(ctx, bucket, prefix, token)
}

func (s *recordingStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	s.calls++
	return s.ObjectStore.Get(ctx, bucket, key)
}

func (s *recordingStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	s.calls++
	if s.failAfter > 0 && len(s.puts) >= s.failAfter {
		return fmt.Errorf("put %s: access denied", key)
	}
	s.puts = append(s.puts, key)
	return s.ObjectStore.Put(ctx, bucket, key, body, contentType)
}

func seedPartitions(t *testing.T, store storage.ObjectStore) {
	t.Helper()
	for _, key := range []string{
		"year=2024/month=08/day=05/hour=23/obs-1.json",
		"year=2024/month=08/day=05/hour=22/obs-1.json",
		"year=2024/month=08/day=05/hour=22/obs-2.json",
		"year=2024/month=08/day=04/hour=01/obs-1.json",
		"year=2023/month=12/day=31/hour=23/obs-1.json",
		"README.md",
	} {
		putObject(t, store, key, "{}")
	}
}

func TestPlanPartitions(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(t)
	seedPartitions(t, store)

	planner := NewPlanner(store, newTestLogger(), WithPlannerClock(func() time.Time { return planTime }))
	plan, err := planner.PlanPartitions(ctx, PartitionPlanInput{
		Bucket:       testBucket,
		Prefix:       "year=",
		OutputPrefix: "backfill/athena-partitions",
		ChunkSize:    2,
	})
	if err != nil {
		t.Fatalf("PlanPartitions failed: %v", err)
	}

	runPrefix := "backfill/athena-partitions/runs/2026-02-20T08-30-00-000Z"
	wantKeys := []string{
		runPrefix + "/chunks/chunk-00000.json",
		runPrefix + "/chunks/chunk-00001.json",
	}
	if plan.TotalPartitions != 4 || plan.TotalChunks != 2 {
		t.Errorf("expected 4 partitions in 2 chunks, got %d in %d", plan.TotalPartitions, plan.TotalChunks)
	}
	if !reflect.DeepEqual(plan.ChunkKeys, wantKeys) {
		t.Errorf("chunk keys = %v, want %v", plan.ChunkKeys, wantKeys)
	}
	if plan.ManifestKey != runPrefix+"/manifest.json" {
		t.Errorf("manifest key = %s", plan.ManifestKey)
	}

	t.Run("chunks concatenate to the sorted unique set", func(t *testing.T) {
		var all []PartitionItem
		for _, key := range plan.ChunkKeys {
			var chunk []PartitionItem
			if err := json.Unmarshal(getObject(t, store, key), &chunk); err != nil {
				t.Fatalf("chunk %s is not valid JSON: %v", key, err)
			}
			if len(chunk) > 2 {
				t.Errorf("chunk %s exceeds chunk size: %d", key, len(chunk))
			}
			all = append(all, chunk...)
		}

		want := []string{"2023-12-31-23", "2024-08-04-01", "2024-08-05-22", "2024-08-05-23"}
		got := make([]string, len(all))
		for i, p := range all {
			got[i] = p.Key()
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("concatenated chunks = %v, want %v", got, want)
		}
	})

	t.Run("manifest", func(t *testing.T) {
		want := `{"bucket":"weather-tempest-records","outputPrefix":"backfill/athena-partitions",` +
			`"runId":"2026-02-20T08-30-00-000Z","chunkSize":2,"totalPartitions":4,"totalChunks":2,` +
			`"chunkKeys":["` + wantKeys[0] + `","` + wantKeys[1] + `"]}`
		if got := string(getObject(t, store, plan.ManifestKey)); got != want {
			t.Errorf("manifest =\n%s\nwant\n%s", got, want)
		}
	})

	t.Run("chunk format", func(t *testing.T) {
		want := `[{"year":"2023","month":"12","day":"31","hour":"23"},{"year":"2024","month":"08","day":"04","hour":"01"}]`
		if got := string(getObject(t, store, wantKeys[0])); got != want {
			t.Errorf("chunk 0 = %s", got)
		}
	})
}

func TestPlanPartitionsLogsBackendNeutralLocation(t *testing.T) {
	store := newMemStore(t)
	seedPartitions(t, store)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	planner := NewPlanner(store, logger, WithPlannerClock(func() time.Time { return planTime }))

	if _, err := planner.PlanPartitions(context.Background(), PartitionPlanInput{
		Bucket:       testBucket,
		Prefix:       "year=",
		OutputPrefix: "backfill/athena-partitions",
		ChunkSize:    2,
	}); err != nil {
		t.Fatalf("PlanPartitions failed: %v", err)
	}

	if !strings.Contains(logs.String(), "under "+testBucket+"/year=") {
		t.Errorf("expected bucket/prefix in logs:\n%s", logs.String())
	}
	if strings.Contains(logs.String(), "s3://") {
		t.Errorf("logs should not assume an S3 backend:\n%s", logs.String())
	}
}

func TestPlanPartitionsEmpty(t *testing.T) {
	store := newMemStore(t)
	planner := NewPlanner(store, newTestLogger(), WithPlannerClock(func() time.Time { return planTime }))

	plan, err := planner.PlanPartitions(context.Background(), PartitionPlanInput{
		Bucket:       testBucket,
		OutputPrefix: "backfill/athena-partitions",
		ChunkSize:    100,
	})
	if err != nil {
		t.Fatalf("PlanPartitions failed: %v", err)
	}
	if plan.TotalChunks != 0 || plan.ChunkKeys == nil {
		t.Errorf("expected an empty, non-nil chunk list, got %#v", plan.ChunkKeys)
	}

	manifest := string(getObject(t, store, plan.ManifestKey))
	if want := `"totalChunks":0,"chunkKeys":[]}`; manifest[len(manifest)-len(want):] != want {
		t.Errorf("manifest = %s", manifest)
	}
}

func TestPlannerRejectsInvalidChunkSizeBeforeIO(t *testing.T) {
	for _, size := range []int{0, -1} {
		t.Run(fmt.Sprintf("chunk size %d", size), func(t *testing.T) {
			store := &recordingStore{ObjectStore: newMemStore(t)}
			planner := NewPlanner(store, newTestLogger())

			_, err := planner.PlanPartitions(context.Background(), PartitionPlanInput{Bucket: testBucket, ChunkSize: size})
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("PlanPartitions: expected ErrInvalidArgument, got %v", err)
			}

			_, err = planner.PlanDates(context.Background(), DatePlanInput{
				Bucket:    testBucket,
				ChunkSize: size,
				StartDate: "2026-02-16",
				EndDate:   "2026-02-19",
			})
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("PlanDates: expected ErrInvalidArgument, got %v", err)
			}

			if store.calls != 0 {
				t.Errorf("expected no storage calls, got %d", store.calls)
			}
		})
	}
}

func TestPlanDates(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(t)
	planner := NewPlanner(store, newTestLogger(), WithPlannerClock(func() time.Time { return planTime }))

	target := RefineTarget{
		Database:     "tempest_weather",
		RawTable:     "observations",
		RefinedTable: "observations_refined_15m",
	}
	plan, err := planner.PlanDates(ctx, DatePlanInput{
		Bucket:       testBucket,
		OutputPrefix: "backfill/refined-15m",
		ChunkSize:    2,
		StartDate:    "2026-02-16",
		EndDate:      "2026-02-19",
		Target:       target,
	})
	if err != nil {
		t.Fatalf("PlanDates failed: %v", err)
	}

	if plan.TotalDates != 4 || plan.TotalChunks != 2 {
		t.Errorf("expected 4 dates in 2 chunks, got %d in %d", plan.TotalDates, plan.TotalChunks)
	}
	if plan.RefineTarget != target {
		t.Errorf("refine target not echoed: %+v", plan.RefineTarget)
	}

	chunks := []string{
		`["2026-02-16","2026-02-17"]`,
		`["2026-02-18","2026-02-19"]`,
	}
	for i, key := range plan.ChunkKeys {
		if got := string(getObject(t, store, key)); got != chunks[i] {
			t.Errorf("chunk %d = %s, want %s", i, got, chunks[i])
		}
	}

	var manifest DateManifest
	if err := json.Unmarshal(getObject(t, store, plan.ManifestKey), &manifest); err != nil {
		t.Fatalf("manifest is not valid JSON: %v", err)
	}
	if manifest.StartDate != "2026-02-16" || manifest.EndDate != "2026-02-19" || manifest.TotalDates != 4 {
		t.Errorf("unexpected manifest %+v", manifest)
	}
}

func TestPlanDatesDefaultsEndDate(t *testing.T) {
	store := newMemStore(t)
	planner := NewPlanner(store, newTestLogger(), WithPlannerClock(func() time.Time { return planTime }))

	plan, err := planner.PlanDates(context.Background(), DatePlanInput{
		Bucket:        testBucket,
		OutputPrefix:  "backfill/refined-15m",
		ChunkSize:     30,
		StartDate:     "2026-02-01",
		EndOffsetDays: 1,
	})
	if err != nil {
		t.Fatalf("PlanDates failed: %v", err)
	}

	if plan.EndDate != "2026-02-19" {
		t.Errorf("expected end date 2026-02-19, got %s", plan.EndDate)
	}
	if plan.TotalDates != 19 || plan.TotalChunks != 1 {
		t.Errorf("expected 19 dates in 1 chunk, got %d in %d", plan.TotalDates, plan.TotalChunks)
	}
}

func TestPlanDatesValidation(t *testing.T) {
	tests := []struct {
		name    string
		input   DatePlanInput
		wantErr error
	}{
		{
			name:    "missing start date",
			input:   DatePlanInput{EndDate: "2026-02-19"},
			wantErr: ErrInvalidArgument,
		},
		{
			name:    "malformed start date",
			input:   DatePlanInput{StartDate: "2026/02/16", EndDate: "2026-02-19"},
			wantErr: ErrInvalidFormat,
		},
		{
			name:    "malformed end date",
			input:   DatePlanInput{StartDate: "2026-02-16", EndDate: "19-02-2026"},
			wantErr: ErrInvalidFormat,
		},
		{
			name:    "start after end",
			input:   DatePlanInput{StartDate: "2026-02-20", EndDate: "2026-02-19"},
			wantErr: ErrInvalidRange,
		},
		{
			name:    "missing bucket",
			input:   DatePlanInput{StartDate: "2026-02-16", EndDate: "2026-02-19", Bucket: "-"},
			wantErr: ErrInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &recordingStore{ObjectStore: newMemStore(t)}
			planner := NewPlanner(store, newTestLogger(), WithPlannerClock(func() time.Time { return planTime }))

			input := tt.input
			input.ChunkSize = 2
			switch input.Bucket {
			case "":
				input.Bucket = testBucket
			case "-":
				input.Bucket = ""
			}

			_, err := planner.PlanDates(context.Background(), input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if store.calls != 0 {
				t.Errorf("expected no storage calls, got %d", store.calls)
			}
		})
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	plan := func() (storage.ObjectStore, *PartitionPlan) {
		store := newMemStore(t)
		seedPartitions(t, store)
		planner := NewPlanner(store, newTestLogger(), WithPlannerClock(func() time.Time { return planTime }))
		p, err := planner.PlanPartitions(context.Background(), PartitionPlanInput{
			Bucket:       testBucket,
			OutputPrefix: "backfill/athena-partitions",
			ChunkSize:    3,
		})
		if err != nil {
			t.Fatalf("PlanPartitions failed: %v", err)
		}
		return store, p
	}

	firstStore, first := plan()
	secondStore, second := plan()

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("plans differ:\n%+v\n%+v", first, second)
	}
	for _, key := range append([]string{first.ManifestKey}, first.ChunkKeys...) {
		a, b := getObject(t, firstStore, key), getObject(t, secondStore, key)
		if string(a) != string(b) {
			t.Errorf("%s differs between runs:\n%s\n%s", key, a, b)
		}
	}
}

func TestPlanWriteFailureSkipsManifest(t *testing.T) {
	store := &recordingStore{ObjectStore: newMemStore(t), failAfter: 1}
	planner := NewPlanner(store, newTestLogger(), WithPlannerClock(func() time.Time { return planTime }))

	_, err := planner.PlanDates(context.Background(), DatePlanInput{
		Bucket:       testBucket,
		OutputPrefix: "backfill/refined-15m",
		ChunkSize:    1,
		StartDate:    "2026-02-16",
		EndDate:      "2026-02-18",
	})
	if err == nil {
		t.Fatal("expected the failed chunk write to abort planning")
	}

	if len(store.puts) != 1 {
		t.Fatalf("expected exactly one successful write, got %v", store.puts)
	}
	manifestKey := ManifestKey(RunPrefix("backfill/refined-15m", NewRunID(planTime)))
	if _, err := store.ObjectStore.Get(context.Background(), testBucket, manifestKey); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("manifest must not exist after a failed run, got %v", err)
	}
}
