package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestPIDFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	t.Run("WritePIDFile", func(t *testing.T) {
		if err := WritePIDFile(); err != nil {
			t.Fatal(err)
		}

		data, err := os.ReadFile(GetPIDFilePath())
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != strconv.Itoa(os.Getpid()) {
			t.Fatalf("expected PID %d, got %s", os.Getpid(), string(data))
		}
	})

	t.Run("ReadPIDFile", func(t *testing.T) {
		if err := os.WriteFile(GetPIDFilePath(), []byte(" 4242\n"), 0o600); err != nil {
			t.Fatal(err)
		}

		pid, err := ReadPIDFile()
		if err != nil {
			t.Fatal(err)
		}
		if pid != 4242 {
			t.Fatalf("expected PID 4242, got %d", pid)
		}
	})

	t.Run("ReadPIDFileGarbage", func(t *testing.T) {
		if err := os.WriteFile(GetPIDFilePath(), []byte("not-a-pid"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadPIDFile(); err == nil {
			t.Fatal("expected error for an invalid PID")
		}
	})

	t.Run("RemovePIDFile", func(t *testing.T) {
		if err := WritePIDFile(); err != nil {
			t.Fatal(err)
		}
		if err := RemovePIDFile(); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadPIDFile(); !os.IsNotExist(err) {
			t.Fatalf("expected not-exist error, got %v", err)
		}
	})

	t.Run("IsProcessRunning", func(t *testing.T) {
		if !IsProcessRunning(os.Getpid()) {
			t.Fatal("current process should be running")
		}
		if IsProcessRunning(-1) || IsProcessRunning(0) {
			t.Fatal("non-positive PIDs should not be running")
		}
	})
}

func TestAcquireRunLock(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	t.Run("FreshLock", func(t *testing.T) {
		release, err := acquireRunLock()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := WriteRunInfo(&RunInfo{PID: os.Getpid(), Variant: variantRefine}); err != nil {
			t.Fatal(err)
		}

		release()

		if _, err := os.Stat(GetPIDFilePath()); !os.IsNotExist(err) {
			t.Error("release should remove the PID file")
		}
		if _, err := os.Stat(GetRunInfoPath()); !os.IsNotExist(err) {
			t.Error("release should remove the run info file")
		}
	})

	t.Run("StalePIDIsTakenOver", func(t *testing.T) {
		// PID 0 never names a running process
		if err := os.WriteFile(GetPIDFilePath(), []byte("0"), 0o600); err != nil {
			t.Fatal(err)
		}

		release, err := acquireRunLock()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer release()

		pid, err := ReadPIDFile()
		if err != nil {
			t.Fatal(err)
		}
		if pid != os.Getpid() {
			t.Errorf("expected PID file to name this process, got %d", pid)
		}
	})

	t.Run("RunningProcessBlocks", func(t *testing.T) {
		// The parent of the test binary is alive for the whole test
		parent := os.Getppid()
		if parent <= 1 {
			t.Skip("no usable parent process")
		}
		if err := os.WriteFile(GetPIDFilePath(), []byte(strconv.Itoa(parent)), 0o600); err != nil {
			t.Fatal(err)
		}
		defer RemovePIDFile()

		if _, err := acquireRunLock(); !errors.Is(err, ErrRunInProgress) {
			t.Fatalf("expected ErrRunInProgress, got %v", err)
		}
	})
}

func TestRunInfo(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	info := &RunInfo{
		PID:             os.Getpid(),
		StartTime:       time.Now().Add(-time.Minute),
		Variant:         variantPartitions,
		RunID:           "2026-02-16T00-00-00-000Z",
		InvocationID:    "inv-1",
		TotalChunks:     4,
		CompletedChunks: 2,
		FailedChunks:    1,
	}

	if err := WriteRunInfo(info); err != nil {
		t.Fatal(err)
	}
	if filepath.Base(filepath.Dir(GetRunInfoPath())) != stateDirName {
		t.Errorf("run info should live in %s, got %s", stateDirName, GetRunInfoPath())
	}
	if info.LastUpdate.IsZero() {
		t.Error("WriteRunInfo should stamp LastUpdate")
	}

	read, err := ReadRunInfo()
	if err != nil {
		t.Fatal(err)
	}
	if read.RunID != info.RunID || read.Variant != info.Variant {
		t.Errorf("unexpected run info: %+v", read)
	}
	if read.TotalChunks != 4 || read.CompletedChunks != 2 || read.FailedChunks != 1 {
		t.Errorf("unexpected counters: %+v", read)
	}

	if err := RemoveRunInfo(); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadRunInfo(); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
