package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrRunInProgress is returned when another local run holds the PID file.
var ErrRunInProgress = errors.New("another backfill run is in progress")

const stateDirName = ".observation-backfill"

// RunInfo describes the local run currently holding the PID file.
type RunInfo struct {
	PID             int       `json:"pid"`
	StartTime       time.Time `json:"start_time"`
	Variant         string    `json:"variant"`
	RunID           string    `json:"run_id,omitempty"`
	InvocationID    string    `json:"invocation_id"`
	TotalChunks     int       `json:"total_chunks"`
	CompletedChunks int       `json:"completed_chunks"`
	FailedChunks    int       `json:"failed_chunks"`
	LastUpdate      time.Time `json:"last_update"`
}

func stateDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, stateDirName)
}

// GetPIDFilePath returns the path to the PID file
func GetPIDFilePath() string {
	return filepath.Join(stateDir(), "run.pid")
}

// GetRunInfoPath returns the path to the run info file
func GetRunInfoPath() string {
	return filepath.Join(stateDir(), "current_run.json")
}

// WritePIDFile writes the current process PID to a file
func WritePIDFile() error {
	pidPath := GetPIDFilePath()
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	return os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// RemovePIDFile removes the PID file
func RemovePIDFile() error {
	return os.Remove(GetPIDFilePath())
}

// ReadPIDFile reads the PID from file
func ReadPIDFile() (int, error) {
	data, err := os.ReadFile(GetPIDFilePath())
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}

	return pid, nil
}

// IsProcessRunning checks if a process with given PID is running
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 only checks that the process exists
	return process.Signal(syscall.Signal(0)) == nil
}

// acquireRunLock claims the PID file for this process. A PID file left by a process
// that is no longer running is taken over.
func acquireRunLock() (release func(), err error) {
	if pid, err := ReadPIDFile(); err == nil && pid != os.Getpid() && IsProcessRunning(pid) {
		return nil, fmt.Errorf("%w (pid %d, see %s)", ErrRunInProgress, pid, GetRunInfoPath())
	}

	if err := WritePIDFile(); err != nil {
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}

	return func() {
		_ = RemovePIDFile()
		_ = RemoveRunInfo()
	}, nil
}

// WriteRunInfo writes current run information to file
func WriteRunInfo(info *RunInfo) error {
	path := GetRunInfoPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	info.LastUpdate = time.Now()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run info: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// ReadRunInfo reads current run information from file
func ReadRunInfo() (*RunInfo, error) {
	data, err := os.ReadFile(GetRunInfoPath())
	if err != nil {
		return nil, err
	}

	var info RunInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run info: %w", err)
	}

	return &info, nil
}

// RemoveRunInfo removes the run info file
func RemoveRunInfo() error {
	return os.Remove(GetRunInfoPath())
}
