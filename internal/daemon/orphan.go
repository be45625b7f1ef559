package daemon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/wardend/warden/internal/core"
)

const brokerStateVersion = "1"

// BrokerStateFile records the broker spawned by this daemon so a restarted
// daemon can detect and clean up an orphan instance from a crashed
// predecessor. At most one broker may ever be live.
type BrokerStateFile struct {
	Version   string    `json:"version"`
	Pid       int       `json:"pid"`
	Command   string    `json:"command"`
	StartTime time.Time `json:"start_time"`
}

// GetBrokerStatePath returns the path to the broker state file
func GetBrokerStatePath() string {
	return filepath.Join(core.Config.GetString("config_path"), "broker_state.json")
}

// SaveBrokerState records the currently spawned broker process to disk
func SaveBrokerState(pid int, command string) error {
	state := BrokerStateFile{
		Version:   brokerStateVersion,
		Pid:       pid,
		Command:   command,
		StartTime: time.Now(),
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal broker state: %w", err)
	}

	// Atomic write
	statePath := GetBrokerStatePath()
	tempPath := statePath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write broker state temp file: %w", err)
	}
	if err := os.Rename(tempPath, statePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename broker state file: %w", err)
	}
	return nil
}

// LoadBrokerState reads the broker state file, returning nil when absent
func LoadBrokerState() (*BrokerStateFile, error) {
	statePath := GetBrokerStatePath()

	if _, err := os.Stat(statePath); os.IsNotExist(err) {
		return nil, nil
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read broker state file: %w", err)
	}

	var state BrokerStateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse broker state file: %w", err)
	}
	if state.Version != brokerStateVersion {
		return nil, fmt.Errorf("unsupported broker state version: %s", state.Version)
	}
	return &state, nil
}

// RemoveBrokerStateFile removes the broker state file
func RemoveBrokerStateFile() error {
	statePath := GetBrokerStatePath()
	if err := os.Remove(statePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove broker state file: %w", err)
	}
	return nil
}

// cleanOrphanBroker kills a broker left behind by a previous daemon instance.
// The recorded PID is validated against the expected command line before
// anything is signalled, so a reused PID is never killed by mistake.
// Returns true when an orphan was found and terminated.
func (d *Daemon) cleanOrphanBroker() bool {
	state, err := LoadBrokerState()
	if err != nil {
		slog.Warn("Failed to load broker state file", "error", err)
		RemoveBrokerStateFile()
		return false
	}
	if state == nil {
		return false
	}

	// State file is stale the moment we own the singleton again
	defer RemoveBrokerStateFile()

	proc, err := process.NewProcess(int32(state.Pid))
	if err != nil {
		slog.Debug("Recorded broker process no longer exists", "pid", state.Pid)
		return false
	}

	cmdline, err := proc.Cmdline()
	if err != nil || !strings.Contains(cmdline, state.Command) {
		slog.Warn("PID from broker state file does not match recorded command, not touching it",
			"pid", state.Pid,
			"command", state.Command)
		return false
	}

	slog.Info("Terminating orphan broker from previous daemon",
		"pid", state.Pid,
		"command", state.Command)

	if err := proc.Terminate(); err != nil {
		slog.Warn("Failed to terminate orphan broker", "pid", state.Pid, "error", err)
		return false
	}

	// Give it a moment to exit before escalating
	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if running, _ := proc.IsRunning(); !running {
			return true
		}
	}

	slog.Warn("Orphan broker did not exit gracefully, force killing", "pid", state.Pid)
	if err := proc.Kill(); err != nil {
		slog.Error("Failed to kill orphan broker", "pid", state.Pid, "error", err)
		return false
	}
	return true
}
