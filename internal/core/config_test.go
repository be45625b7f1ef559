package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func newTestRootCommand(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "warden"}
	cmd.PersistentFlags().String("config-path", t.TempDir(), "")
	cmd.PersistentFlags().CountP("verbose", "v", "")
	return cmd
}

func TestInitializeConfigDefaults(t *testing.T) {
	cmd := newTestRootCommand(t)

	if _, err := InitializeConfig(cmd); err != nil {
		t.Fatalf("InitializeConfig failed: %v", err)
	}

	if got := GetBrokerCommand(); got != "brokerd" {
		t.Errorf("Expected default broker command brokerd, got %q", got)
	}
	if got := GetBrokerHistorySize(); got != 5000 {
		t.Errorf("Expected default history size 5000, got %d", got)
	}
	if got := GetBrokerStopTimeout(); got != 5*time.Second {
		t.Errorf("Expected default stop timeout 5s, got %v", got)
	}
	if got := GetBrokerLogLevel(); got != "" {
		t.Errorf("Expected empty default log level, got %q", got)
	}
	if len(GetBrokerArgs()) != 0 {
		t.Errorf("Expected no default broker args, got %v", GetBrokerArgs())
	}
}

func TestInitializeConfigWritesConfigFile(t *testing.T) {
	cmd := newTestRootCommand(t)
	configPath, err := cmd.PersistentFlags().GetString("config-path")
	if err != nil {
		t.Fatalf("Failed to read config-path flag: %v", err)
	}

	if _, err := InitializeConfig(cmd); err != nil {
		t.Fatalf("InitializeConfig failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(configPath, "config.toml")); err != nil {
		t.Errorf("Expected config file to be created: %v", err)
	}
}

func TestInitializeConfigReadsConfigFile(t *testing.T) {
	cmd := newTestRootCommand(t)
	configPath, err := cmd.PersistentFlags().GetString("config-path")
	if err != nil {
		t.Fatalf("Failed to read config-path flag: %v", err)
	}

	content := "[broker]\ncommand = \"mybroker\"\nhistory_size = 100\n"
	if err := os.WriteFile(filepath.Join(configPath, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := InitializeConfig(cmd); err != nil {
		t.Fatalf("InitializeConfig failed: %v", err)
	}

	if got := GetBrokerCommand(); got != "mybroker" {
		t.Errorf("Expected broker command from file, got %q", got)
	}
	if got := GetBrokerHistorySize(); got != 100 {
		t.Errorf("Expected history size from file, got %d", got)
	}
	// Values absent from the file keep their defaults
	if got := GetBrokerStopTimeout(); got != 5*time.Second {
		t.Errorf("Expected default stop timeout, got %v", got)
	}
}

func TestPathGetters(t *testing.T) {
	cmd := newTestRootCommand(t)
	configPath, err := cmd.PersistentFlags().GetString("config-path")
	if err != nil {
		t.Fatalf("Failed to read config-path flag: %v", err)
	}

	if _, err := InitializeConfig(cmd); err != nil {
		t.Fatalf("InitializeConfig failed: %v", err)
	}

	if got := GetSocketPath(); got != filepath.Join(configPath, SocketName) {
		t.Errorf("Unexpected socket path: %q", got)
	}
	if got := GetPIDFilePath(); got != filepath.Join(configPath, PidFileName) {
		t.Errorf("Unexpected PID file path: %q", got)
	}
	if got := GetDatabasePath(); got != filepath.Join(configPath, DbFileName) {
		t.Errorf("Unexpected database path: %q", got)
	}
	if got := GetConfigFilePath(); got != filepath.Join(configPath, "config.toml") {
		t.Errorf("Unexpected config file path: %q", got)
	}
}
