package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/wardend/warden/internal/core"
)

// SendCommand connects to the daemon, sends a command, and returns the final
// response. Streamed progress messages are logged as they arrive.
func SendCommand(command string) (Response, error) {
	return SendCommandStreaming(command, func(msg ResponseMessage) {
		level := msg.Status
		switch level {
		case "WARN":
			slog.Warn(msg.Message)
		case "ERROR":
			slog.Error(msg.Message)
		default:
			slog.Info(msg.Message)
		}
	})
}

// SendCommandStreaming sends a command and invokes onProgress for every
// streamed progress message before the final response arrives.
func SendCommandStreaming(command string, onProgress func(ResponseMessage)) (Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return response, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to daemon: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Final responses always carry a "messages" key; progress lines are
		// single message objects.
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(line, &probe); err != nil {
			return response, fmt.Errorf("failed to parse response from daemon: %w", err)
		}
		if _, final := probe["messages"]; final {
			if err := json.Unmarshal(line, &response); err != nil {
				return response, fmt.Errorf("failed to parse response from daemon: %w", err)
			}
			return response, nil
		}

		var msg ResponseMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return response, fmt.Errorf("failed to parse progress message from daemon: %w", err)
		}
		if onProgress != nil {
			onProgress(msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return response, fmt.Errorf("failed to read response from daemon: %w", err)
	}
	return response, fmt.Errorf("connection closed before final response")
}

// StartDaemon forks the daemon process in the background.
func StartDaemon() error {
	cmd := exec.Command(os.Args[0], "daemon")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not fork daemon process: %w", err)
	}
	slog.Debug("Daemon process launched", "pid", cmd.Process.Pid)
	// Detach: the daemon outlives this CLI invocation
	return cmd.Process.Release()
}

// WaitForDaemon waits for the daemon socket to appear and answer.
func WaitForDaemon() error {
	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		if _, err := os.Stat(core.GetSocketPath()); err == nil {
			return nil
		}
	}
	return fmt.Errorf("daemon was launched but socket was not created in time")
}

// EnsureDaemonIsRunning handles the auto-start logic.
func EnsureDaemonIsRunning() error {
	if _, err := SendCommand("STATUS"); err == nil {
		return nil // Daemon is running
	}

	slog.Info("Daemon not running. Starting it now...")
	if err := StartDaemon(); err != nil {
		return err
	}
	if err := WaitForDaemon(); err != nil {
		return err
	}
	slog.Debug("Daemon is ready")
	return nil
}
