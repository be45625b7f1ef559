package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardend/warden/internal/broker"
	"github.com/wardend/warden/internal/daemon"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and broker status",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STATUS")
			if err != nil {
				slog.Warn("Broker is stopped (daemon is not running).")
				return
			}

			jsonBytes, _ := json.Marshal(response.Data)
			status := daemon.DaemonStatus{}
			json.Unmarshal(jsonBytes, &status)

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				fmt.Printf("Daemon:  running (PID: %d, version %s)\n", status.DaemonPid, status.DaemonVersion)
				switch status.Broker.State {
				case broker.StateRunning:
					age := time.Since(status.Broker.StartTime)
					fmt.Printf("Broker:  running (PID: %d, Age: %s)\n", status.Broker.Pid, age.Round(time.Second))
					fmt.Printf("Endpoint: %s\n", status.Broker.Endpoint)
				case broker.StateStarting:
					fmt.Printf("Broker:  starting (PID: %d, %d caller(s) waiting)\n", status.Broker.Pid, status.Broker.Pending)
				default:
					fmt.Println("Broker:  stopped")
				}
				fmt.Printf("Log lines captured: %d\n", status.LogLines)
			case "json":
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}
