package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardend/warden/internal/daemon"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the broker process",
		Long: `Start the broker process and wait for it to announce its pipe.

The daemon is launched automatically when it is not already running. If the
broker is already running, the existing endpoint is reported and no second
process is spawned.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if err := daemon.EnsureDaemonIsRunning(); err != nil {
				slog.Error(fmt.Sprintf("Failed to start daemon: %v", err))
				os.Exit(1)
			}

			response, err := daemon.SendCommand("START")
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to start broker: %v", err))
				os.Exit(1)
			}
			response.LogMessages()

			if data, ok := response.Data.(map[string]interface{}); ok {
				if endpoint, ok := data["endpoint"].(string); ok {
					fmt.Printf("Endpoint: %s\n", endpoint)
				}
			}
		},
	}
}
