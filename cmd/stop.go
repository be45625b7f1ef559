package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/wardend/warden/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the broker process",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STOP")
			if err != nil {
				slog.Info("Broker is not running (daemon is not running).")
				return
			}
			response.LogMessages()
		},
	}
}
