package cmd

import (
	"github.com/spf13/cobra"

	"github.com/wardend/warden/internal/daemon"
)

func NewDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "daemon",
		Short:  "Run the warden daemon in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			d := daemon.New()
			d.Run()
		},
	}
}

func NewShutdownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the broker and shut the daemon down",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("SHUTDOWN")
			if err != nil {
				// Already down
				return
			}
			response.LogMessages()
		},
	}
}
