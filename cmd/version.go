package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardend/warden/internal/core"
	"github.com/wardend/warden/internal/daemon"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show warden version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("warden %s\n", core.FormatVersion(core.Version))

			// Also report the running daemon's version when it differs
			response, err := daemon.SendCommand("VERSION")
			if err != nil {
				return
			}
			if data, ok := response.Data.(map[string]interface{}); ok {
				if v, ok := data["version"].(string); ok && v != core.FormatVersion(core.Version) {
					fmt.Printf("daemon %s (restart daemon to update)\n", v)
				}
			}
		},
	}
}
