package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardend/warden/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - Broker Process Manager",
		Long: `Warden manages a single long-running broker process: it starts the broker,
waits for its pipe announcement, exposes the resolved endpoint, and captures
the broker's output into a bounded log buffer.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize config and bind global flags to the config
			messages, err := core.InitializeConfig(cmd)
			for _, message := range messages {
				fmt.Println(message)
			}
			return err
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", fmt.Sprintf("%s/%s", homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewStartCommand(),
		NewStopCommand(),
		NewStatusCommand(),
		NewLogsCommand(),
		NewEventsCommand(),
		NewDaemonCommand(),
		NewShutdownCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
