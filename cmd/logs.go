package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wardend/warden/internal/core"
	"github.com/wardend/warden/internal/daemon"
)

func NewLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Show captured broker output",
		Long: `Show the broker's captured output and keep streaming new lines.

The full capture buffer is replayed first, then new output follows live.
Press Ctrl+C to exit. Only one viewer can be open at a time.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			// Check if daemon is running
			if _, err := daemon.SendCommand("STATUS"); err != nil {
				slog.Error("Daemon is not running. Use 'warden start' to start it.")
				os.Exit(1)
			}

			conn, err := net.Dial("unix", core.GetSocketPath())
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to connect to daemon: %v", err))
				os.Exit(1)
			}
			defer conn.Close()

			if _, err := conn.Write([]byte("LOGS\n")); err != nil {
				slog.Error(fmt.Sprintf("Failed to send LOGS command: %v", err))
				os.Exit(1)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			done := make(chan bool)
			go func() {
				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						if err != io.EOF {
							slog.Debug(fmt.Sprintf("Log stream closed: %v", err))
						}
						done <- true
						return
					}
					fmt.Print(line)
				}
			}()

			select {
			case <-sigChan:
				fmt.Println("\nDisconnected from broker logs.")
			case <-done:
			}
		},
	}
}
