package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/wardend/warden/internal/daemon"
	"github.com/wardend/warden/internal/db"
)

func NewEventsCommand() *cobra.Command {
	var limit int

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent broker lifecycle events",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand(fmt.Sprintf("EVENTS %d", limit))
			if err != nil {
				slog.Warn("No events (daemon is not running).")
				return
			}
			response.LogMessages()

			jsonBytes, _ := json.Marshal(response.Data)
			events := []db.BrokerEvent{}
			json.Unmarshal(jsonBytes, &events)

			for _, event := range events {
				fmt.Printf("%s  %-16s %s\n",
					event.Timestamp.Format("2006-01-02 15:04:05"),
					event.EventType,
					event.Details,
				)
			}
		},
	}
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")

	return eventsCmd
}
