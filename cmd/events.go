package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/DanielKusyDev/posthog-session-insights/internal/services"
)

var (
	listStatus string
	listLimit  int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and replay queued events",
}

var eventsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the number of events per status",
	Args:  cobra.NoArgs,
	RunE: withEventService(func(ctx context.Context, svc *services.EventService, args []string) (interface{}, error) {
		return svc.Stats(ctx)
	}),
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events in a status",
	Args:  cobra.NoArgs,
	RunE: withEventService(func(ctx context.Context, svc *services.EventService, args []string) (interface{}, error) {
		return svc.List(ctx, listStatus, listLimit)
	}),
}

var eventsShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show an event and its enriched form",
	Args:  cobra.ExactArgs(1),
	RunE: withEventService(func(ctx context.Context, svc *services.EventService, args []string) (interface{}, error) {
		return svc.Get(ctx, args[0])
	}),
}

var eventsReplayCmd = &cobra.Command{
	Use:   "replay <event-id>",
	Short: "Return an enriched or dead-lettered event to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: withEventService(func(ctx context.Context, svc *services.EventService, args []string) (interface{}, error) {
		return svc.Replay(ctx, args[0])
	}),
}

func init() {
	eventsListCmd.Flags().StringVar(&listStatus, "status", "DEAD_LETTER", "event status to list")
	eventsListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of events")

	eventsCmd.AddCommand(eventsStatsCmd, eventsListCmd, eventsShowCmd, eventsReplayCmd)
	rootCmd.AddCommand(eventsCmd)
}

type eventAction func(ctx context.Context, svc *services.EventService, args []string) (interface{}, error)

// withEventService runs an action against the configured database and prints its result as JSON
func withEventService(action eventAction) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		conn, db, readOnlyDB, err := openDatabase(cfg.DB)
		if err != nil {
			return err
		}
		defer conn.Close()

		result, err := action(cmd.Context(), services.NewEventService(db, readOnlyDB, nil), args)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
}
