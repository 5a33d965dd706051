package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	eventsTenant string
	eventsLimit  int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and sync the local risk-event buffer",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List buffered risk events for a tenant",
	RunE:  runEventsList,
}

var eventsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay buffered risk events to the remote ledger",
	RunE:  runEventsSync,
}

func init() {
	eventsCmd.PersistentFlags().StringVar(&eventsTenant, "tenant", "default", "tenant id")
	eventsListCmd.Flags().IntVar(&eventsLimit, "limit", 100, "maximum events to list (0 = all)")

	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsSyncCmd)
	rootCmd.AddCommand(eventsCmd)
}

func runEventsList(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "events.list")
	defer span.End()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	events, err := rt.buffer.ListByTenant(ctx, eventsTenant, eventsLimit)
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}
	out := map[string]interface{}{
		"events": events,
		"count":  len(events),
	}
	if rt.local != nil {
		pending, err := rt.local.PendingEscalations(ctx, eventsTenant, eventsLimit)
		if err != nil {
			return fmt.Errorf("listing escalations: %w", err)
		}
		out["escalations"] = pending
	}
	return printJSON(cmd, out)
}

func runEventsSync(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "events.sync")
	defer span.End()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	synced, syncErr := rt.events.Sync(ctx)
	buffered, err := rt.events.Buffered(ctx)
	if err != nil {
		return fmt.Errorf("counting buffered events: %w", err)
	}
	out := map[string]interface{}{
		"synced":   synced,
		"buffered": buffered,
	}
	if syncErr != nil {
		out["error"] = syncErr.Error()
	}
	return printJSON(cmd, out)
}
