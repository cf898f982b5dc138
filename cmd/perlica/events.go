package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/perlica/perlica/internal/eventlog"
	"github.com/perlica/perlica/internal/runtime"
)

func newEventsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the append-only event log",
	}
	cmd.AddCommand(newEventsTailCmd(a), newEventsVerifyCmd(a))
	return cmd
}

func newEventsTailCmd(a *app) *cobra.Command {
	var (
		eventType      string
		conversationID string
		limit          int
		follow         bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print recent events as JSON lines",
		Example: `  perlica events tail --limit 50
  perlica events tail --type run.completed
  perlica events tail --follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			return tailEvents(ctx, rt, eventType, conversationID, limit, follow)
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "Only events of this type")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Only events for this conversation")
	cmd.Flags().IntVar(&limit, "limit", 20, "How many trailing events to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new events until interrupted")
	return cmd
}

func tailEvents(ctx context.Context, rt *runtime.Runtime, eventType, conversationID string, limit int, follow bool) error {
	q := eventlog.Query{EventType: eventType, ConversationID: conversationID}
	events, err := rt.Events.List(ctx, q)
	if err != nil {
		return err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	var lastID int64
	for _, ev := range events {
		if err := printEvent(ev); err != nil {
			return err
		}
		lastID = ev.ID
	}
	if !follow {
		return nil
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.AfterID = lastID
			fresh, err := rt.Events.List(ctx, q)
			if err != nil {
				return err
			}
			for _, ev := range fresh {
				if err := printEvent(ev); err != nil {
					return err
				}
				lastID = ev.ID
			}
		}
	}
}

func printEvent(ev eventlog.Stored) error {
	b, err := json.Marshal(ev.Envelope)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(b))
	return err
}

func newEventsVerifyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain and report corruption",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Events.Verify(ctx); err != nil {
				return err
			}
			events, err := rt.Events.List(ctx, eventlog.Query{})
			if err != nil {
				return err
			}
			fmt.Printf("%s %d events, hash chain intact\n", color.GreenString("ok:"), len(events))
			return nil
		},
	}
	return cmd
}
