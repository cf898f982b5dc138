package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/perlica/perlica/internal/session"
)

func newSessionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and manage sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(a),
		newSessionsSaveCmd(a),
		newSessionsDiscardCmd(a),
		newSessionsClearCmd(a),
		newSessionsUseCmd(a),
		newSessionsDropProviderCmd(a),
	)
	return cmd
}

func newSessionsListCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions in this context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			sessions, err := rt.Sessions.List(ctx, rt.ContextID, all)
			if err != nil {
				return err
			}
			current, err := rt.Sessions.Current(ctx, rt.ContextID)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tLAST USED\tSTATE")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					shortID(s.ID), valueOr(s.Name, "-"), valueOr(s.ProviderLocked, "-"),
					s.LastUsedAt.Format(time.DateTime), sessionState(s, current))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include unsaved ephemeral sessions")
	return cmd
}

func newSessionsSaveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save <session> [name]",
		Short: "Keep a session past cleanup, optionally naming it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			sess, err := rt.Sessions.ResolveRef(ctx, rt.ContextID, args[0])
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 2 {
				name = args[1]
			}
			if err := rt.Sessions.Save(ctx, sess.ID, name); err != nil {
				return err
			}
			fmt.Printf("saved %s", shortID(sess.ID))
			if name != "" {
				fmt.Printf(" as %q", name)
			}
			fmt.Println()
			return nil
		},
	}
	return cmd
}

func newSessionsDiscardCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discard <session>",
		Short: "Delete a session with its messages and summaries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			sess, err := rt.Sessions.ResolveRef(ctx, rt.ContextID, args[0])
			if err != nil {
				return err
			}
			if err := rt.Sessions.Discard(ctx, sess.ID); err != nil {
				return err
			}
			fmt.Printf("discarded %s\n", shortID(sess.ID))
			return nil
		},
	}
	return cmd
}

func newSessionsClearCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear <session>",
		Short: "Drop a session's transcript, keeping the session itself",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			sess, err := rt.Sessions.ResolveRef(ctx, rt.ContextID, args[0])
			if err != nil {
				return err
			}
			report, err := rt.Sessions.ClearContext(ctx, sess.ID)
			if err != nil {
				return err
			}
			fmt.Printf("cleared %s: %d messages, %d summaries\n",
				shortID(sess.ID), report.DeletedMessages, report.DeletedSummaries)
			return nil
		},
	}
	return cmd
}

func newSessionsUseCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <session>",
		Short: "Make a session the current one for this context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			sess, err := rt.Sessions.ResolveRef(ctx, rt.ContextID, args[0])
			if err != nil {
				return err
			}
			if err := rt.Sessions.SetCurrent(ctx, rt.ContextID, sess.ID); err != nil {
				return err
			}
			fmt.Printf("current session is now %s\n", shortID(sess.ID))
			return nil
		},
	}
	return cmd
}

func newSessionsDropProviderCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "drop-provider <provider-id>",
		Short: "Delete every session locked to a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("drop-provider deletes sessions permanently; re-run with --yes")
			}
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.Sessions.DropByProvider(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("dropped %d sessions (%d messages, %d summaries, %d pointers)\n",
				report.Sessions, report.Messages, report.Summaries, report.Pointers)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the deletion")
	return cmd
}

func sessionState(s session.Session, current string) string {
	state := "ephemeral"
	if s.Saved() {
		state = "saved"
	}
	if s.ID == current {
		state += color.GreenString(" *current")
	}
	return state
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
