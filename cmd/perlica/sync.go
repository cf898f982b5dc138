package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/perlica/perlica/internal/staticsync"
)

func newSyncCmd(a *app) *cobra.Command {
	var (
		apply      bool
		cleanStale bool
	)
	cmd := &cobra.Command{
		Use:   "sync [provider-id]",
		Short: "Mirror MCP servers and skills into a provider's config",
		Long: `Compute (and with --apply, write) the provider-side static assets:
the MCP server registry entries and the skill files the provider reads
at startup. Entries are namespaced so only perlica-owned ones are ever
touched. Without --apply this is a dry run.`,
		Example: `  perlica sync claude
  perlica sync claude --apply
  perlica sync claude --apply --clean-stale`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			providerID := a.cfg.Runtime.DefaultProvider
			if len(args) == 1 {
				providerID = args[0]
			}
			if providerID == "" {
				return fmt.Errorf("no provider id given and runtime.default_provider is unset")
			}

			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.SyncReport(ctx, providerID, staticsync.Options{
				DryRun:       !apply,
				StaleCleanup: cleanStale,
			})
			if err != nil {
				return err
			}
			printSyncReport(report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "Write changes instead of reporting them")
	cmd.Flags().BoolVar(&cleanStale, "clean-stale", false, "Remove perlica entries no longer configured")
	return cmd
}

func printSyncReport(report staticsync.Report) {
	mode := color.GreenString("applied")
	if report.DryRun {
		mode = color.YellowString("dry run")
	}
	fmt.Printf("provider %s (%s scope, %s)\n", report.ProviderID, report.Scope, mode)

	if len(report.Items) == 0 {
		fmt.Println("nothing to sync")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tNAME\tACTION\tPATH")
		for _, item := range report.Items {
			action := item.Action
			if item.Reason != "" {
				action += " (" + item.Reason + ")"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", item.Kind, item.Name, action, item.Path)
		}
		w.Flush()
	}

	for _, note := range report.Notes {
		fmt.Println(color.YellowString("note:"), note)
	}
}
