package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/perlica/perlica/internal/approval"
)

func newApprovalsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Manage standing tool approval policies",
	}
	cmd.AddCommand(newApprovalsSetCmd(a), newApprovalsListCmd(a))
	return cmd
}

func newApprovalsSetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <tool> <tier> <policy>",
		Short: "Set the policy for a tool at a risk tier",
		Long: `Set the standing policy for (tool, risk tier). Tiers: low, medium,
high. Policies: ask (default), always_allow, always_deny. The hard
blocklist for destructive shell patterns runs before any policy and
cannot be overridden here.`,
		Example: `  perlica approvals set shell.exec low always_allow
  perlica approvals set shell.exec high always_deny`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier := approval.RiskTier(args[1])
			pol := approval.Policy(args[2])
			if !tier.Valid() {
				return fmt.Errorf("invalid risk tier %q (low, medium, high)", args[1])
			}
			if !pol.Valid() {
				return fmt.Errorf("invalid policy %q (ask, always_allow, always_deny)", args[2])
			}

			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Approvals.SetPolicy(ctx, args[0], tier, pol); err != nil {
				return err
			}
			fmt.Printf("%s/%s -> %s\n", args[0], tier, pol)
			return nil
		},
	}
	return cmd
}

func newApprovalsListCmd(a *app) *cobra.Command {
	var decisions int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show stored policies and recent decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			records, err := rt.Approvals.ListPolicies(ctx)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no stored policies (everything asks)")
			} else {
				w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TOOL\tTIER\tPOLICY\tUPDATED")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						r.ToolName, r.RiskTier, r.Policy, r.UpdatedAt.Format(time.DateTime))
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			if decisions <= 0 {
				return nil
			}
			audit, err := rt.Approvals.ListDecisions(ctx, "", decisions)
			if err != nil {
				return err
			}
			if len(audit) == 0 {
				return nil
			}
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DECIDED\tTOOL\tTIER\tDECISION\tREASON")
			for _, d := range audit {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					d.DecidedAt.Format(time.DateTime), d.ToolName, d.RiskTier,
					d.Decision, valueOr(d.Reason, "-"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&decisions, "decisions", 0, "Also show the last N approval decisions")
	return cmd
}
