package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/perlica/perlica/internal/service"
)

func newPairCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Inspect or reset the service channel pairing",
	}
	cmd.AddCommand(newPairStatusCmd(a), newPairResetCmd(a))
	return cmd
}

func newPairStatusCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the binding and any active pairing code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := a.cfg.Service.Channel
			bindings := service.NewBindingStore(a.cfg.ServiceDir())
			binding, err := bindings.Load(name)
			if err != nil {
				return err
			}

			fmt.Printf("channel: %s\n", name)
			if binding.Paired {
				fmt.Printf("paired:  %s\n", color.GreenString("yes"))
				fmt.Printf("contact: %s\n", binding.ContactID)
				if binding.ChatID != "" {
					fmt.Printf("chat:    %s\n", binding.ChatID)
				}
				if binding.SessionID != "" {
					fmt.Printf("session: %s\n", shortID(binding.SessionID))
				}
				if binding.PairedAtMS > 0 {
					fmt.Printf("since:   %s\n", time.UnixMilli(binding.PairedAtMS).Format(time.DateTime))
				}
				return nil
			}

			fmt.Printf("paired:  %s\n", color.YellowString("no"))
			pairing := service.NewPairingStore(a.cfg.ServiceDir())
			code, err := pairing.Active(name)
			if err != nil {
				return err
			}
			if code == nil {
				fmt.Println("no active pairing code; \"perlica serve\" issues one at startup")
				return nil
			}
			fmt.Printf("code:    %s (text \"/pair %s\" to the service contact)\n",
				color.New(color.Bold).Sprint(code.Code), code.Code)
			fmt.Printf("expires: %s\n", time.UnixMilli(code.ActiveUntilMS).Format(time.DateTime))
			return nil
		},
	}
	return cmd
}

func newPairResetCmd(a *app) *cobra.Command {
	var keepBinding bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the pairing (a new code is issued on next serve)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := a.cfg.Service.Channel
			if err := service.NewPairingStore(a.cfg.ServiceDir()).Reset(name); err != nil {
				return err
			}
			if !keepBinding {
				if err := service.NewBindingStore(a.cfg.ServiceDir()).Reset(name); err != nil {
					return err
				}
			}
			fmt.Printf("pairing for %s reset\n", name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&keepBinding, "keep-binding", false, "Only revoke the code, keep the bound contact")
	return cmd
}
