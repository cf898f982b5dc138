package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/perlica/perlica/internal/channel"
	"github.com/perlica/perlica/internal/channel/imessage"
	"github.com/perlica/perlica/internal/service"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bridge a messaging channel into the agent",
		Long: `Run the service bridge: watch the configured channel for inbound
messages from the paired contact, run each through the agent, and reply
on the same channel. On first start (or after "pair reset") a pairing
code is logged; text "/pair <CODE>" from the contact to bind it.

Stops cleanly on SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), a)
		},
	}
	return cmd
}

func runServe(parent context.Context, a *app) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := a.openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	adapters := channel.NewRegistry()
	if err := adapters.Register(imessage.New(imessage.Options{}, a.log)); err != nil {
		return err
	}
	adapter, err := adapters.Get(a.cfg.Service.Channel)
	if err != nil {
		return err
	}

	orch := service.New(*a.cfg, service.Deps{
		Adapter:  adapter,
		Pairing:  service.NewPairingStore(a.cfg.ServiceDir()),
		Bindings: service.NewBindingStore(a.cfg.ServiceDir()),
		Runner:   rt.Runner,
		Sessions: rt.Sessions,
		Events:   rt.Events,
		Logger:   a.log,
	})

	a.log.Info("service starting",
		"channel", a.cfg.Service.Channel,
		"context_id", rt.ContextID)
	return orch.Run(ctx)
}
