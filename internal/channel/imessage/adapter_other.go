//go:build !darwin

package imessage

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/perlica/perlica/internal/channel"
)

var errUnsupported = errors.New("imessage channel requires macOS (running on " + runtime.GOOS + ")")

// Adapter is the non-macOS stub. Probe fails so the orchestrator reports a
// clear error instead of limping along.
type Adapter struct {
	opts Options
	log  *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Adapter {
	return &Adapter{opts: opts.withDefaults(), log: logger.With("component", "channel."+Name)}
}

func (a *Adapter) ChannelName() string { return Name }

func (a *Adapter) Probe(context.Context) error { return errUnsupported }

func (a *Adapter) Bootstrap(context.Context) (channel.BootstrapResult, error) {
	return channel.BootstrapResult{}, errUnsupported
}

func (a *Adapter) StartListener(context.Context, channel.InboundFunc) error {
	return errUnsupported
}

func (a *Adapter) StopListener(context.Context) error { return nil }

func (a *Adapter) SendMessage(context.Context, channel.Outbound) error {
	return errUnsupported
}

func (a *Adapter) NormalizeContactID(raw string) string { return normalizeContact(raw) }

func (a *Adapter) SetTelemetrySink(channel.TelemetrySink) {}

func (a *Adapter) SetChatScope(string) {}

func (a *Adapter) PollForPairingCode(context.Context, string, int) (*channel.PairingMatch, error) {
	return nil, errUnsupported
}

func (a *Adapter) HealthSnapshot() channel.Health {
	return channel.Health{ListenerAlive: false, Detail: errUnsupported.Error(), CheckedAt: time.Now()}
}
