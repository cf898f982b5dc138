package service

import (
	"context"
	"time"

	"github.com/perlica/perlica/internal/channel"
)

// superviseLoop polls the listener health and restarts it with exponential
// backoff when it reports dead.
func (o *Orchestrator) superviseLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := o.adapter.HealthSnapshot()
			if h.ListenerAlive {
				continue
			}
			o.log.Warn("listener is down, restarting", "detail", h.Detail)
			if !o.restartListener(ctx, h) {
				return // ctx cancelled mid-restart
			}
		}
	}
}

// restartListener stops and restarts the listener, backing off between
// failed attempts. Returns false only when ctx ends the loop.
func (o *Orchestrator) restartListener(ctx context.Context, h channel.Health) bool {
	delay := o.backoffInitial
	for attempt := 1; ; attempt++ {
		o.emit(ctx, "service.listener.reconnecting", map[string]any{
			"channel":  o.channelName(),
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"detail":   h.Detail,
		})
		if err := o.adapter.StopListener(ctx); err != nil {
			o.log.Warn("stopping dead listener failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		err := o.adapter.StartListener(ctx, func(in channel.Inbound) {
			select {
			case o.inbox <- in:
			case <-ctx.Done():
			}
		})
		if err == nil {
			o.log.Info("listener restarted", "attempt", attempt)
			o.emit(ctx, "service.listener.running", map[string]any{
				"channel": o.channelName(),
				"attempt": attempt,
			})
			return true
		}

		o.log.Error("listener restart failed", "attempt", attempt, "error", err)
		h.Detail = err.Error()
		delay *= 2
		if delay > o.backoffCap {
			delay = o.backoffCap
		}
	}
}
