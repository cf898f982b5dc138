package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/perlica/perlica/internal/channel"
	"github.com/perlica/perlica/internal/config"
	"github.com/perlica/perlica/internal/eventlog"
	"github.com/perlica/perlica/internal/runner"
	"github.com/perlica/perlica/internal/session"
)

const failureReply = "Sorry, that request failed. Check the logs on the host."

// TurnRunner executes one conversational turn. *runner.Runner implements it.
type TurnRunner interface {
	Run(ctx context.Context, in runner.Input) (runner.Outcome, error)
}

// SessionSaver persists the service session so startup cleanup never
// collects it. *session.Store implements it.
type SessionSaver interface {
	Save(ctx context.Context, sessionID, name string) error
}

// EventAppender writes envelopes to the event log.
type EventAppender interface {
	Append(ctx context.Context, in eventlog.AppendInput) (eventlog.Stored, error)
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Adapter  channel.Adapter
	Pairing  *PairingStore
	Bindings *BindingStore
	Runner   TurnRunner
	Sessions SessionSaver // optional
	Events   EventAppender
	Logger   *slog.Logger
}

// Orchestrator feeds one channel's inbound messages through the runner.
// Inbound processing is single-threaded; outbound sends are serialized.
type Orchestrator struct {
	cfg            config.Config
	adapter        channel.Adapter
	pairing        *PairingStore
	bindings       *BindingStore
	runner         TurnRunner
	sessions       SessionSaver
	events         EventAppender
	log            *slog.Logger
	allowedContact string

	healthInterval time.Duration
	backoffInitial time.Duration
	backoffCap     time.Duration

	mu      sync.Mutex
	binding Binding

	inbox chan channel.Inbound
	wg    sync.WaitGroup

	sendMu sync.Mutex
}

func New(cfg config.Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:            cfg,
		adapter:        deps.Adapter,
		pairing:        deps.Pairing,
		bindings:       deps.Bindings,
		runner:         deps.Runner,
		sessions:       deps.Sessions,
		events:         deps.Events,
		log:            deps.Logger.With("component", "service", "channel", deps.Adapter.ChannelName()),
		healthInterval: time.Duration(cfg.Service.HealthIntervalSec) * time.Second,
		backoffInitial: 2 * time.Second,
		backoffCap:     60 * time.Second,
		inbox:          make(chan channel.Inbound, 64),
	}
	if cfg.Service.AllowedContact != "" {
		o.allowedContact = deps.Adapter.NormalizeContactID(cfg.Service.AllowedContact)
	}
	if o.healthInterval <= 0 {
		o.healthInterval = 15 * time.Second
	}
	return o
}

func (o *Orchestrator) channelName() string { return o.adapter.ChannelName() }

// Run starts the bridge and blocks until ctx is cancelled. It returns early
// only when startup fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.adapter.Probe(ctx); err != nil {
		return fmt.Errorf("channel %s: %w", o.channelName(), err)
	}
	o.adapter.SetTelemetrySink(channel.SinkFunc(func(ev channel.TelemetryEvent) {
		o.recordTelemetry(ctx, ev)
	}))

	b, err := o.bindings.Load(o.channelName())
	if err != nil {
		return err
	}
	o.setBinding(b)

	boot, err := o.adapter.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("channel %s bootstrap: %w", o.channelName(), err)
	}
	o.log.Info("channel bootstrapped", "cursor", boot.Cursor, "detail", boot.Detail)

	if !b.Paired {
		if err := o.prepareUnpaired(ctx); err != nil {
			return err
		}
	}

	if err := o.adapter.StartListener(ctx, func(in channel.Inbound) {
		select {
		case o.inbox <- in:
		case <-ctx.Done():
		}
	}); err != nil {
		return fmt.Errorf("channel %s listener: %w", o.channelName(), err)
	}
	o.emit(ctx, "service.listener.running", map[string]any{"channel": o.channelName()})

	o.wg.Add(2)
	go o.processLoop(ctx)
	go o.superviseLoop(ctx)

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.adapter.StopListener(stopCtx); err != nil {
		o.log.Warn("stopping listener failed", "error", err)
	}
	o.wg.Wait()
	o.log.Info("service stopped")
	return nil
}

// prepareUnpaired either auto-binds the configured allowed contact or
// activates a pairing code, sweeping recent chats in case the code was
// texted before startup.
func (o *Orchestrator) prepareUnpaired(ctx context.Context) error {
	if !o.cfg.RequirePairing() && o.allowedContact != "" {
		b := Binding{
			Channel:    o.channelName(),
			Paired:     true,
			ContactID:  o.allowedContact,
			PairedAtMS: time.Now().UnixMilli(),
		}
		if err := o.bindings.Save(b); err != nil {
			return err
		}
		o.setBinding(b)
		o.log.Info("bound to configured contact without pairing", "contact_id", b.ContactID)
		o.emit(ctx, "service.pairing.activated", map[string]any{
			"channel":    o.channelName(),
			"contact_id": b.ContactID,
			"mode":       "allowed_contact",
		})
		return nil
	}

	p, err := o.pairing.Activate(o.channelName())
	if err != nil {
		return err
	}
	o.log.Info("pairing required: text the code to this machine",
		"code", p.Code,
		"command", "/pair "+p.Code,
		"expires_at", time.UnixMilli(p.ActiveUntilMS).Format(time.RFC3339))

	// The code may already be sitting in a recent chat from before startup;
	// the live listener only sees newer messages.
	match, err := o.adapter.PollForPairingCode(ctx, p.Code, o.cfg.Service.MaxPairingChats)
	if err != nil {
		o.log.Warn("pairing history sweep failed", "error", err)
		return nil
	}
	if match != nil {
		o.completePairing(ctx, p.Code, match.ContactID, match.ChatID, 0)
	}
	return nil
}

func (o *Orchestrator) processLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-o.inbox:
			o.processInbound(ctx, in)
		}
	}
}

func (o *Orchestrator) processInbound(ctx context.Context, in channel.Inbound) {
	o.appendInboundEvent(ctx, in)

	b := o.currentBinding()
	if code, ok := parsePairingCommand(in.Text); ok && !b.Paired {
		o.handlePairing(ctx, in, code)
		return
	}
	if !b.Paired {
		o.log.Debug("dropping inbound while unpaired", "contact_id", in.ContactID)
		return
	}
	if o.adapter.NormalizeContactID(in.ContactID) != b.ContactID {
		o.recordTelemetry(ctx, channel.TelemetryEvent{
			Kind: channel.TelemetryContactMismatch,
			Detail: map[string]any{
				"channel":    o.channelName(),
				"contact_id": in.ContactID,
				"chat_id":    in.ChatID,
			},
			At: time.Now(),
		})
		return
	}
	if in.Cursor != 0 && in.Cursor <= b.LastEventID {
		o.log.Debug("skipping already-processed inbound", "cursor", in.Cursor)
		return
	}
	o.handleTurn(ctx, in, b)
}

func (o *Orchestrator) handlePairing(ctx context.Context, in channel.Inbound, code string) {
	contact := o.adapter.NormalizeContactID(in.ContactID)
	if o.allowedContact != "" && contact != o.allowedContact {
		o.recordTelemetry(ctx, channel.TelemetryEvent{
			Kind: channel.TelemetryContactMismatch,
			Detail: map[string]any{
				"channel":    o.channelName(),
				"contact_id": in.ContactID,
				"stage":      "pairing",
			},
			At: time.Now(),
		})
		return
	}
	ok, err := o.pairing.Consume(o.channelName(), code)
	if err != nil {
		o.log.Error("pairing code check failed", "error", err)
		return
	}
	if !ok {
		o.log.Info("pairing attempt with invalid or expired code", "contact_id", in.ContactID)
		return
	}
	o.completePairing(ctx, code, contact, in.ChatID, in.Cursor)
}

func (o *Orchestrator) completePairing(ctx context.Context, code, contactID, chatID string, cursor int64) {
	b := Binding{
		Channel:     o.channelName(),
		Paired:      true,
		ContactID:   contactID,
		ChatID:      chatID,
		PairedAtMS:  time.Now().UnixMilli(),
		LastEventID: cursor,
	}
	if err := o.bindings.Save(b); err != nil {
		o.log.Error("persisting binding failed", "error", err)
		return
	}
	o.setBinding(b)
	o.log.Info("paired", "contact_id", contactID, "chat_id", chatID)
	o.emit(ctx, "service.pairing.activated", map[string]any{
		"channel":    o.channelName(),
		"contact_id": contactID,
		"chat_id":    chatID,
		"code":       code,
	})
	if err := o.send(ctx, contactID, chatID, "Paired with Perlica. Send a message to start."); err != nil {
		o.log.Warn("pairing confirmation send failed", "error", err)
	}
}

func (o *Orchestrator) handleTurn(ctx context.Context, in channel.Inbound, b Binding) {
	if err := o.send(ctx, in.ContactID, in.ChatID, o.cfg.Service.AckText); err != nil {
		o.log.Warn("ack send failed", "error", err)
	}

	input := runner.Input{
		Text:       in.Text,
		SessionRef: b.SessionID,
		ProviderID: o.cfg.Service.Provider,
	}
	out, err := o.runner.Run(ctx, input)
	if err != nil && input.SessionRef != "" && errors.Is(err, session.ErrSessionNotFound) {
		o.log.Warn("bound session is gone, starting a fresh one", "session_id", input.SessionRef)
		b.SessionID = ""
		input.SessionRef = ""
		out, err = o.runner.Run(ctx, input)
	}

	reply := out.AssistantText
	if err != nil {
		o.log.Error("run failed", "error", err)
		reply = failureReply
	} else if out.SessionID != "" && out.SessionID != b.SessionID {
		b.SessionID = out.SessionID
		if o.sessions != nil {
			name := "service-" + o.channelName()
			if err := o.sessions.Save(ctx, out.SessionID, name); err != nil {
				o.log.Warn("saving service session failed", "session_id", out.SessionID, "error", err)
			}
		}
	}

	if reply != "" {
		if sendErr := o.send(ctx, in.ContactID, in.ChatID, reply); sendErr != nil {
			o.log.Error("reply send failed", "error", sendErr)
		} else if err == nil {
			o.emit(ctx, "service.reply.sent", map[string]any{
				"channel":    o.channelName(),
				"run_id":     out.RunID,
				"session_id": out.SessionID,
				"chars":      len(reply),
			})
		}
	}

	// Advance past this message even when the run failed so one poison
	// input cannot wedge the bridge.
	b.LastEventID = in.Cursor
	if err := o.bindings.Save(b); err != nil {
		o.log.Error("persisting cursor failed", "error", err)
	}
	o.setBinding(b)
}

func (o *Orchestrator) send(ctx context.Context, contactID, chatID, text string) error {
	if text == "" {
		return nil
	}
	o.sendMu.Lock()
	defer o.sendMu.Unlock()
	return o.adapter.SendMessage(ctx, channel.Outbound{ContactID: contactID, ChatID: chatID, Text: text})
}

func (o *Orchestrator) currentBinding() Binding {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.binding
}

func (o *Orchestrator) setBinding(b Binding) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.binding = b
}

func (o *Orchestrator) appendInboundEvent(ctx context.Context, in channel.Inbound) {
	o.emitInput(ctx, eventlog.AppendInput{
		Type:           "inbound.message.received",
		Actor:          "channel:" + o.channelName(),
		IdempotencyKey: o.channelName() + ":" + in.EventID,
		Payload: map[string]any{
			"channel":    o.channelName(),
			"event_id":   in.EventID,
			"cursor":     in.Cursor,
			"contact_id": in.ContactID,
			"chat_id":    in.ChatID,
			"text":       in.Text,
		},
	})
}

func (o *Orchestrator) recordTelemetry(ctx context.Context, ev channel.TelemetryEvent) {
	payload := map[string]any{"kind": ev.Kind}
	for k, v := range ev.Detail {
		payload[k] = v
	}
	o.emit(ctx, "service.telemetry", payload)
}

func (o *Orchestrator) emit(ctx context.Context, eventType string, payload map[string]any) {
	o.emitInput(ctx, eventlog.AppendInput{Type: eventType, Actor: "service", Payload: payload})
}

func (o *Orchestrator) emitInput(ctx context.Context, in eventlog.AppendInput) {
	if o.events == nil {
		return
	}
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := o.events.Append(emitCtx, in); err != nil {
		o.log.Warn("appending service event failed", "event_type", in.Type, "error", err)
	}
}
