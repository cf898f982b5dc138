package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perlica/perlica/internal/acp"
	"github.com/perlica/perlica/internal/config"
	"github.com/perlica/perlica/internal/eventlog"
	"github.com/perlica/perlica/internal/interaction"
	"github.com/perlica/perlica/internal/llm"
)

// EventAppender is the slice of the event log the provider needs.
type EventAppender interface {
	Append(ctx context.Context, in eventlog.AppendInput) (eventlog.Stored, error)
}

// Asker publishes a permission question to a human and blocks for the
// answer. The interaction coordinator implements it.
type Asker interface {
	Publish(ctx context.Context, req interaction.Request) error
	WaitForAnswer(ctx context.Context, interactionID string) (interaction.Answer, error)
	Resolve(ctx context.Context, interactionID string)
}

// conn is the transport surface the provider drives; tests substitute an
// in-memory fake.
type conn interface {
	Request(ctx context.Context, env acp.Envelope, opts acp.RequestOptions) (acp.Envelope, []acp.Notification, error)
	Notify(method string, params any) error
	Alive() bool
	Close() error
}

// Deps carries the runtime-owned collaborators an ACP provider needs.
type Deps struct {
	Events     EventAppender
	Asker      Asker
	MCPServers map[string]config.MCPServerConfig
	Logger     *slog.Logger
}

// ACPProvider adapts one configured ACP subprocess to the llm.Provider
// contract: lazy spawn plus initialize handshake, one provider session per
// conversation, permission side-requests bridged to the interaction
// coordinator, and transport retries with backoff behind an optional
// circuit breaker. Protocol and contract failures are never retried.
type ACPProvider struct {
	id    string
	cfg   config.ProviderConfig
	codec acp.Codec
	log   *slog.Logger

	events     EventAppender
	asker      Asker
	mcpServers map[string]config.MCPServerConfig
	breaker    *CircuitBreaker

	spawn func() (conn, error)

	mu       sync.Mutex
	conn     conn
	sessions map[string]acp.SessionRef
}

// NewACPProvider builds a provider for one configured adapter.
func NewACPProvider(id string, cfg config.ProviderConfig, deps Deps) (*ACPProvider, error) {
	codec, err := acp.NewCodec(cfg.Dialect, id, deps.Logger)
	if err != nil {
		return nil, err
	}

	p := &ACPProvider{
		id:         id,
		cfg:        cfg,
		codec:      codec,
		log:        deps.Logger.With("component", "provider", "provider_id", id),
		events:     deps.Events,
		asker:      deps.Asker,
		mcpServers: deps.MCPServers,
		sessions:   make(map[string]acp.SessionRef),
	}

	if cfg.CircuitBreakerEnabled {
		p.breaker = NewCircuitBreaker(0, 0, 0, func(from, to string) {
			p.log.Warn("circuit state changed", "from", from, "to", to)
			p.emit(context.Background(), "provider.acp.circuit.state_changed", map[string]any{
				"provider_id": id,
				"from":        from,
				"to":          to,
			})
		})
	}

	p.spawn = func() (conn, error) {
		tr := acp.NewTransport(acp.Config{
			ProviderID:     id,
			Command:        cfg.AdapterCommand,
			Args:           cfg.AdapterArgs,
			WorkDir:        cfg.ProjectDir,
			Env:            cfg.AdapterEnv,
			EnvAllowlist:   cfg.AdapterEnvAllowlist,
			RequestTimeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
		}, deps.Events, deps.Logger)
		// The process outlives individual request contexts; Close owns it.
		if err := tr.Start(context.Background()); err != nil {
			return nil, err
		}
		return tr, nil
	}

	return p, nil
}

func (p *ACPProvider) ID() string { return p.id }

// Generate runs one prompt turn, respawning and retrying on transport
// failures up to the configured retry budget.
func (p *ACPProvider) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if req.ConversationID == "" {
		return llm.Response{}, errors.New("conversation id is required")
	}

	attempts := p.cfg.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		if p.breaker != nil {
			if err := p.breaker.Allow(); err != nil {
				return llm.Response{}, err
			}
		}

		resp, err := p.generateOnce(ctx, req)

		if p.breaker != nil {
			// Only transport failures prove the process is flapping;
			// contract errors still mean it is alive and talking.
			var recordErr error
			if err != nil && acp.IsRetriable(err) {
				recordErr = err
			}
			p.breaker.Record(recordErr)
		}

		if err == nil {
			return resp, nil
		}
		if !acp.IsRetriable(err) || attempt >= attempts {
			return llm.Response{}, err
		}

		p.dropConn()
		delay := ComputeBackoff(p.cfg.Backoff, attempt)
		p.log.Warn("retrying after transport failure", "attempt", attempt, "delay", delay, "error", err)
		if serr := sleepBackoff(ctx, delay); serr != nil {
			return llm.Response{}, serr
		}
	}
}

// Close tears down the subprocess. Safe when never started.
func (p *ACPProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	p.sessions = make(map[string]acp.SessionRef)
	return err
}

func (p *ACPProvider) generateOnce(ctx context.Context, req llm.Request) (llm.Response, error) {
	c, err := p.ensureConn(ctx)
	if err != nil {
		return llm.Response{}, err
	}
	ref, err := p.ensureSession(ctx, c, req.ConversationID)
	if err != nil {
		return llm.Response{}, err
	}

	env, err := newEnvelope(acp.MethodSessionPrompt, p.codec.PromptParams(ref, req))
	if err != nil {
		return llm.Response{}, err
	}

	resp, notes, err := c.Request(ctx, env, acp.RequestOptions{
		Timeout:       time.Duration(p.cfg.RequestTimeoutSec) * time.Second,
		OnSideRequest: p.handleSideRequest,
	})
	if err != nil {
		return llm.Response{}, err
	}

	decoded, err := p.codec.DecodeResponse(resp, notes)
	if err != nil {
		return llm.Response{}, err
	}
	if decoded.FallbackTextUsed {
		p.emit(ctx, "provider.acp.response.fallback_text_used", map[string]any{
			"provider_id":     p.id,
			"conversation_id": req.ConversationID,
		})
	}
	return decoded.Response, nil
}

// ensureConn returns a live transport, spawning and handshaking on demand.
// A dead transport invalidates every remembered session ref: the sessions
// lived in the process that is gone.
func (p *ACPProvider) ensureConn(ctx context.Context) (conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && p.conn.Alive() {
		return p.conn, nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
		p.sessions = make(map[string]acp.SessionRef)
	}

	c, err := p.spawn()
	if err != nil {
		return nil, err
	}

	initEnv, err := newEnvelope(acp.MethodInitialize, p.codec.InitializeParams())
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if _, _, err := c.Request(ctx, initEnv, acp.RequestOptions{Timeout: p.connectTimeout()}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}

	p.conn = c
	return c, nil
}

func (p *ACPProvider) ensureSession(ctx context.Context, c conn, conversationID string) (acp.SessionRef, error) {
	p.mu.Lock()
	ref, ok := p.sessions[conversationID]
	p.mu.Unlock()
	if ok {
		return ref, nil
	}

	params := p.codec.NewSessionParams(acp.SessionParams{
		ConversationID: conversationID,
		CWD:            p.cwd(),
		MCPServers:     p.mcpSpecs(),
	})
	env, err := newEnvelope(acp.MethodSessionNew, params)
	if err != nil {
		return acp.SessionRef{}, err
	}

	resp, _, err := c.Request(ctx, env, acp.RequestOptions{Timeout: p.connectTimeout()})
	if err != nil {
		return acp.SessionRef{}, err
	}
	if resp.Error != nil {
		return acp.SessionRef{}, &acp.ContractError{Detail: "session/new rejected: " + resp.Error.Message}
	}

	ref, err = p.codec.ParseSessionRef(resp.Result)
	if err != nil {
		return acp.SessionRef{}, err
	}

	p.mu.Lock()
	p.sessions[conversationID] = ref
	p.mu.Unlock()
	p.log.Debug("provider session opened", "conversation_id", conversationID, "session_id", ref.ID)
	return ref, nil
}

// handleSideRequest bridges a provider permission prompt to the interaction
// coordinator and blocks until a human answers. Without an asker, or when
// the question dies unanswered, the provider is told "deny".
func (p *ACPProvider) handleSideRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if method != acp.MethodRequestPermission {
		return nil, fmt.Errorf("unsupported side-request %q", method)
	}
	if p.asker == nil {
		return map[string]any{"answer": "deny", "reason": "no interaction channel"}, nil
	}

	var q struct {
		Question         string   `json:"question"`
		Options          []string `json:"options"`
		AllowCustomInput bool     `json:"allow_custom_input"`
	}
	_ = json.Unmarshal(params, &q)
	if q.Question == "" {
		q.Question = "The provider requests permission to continue."
	}
	if len(q.Options) == 0 {
		q.Options = []string{"allow", "deny"}
	}

	interactionID := uuid.NewString()
	err := p.asker.Publish(ctx, interaction.Request{
		InteractionID:    interactionID,
		Question:         q.Question,
		Options:          q.Options,
		AllowCustomInput: q.AllowCustomInput,
	})
	if err != nil {
		p.log.Warn("publishing permission question failed", "error", err)
		return map[string]any{"answer": "deny", "reason": "interaction unavailable"}, nil
	}
	defer p.asker.Resolve(ctx, interactionID)

	answer, err := p.asker.WaitForAnswer(ctx, interactionID)
	if err != nil {
		return map[string]any{"answer": "deny", "reason": "unanswered"}, nil
	}

	if c := p.currentConn(); c != nil {
		_ = c.Notify(acp.MethodSessionReply, map[string]any{
			"interaction_id": interactionID,
			"answer":         answer.Value,
		})
	}
	return map[string]any{"answer": answer.Value, "option_index": answer.OptionIndex}, nil
}

func (p *ACPProvider) currentConn() conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *ACPProvider) dropConn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.sessions = make(map[string]acp.SessionRef)
}

func (p *ACPProvider) connectTimeout() time.Duration {
	return time.Duration(p.cfg.ConnectTimeoutSec) * time.Second
}

func (p *ACPProvider) cwd() string {
	if p.cfg.ProjectDir != "" {
		return p.cfg.ProjectDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func (p *ACPProvider) mcpSpecs() map[string]acp.MCPServerSpec {
	if len(p.mcpServers) == 0 {
		return nil
	}
	specs := make(map[string]acp.MCPServerSpec, len(p.mcpServers))
	for id, s := range p.mcpServers {
		specs["perlica."+id] = acp.MCPServerSpec{Command: s.Command, Args: s.Args, Env: s.Env}
	}
	return specs
}

func (p *ACPProvider) emit(ctx context.Context, eventType string, payload map[string]any) {
	if p.events == nil {
		return
	}
	if _, err := p.events.Append(ctx, eventlog.AppendInput{Type: eventType, Payload: payload}); err != nil {
		p.log.Error("appending provider event failed", "event_type", eventType, "error", err)
	}
}

func newEnvelope(method string, params any) (acp.Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return acp.Envelope{}, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return acp.Envelope{JSONRPC: acp.Version, Method: method, Params: raw}, nil
}
