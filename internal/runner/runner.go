// Package runner executes one agent turn: it claims the task slot,
// resolves the session, assembles the prompt, calls the provider, and
// dispatches returned tool calls until the turn finishes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/perlica/perlica/internal/acp"
	"github.com/perlica/perlica/internal/config"
	"github.com/perlica/perlica/internal/eventlog"
	"github.com/perlica/perlica/internal/llm"
	"github.com/perlica/perlica/internal/policy"
	"github.com/perlica/perlica/internal/session"
	"github.com/perlica/perlica/internal/task"
	"github.com/perlica/perlica/internal/tool"
)

// ErrBusy is returned when another run holds the task slot.
var ErrBusy = errors.New("another run is active")

// ReasonSingleCallMode is recorded when a provider-managed session returns
// tool calls that local dispatch must refuse.
const ReasonSingleCallMode = "single_call_mode_local_tool_dispatch_disabled"

// PromptLoadError reports a configured system prompt file that could not
// be read. A missing path is not an error; a configured broken one is.
type PromptLoadError struct {
	Path string
	Err  error
}

func (e *PromptLoadError) Error() string {
	return fmt.Sprintf("loading system prompt from %s: %v", e.Path, e.Err)
}

func (e *PromptLoadError) Unwrap() error { return e.Err }

// ProviderSource hands out constructed providers by id.
type ProviderSource interface {
	Get(id string) (llm.Provider, error)
}

// EventAppender is the slice of the event log the runner needs.
type EventAppender interface {
	Append(ctx context.Context, in eventlog.AppendInput) (eventlog.Stored, error)
}

// Input is one turn request.
type Input struct {
	Text       string
	SessionRef string // optional; empty resolves the current session or creates an ephemeral
	ProviderID string // optional; empty uses the session lock, then runtime.default_provider
	AssumeYes  bool
	Resolver   policy.Resolver
	RunID      string // optional; assigned when empty
}

// Outcome is what one completed turn produced.
type Outcome struct {
	RunID         string
	SessionID     string
	ProviderID    string
	AssistantText string
	FinishReason  string
	Usage         llm.Usage
	ToolCalls     int
	Compacted     bool
}

// Deps are the runner's collaborators.
type Deps struct {
	Sessions   *session.Store
	Tasks      *task.Coordinator
	Providers  ProviderSource
	Registry   *tool.Registry
	Dispatcher *tool.Dispatcher
	Events     EventAppender
	Logger     *slog.Logger
}

// Runner drives turns for one context.
type Runner struct {
	cfg       config.Config
	contextID string

	sessions   *session.Store
	tasks      *task.Coordinator
	providers  ProviderSource
	registry   *tool.Registry
	dispatcher *tool.Dispatcher
	events     EventAppender
	log        *slog.Logger
}

func New(cfg config.Config, contextID string, deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:        cfg,
		contextID:  contextID,
		sessions:   deps.Sessions,
		tasks:      deps.Tasks,
		providers:  deps.Providers,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		events:     deps.Events,
		log:        logger.With("component", "runner"),
	}
}

// Run executes one turn. It returns ErrBusy without side effects when a
// run is already active; any error after that releases the task slot as
// failed and emits run.failed.
func (r *Runner) Run(ctx context.Context, in Input) (out Outcome, err error) {
	runID := in.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	if !r.tasks.StartTask(ctx, runID, "", "", nil) {
		return Outcome{}, ErrBusy
	}

	started := time.Now()
	defer func() {
		r.tasks.FinishTask(ctx, runID, err != nil)
		if err != nil {
			r.emit(ctx, "run.failed", runID, map[string]any{
				"run_id":      runID,
				"session_id":  out.SessionID,
				"error":       err.Error(),
				"duration_ms": time.Since(started).Milliseconds(),
			})
			return
		}
		r.emit(ctx, "run.completed", runID, map[string]any{
			"run_id":        runID,
			"session_id":    out.SessionID,
			"provider_id":   out.ProviderID,
			"finish_reason": out.FinishReason,
			"tool_calls":    out.ToolCalls,
			"duration_ms":   time.Since(started).Milliseconds(),
		})
	}()

	sess, providerID, err := r.resolveSession(ctx, in)
	if err != nil {
		return out, err
	}
	out.RunID = runID
	out.SessionID = sess.ID
	out.ProviderID = providerID

	prov, err := r.providers.Get(providerID)
	if err != nil {
		return out, err
	}
	pcfg, err := r.cfg.Provider(providerID)
	if err != nil {
		return out, err
	}

	r.emit(ctx, "run.started", runID, map[string]any{
		"run_id":      runID,
		"session_id":  sess.ID,
		"provider_id": providerID,
		"assume_yes":  in.AssumeYes,
	})

	userMsg, err := r.sessions.AppendMessage(ctx, sess.ID, session.RoleUser, map[string]any{"text": in.Text}, runID)
	if err != nil {
		return out, fmt.Errorf("appending user message: %w", err)
	}

	newUserSeq := userMsg.Seq
	for {
		req, compacted, err := r.buildRequest(ctx, sess, prov, pcfg, newUserSeq, runID)
		if err != nil {
			return out, err
		}
		out.Compacted = out.Compacted || compacted
		newUserSeq = 0 // only the first iteration splits the new user message out

		resp, err := r.callProvider(ctx, prov, req, runID)
		if err != nil {
			return out, err
		}
		if resp.AssistantText != "" {
			out.AssistantText = resp.AssistantText
		}
		out.FinishReason = resp.FinishReason
		out.Usage = resp.Usage

		if err := r.appendAssistantMessage(ctx, sess.ID, resp, runID); err != nil {
			return out, err
		}

		if len(resp.ToolCalls) == 0 {
			if resp.FinishReason == llm.FinishToolCalls {
				// A tool_calls finish with no calls would spin forever.
				r.log.Warn("provider finished tool_calls with no calls, treating as stop", "run_id", runID)
				out.FinishReason = llm.FinishStop
			}
			return out, nil
		}

		if pcfg.ProviderManaged() {
			r.log.Info("provider-managed session returned tool calls, local dispatch refused",
				"run_id", runID, "calls", len(resp.ToolCalls))
			r.emit(ctx, "tool.dispatch.skipped", runID, map[string]any{
				"run_id":     runID,
				"session_id": sess.ID,
				"reason":     ReasonSingleCallMode,
				"calls":      len(resp.ToolCalls),
			})
			return out, nil
		}

		budgetLeft := r.cfg.Runtime.MaxToolCalls - out.ToolCalls
		if budgetLeft <= 0 {
			r.log.Warn("max_tool_calls reached, ending turn", "run_id", runID, "max", r.cfg.Runtime.MaxToolCalls)
			return out, nil
		}
		executed, err := r.dispatchCalls(ctx, sess.ID, resp.ToolCalls, budgetLeft, in, runID)
		out.ToolCalls += executed
		if err != nil {
			return out, err
		}

		if resp.FinishReason != llm.FinishToolCalls {
			return out, nil
		}
		if out.ToolCalls >= r.cfg.Runtime.MaxToolCalls {
			r.log.Warn("max_tool_calls reached, ending turn", "run_id", runID, "max", r.cfg.Runtime.MaxToolCalls)
			return out, nil
		}
	}
}

// resolveSession picks the session for the turn, creating an ephemeral one
// when nothing is current, and locks it to the chosen provider.
func (r *Runner) resolveSession(ctx context.Context, in Input) (session.Session, string, error) {
	var (
		sess session.Session
		err  error
	)
	switch {
	case in.SessionRef != "":
		sess, err = r.sessions.ResolveRef(ctx, r.contextID, in.SessionRef)
		if err != nil {
			return session.Session{}, "", err
		}
	default:
		currentID, err := r.sessions.Current(ctx, r.contextID)
		if err != nil {
			return session.Session{}, "", err
		}
		if currentID != "" {
			sess, err = r.sessions.Get(ctx, currentID)
			if err != nil {
				return session.Session{}, "", err
			}
		} else {
			sess, err = r.sessions.Create(ctx, session.CreateParams{
				ContextID:   r.contextID,
				IsEphemeral: true,
			})
			if err != nil {
				return session.Session{}, "", err
			}
			if err := r.sessions.SetCurrent(ctx, r.contextID, sess.ID); err != nil {
				return session.Session{}, "", err
			}
			r.log.Debug("created ephemeral session", "session_id", sess.ID)
		}
	}

	providerID := in.ProviderID
	if providerID == "" {
		providerID = sess.ProviderLocked
	}
	if providerID == "" {
		providerID = r.cfg.Runtime.DefaultProvider
	}
	if providerID == "" {
		return session.Session{}, "", errors.New("no provider: set runtime.default_provider or pass one explicitly")
	}
	if err := r.sessions.LockProvider(ctx, sess.ID, providerID); err != nil {
		return session.Session{}, "", err
	}
	return sess, providerID, nil
}

// callProvider wraps Generate with the llm.* events.
func (r *Runner) callProvider(ctx context.Context, prov llm.Provider, req llm.Request, runID string) (llm.Response, error) {
	r.emit(ctx, "llm.requested", runID, map[string]any{
		"run_id":      runID,
		"provider_id": prov.ID(),
		"messages":    len(req.Messages),
		"tools":       len(req.Tools),
		"context":     len(req.Context),
	})

	resp, err := prov.Generate(ctx, req)
	if err != nil {
		var contractErr *acp.ContractError
		if errors.As(err, &contractErr) {
			r.emit(ctx, "llm.invalid_response", runID, map[string]any{
				"run_id":      runID,
				"provider_id": prov.ID(),
				"error":       contractErr.Error(),
			})
		}
		return llm.Response{}, fmt.Errorf("provider %s: %w", prov.ID(), err)
	}

	r.emit(ctx, "llm.responded", runID, map[string]any{
		"run_id":              runID,
		"provider_id":         prov.ID(),
		"finish_reason":       resp.FinishReason,
		"tool_calls":          len(resp.ToolCalls),
		"input_tokens":        resp.Usage.InputTokens,
		"cached_input_tokens": resp.Usage.CachedInputTokens,
		"output_tokens":       resp.Usage.OutputTokens,
	})
	return resp, nil
}

func (r *Runner) appendAssistantMessage(ctx context.Context, sessionID string, resp llm.Response, runID string) error {
	content := map[string]any{"text": resp.AssistantText}
	if len(resp.ToolCalls) > 0 {
		calls := make([]any, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			calls[i] = map[string]any{
				"call_id":   tc.ID,
				"tool_name": tc.Name,
				"arguments": tc.Arguments,
			}
		}
		content["tool_calls"] = calls
	}
	if _, err := r.sessions.AppendMessage(ctx, sessionID, session.RoleAssistant, content, runID); err != nil {
		return fmt.Errorf("appending assistant message: %w", err)
	}
	return nil
}

// dispatchCalls runs up to budget tool calls and appends one tool message
// per result. Dispatcher infrastructure errors abort the turn; policy
// refusals are recorded as results and the turn continues.
func (r *Runner) dispatchCalls(ctx context.Context, sessionID string, calls []llm.ToolCall, budget int, in Input, runID string) (int, error) {
	executed := 0
	for _, tc := range calls {
		if executed >= budget {
			r.log.Warn("tool call skipped, max_tool_calls budget exhausted",
				"run_id", runID, "tool", tc.Name, "call_id", tc.ID)
			break
		}
		res, err := r.dispatcher.Dispatch(ctx, tool.Call{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		}, tool.DispatchOptions{
			AssumeYes: in.AssumeYes,
			Resolver:  in.Resolver,
			RunID:     runID,
			SessionID: sessionID,
		})
		if err != nil {
			return executed, fmt.Errorf("dispatching %s: %w", tc.Name, err)
		}
		executed++

		content := map[string]any{
			"call_id":   tc.ID,
			"tool_name": tc.Name,
			"ok":        res.Result.OK,
			"blocked":   res.Blocked,
		}
		if res.Result.Output != "" {
			content["output"] = res.Result.Output
		}
		if res.Result.Error != "" {
			content["error"] = res.Result.Error
		}
		if _, err := r.sessions.AppendMessage(ctx, sessionID, session.RoleTool, content, runID); err != nil {
			return executed, fmt.Errorf("appending tool message: %w", err)
		}
	}
	return executed, nil
}

func (r *Runner) emit(ctx context.Context, eventType, runID string, payload map[string]any) {
	if r.events == nil {
		return
	}
	if _, err := r.events.Append(ctx, eventlog.AppendInput{
		Type:    eventType,
		Payload: payload,
		RunID:   runID,
	}); err != nil {
		r.log.Error("appending run event failed", "event_type", eventType, "error", err)
	}
}
