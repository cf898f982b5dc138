package tool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/perlica/perlica/internal/approval"
	"github.com/perlica/perlica/internal/eventlog"
	"github.com/perlica/perlica/internal/policy"
)

// EventAppender is the slice of the event log the dispatcher needs.
type EventAppender interface {
	Append(ctx context.Context, in eventlog.AppendInput) (eventlog.Stored, error)
}

// DispatchResult is the typed outcome of a dispatch. Policy and approval
// refusals come back as Blocked results, never as Go errors.
type DispatchResult struct {
	Result  Result
	Blocked bool
}

// DispatchOptions carry per-call context into Dispatch.
type DispatchOptions struct {
	AssumeYes bool
	Resolver  policy.Resolver
	RunID     string
	SessionID string
}

// Dispatcher is the single path every tool call takes: registry lookup,
// policy evaluation, approval, then execution under the dispatch mark.
type Dispatcher struct {
	registry  *Registry
	engine    *policy.Engine
	approvals *approval.Store
	events    EventAppender
	log       *slog.Logger
}

func NewDispatcher(registry *Registry, engine *policy.Engine, approvals *approval.Store, events EventAppender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		engine:    engine,
		approvals: approvals,
		events:    events,
		log:       logger.With("component", "dispatcher"),
	}
}

// Dispatch runs one tool call. Returned errors are infrastructure failures
// (storage, resolver); every policy outcome is in the DispatchResult.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, opts DispatchOptions) (DispatchResult, error) {
	t, ok := d.registry.Get(call.Name)
	if !ok {
		d.emit(ctx, "tool.blocked", opts, map[string]any{
			"tool":    call.Name,
			"call_id": call.ID,
			"reason":  ReasonUnknownTool,
		})
		return blocked(call, ReasonUnknownTool), nil
	}

	tier := call.RiskTier
	if tier == "" {
		tier = t.RiskTier()
	}
	eval, err := d.engine.Evaluate(ctx, policy.Input{
		ToolName:  call.Name,
		RiskTier:  tier,
		Arguments: call.Arguments,
		CallID:    call.ID,
	})
	if err != nil {
		return DispatchResult{}, fmt.Errorf("evaluating policy for %s: %w", call.Name, err)
	}
	if !eval.Allow {
		d.emit(ctx, "tool.blocked", opts, map[string]any{
			"tool":      call.Name,
			"call_id":   call.ID,
			"risk_tier": string(eval.RiskTier),
			"reason":    eval.Reason,
		})
		return blocked(call, eval.Reason), nil
	}

	if eval.RequiresApproval && !opts.AssumeYes {
		res, err := d.resolveApproval(ctx, call, eval, opts)
		if err != nil || res != nil {
			if res == nil {
				return DispatchResult{}, err
			}
			return *res, err
		}
	}

	result := d.execute(ctx, t, call)
	d.emit(ctx, "tool.executed", opts, map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
		"ok":      result.OK,
	})
	return DispatchResult{Result: result}, nil
}

// resolveApproval returns a non-nil DispatchResult when the call must not
// proceed; nil means approved.
func (d *Dispatcher) resolveApproval(ctx context.Context, call Call, eval policy.Evaluation, opts DispatchOptions) (*DispatchResult, error) {
	d.emit(ctx, "approval.requested", opts, map[string]any{
		"tool":      call.Name,
		"call_id":   call.ID,
		"risk_tier": string(eval.RiskTier),
	})

	if opts.Resolver == nil {
		d.emit(ctx, "approval.denied", opts, map[string]any{
			"tool":    call.Name,
			"call_id": call.ID,
			"reason":  ReasonApprovalRequiredNonInteractive,
		})
		d.audit(ctx, call, eval, opts, "denied", ReasonApprovalRequiredNonInteractive)
		res := blocked(call, ReasonApprovalRequired)
		return &res, nil
	}

	decision, err := opts.Resolver.Resolve(ctx, policy.Prompt{
		ToolName:  call.Name,
		RiskTier:  eval.RiskTier,
		Arguments: call.Arguments,
		CallID:    call.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("resolving approval for %s: %w", call.Name, err)
	}

	if decision.PersistPolicy != "" {
		if err := d.approvals.SetPolicy(ctx, call.Name, eval.RiskTier, decision.PersistPolicy); err != nil {
			return nil, err
		}
	}

	if !decision.Allow {
		d.emit(ctx, "approval.denied", opts, map[string]any{
			"tool":    call.Name,
			"call_id": call.ID,
			"reason":  decision.Reason,
		})
		d.emit(ctx, "tool.blocked", opts, map[string]any{
			"tool":    call.Name,
			"call_id": call.ID,
			"reason":  ReasonApprovalDenied,
		})
		d.audit(ctx, call, eval, opts, "denied", decision.Reason)
		res := blocked(call, ReasonApprovalDenied)
		return &res, nil
	}

	d.emit(ctx, "approval.granted", opts, map[string]any{
		"tool":      call.Name,
		"call_id":   call.ID,
		"risk_tier": string(eval.RiskTier),
	})
	d.audit(ctx, call, eval, opts, "granted", decision.Reason)
	return nil, nil
}

// execute runs the tool under the dispatch mark. A tool panic becomes an
// error result instead of crossing the dispatcher boundary.
func (d *Dispatcher) execute(ctx context.Context, t Tool, call Call) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool panicked", "tool", call.Name, "panic", fmt.Sprint(r))
			result = Result{CallID: call.ID, OK: false, Error: fmt.Sprintf("tool panicked: %v", r)}
		}
	}()

	result, err := t.Execute(WithDispatch(ctx), call)
	if err != nil {
		return Result{CallID: call.ID, OK: false, Error: err.Error()}
	}
	if result.CallID == "" {
		result.CallID = call.ID
	}
	return result
}

func (d *Dispatcher) emit(ctx context.Context, eventType string, opts DispatchOptions, payload map[string]any) {
	if d.events == nil {
		return
	}
	_, err := d.events.Append(ctx, eventlog.AppendInput{
		Type:    eventType,
		Payload: payload,
		RunID:   opts.RunID,
	})
	if err != nil {
		d.log.Error("appending dispatch event failed", "event_type", eventType, "error", err)
	}
}

func (d *Dispatcher) audit(ctx context.Context, call Call, eval policy.Evaluation, opts DispatchOptions, decision, reason string) {
	err := d.approvals.RecordDecision(ctx, approval.Decision{
		ToolName: call.Name,
		RiskTier: eval.RiskTier,
		CallID:   call.ID,
		RunID:    opts.RunID,
		Decision: decision,
		Reason:   reason,
	})
	if err != nil {
		d.log.Error("recording approval decision failed", "tool", call.Name, "error", err)
	}
}

func blocked(call Call, reason string) DispatchResult {
	return DispatchResult{
		Result:  Result{CallID: call.ID, OK: false, Error: reason},
		Blocked: true,
	}
}
