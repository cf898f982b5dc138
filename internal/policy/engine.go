// Package policy decides whether a tool call may run and whether it needs
// user approval first. The hard blocklist runs before any stored policy.
package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/perlica/perlica/internal/approval"
)

// Evaluation reasons surfaced in events and DispatchResults.
const (
	ReasonBlockedHighRisk = "blocked_high_risk_pattern"
	ReasonPolicyDeny      = "policy_deny"
)

// Input is one tool call to evaluate. RiskTier is the tool-declared
// baseline; shell commands may be escalated by the classifier.
type Input struct {
	ToolName  string
	RiskTier  approval.RiskTier
	Arguments map[string]any
	CallID    string
}

// Evaluation is the engine's verdict.
type Evaluation struct {
	Allow            bool
	RequiresApproval bool
	RiskTier         approval.RiskTier
	Reason           string
}

// Engine evaluates tool calls against the blocklist and the approval store.
type Engine struct {
	store *approval.Store
	log   *slog.Logger
}

func NewEngine(store *approval.Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, log: logger.With("component", "policy")}
}

// Evaluate applies, in order: the hard blocklist, shell risk escalation, and
// the stored policy for (tool, tier). The default policy is ask.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Evaluation, error) {
	tier := in.RiskTier
	if tier == "" {
		tier = approval.RiskLow
	}

	if cmd := commandFrom(in.Arguments); cmd != "" {
		if pattern, blocked := MatchBlockedPattern(cmd); blocked {
			e.log.Warn("blocked high-risk shell pattern",
				"tool", in.ToolName, "pattern", pattern)
			return Evaluation{
				Allow:    false,
				RiskTier: approval.RiskHigh,
				Reason:   ReasonBlockedHighRisk,
			}, nil
		}
		if shellTier := ClassifyShellRisk(cmd); shellTier.Rank() > tier.Rank() {
			tier = shellTier
		}
	}

	stored, err := e.store.GetPolicy(ctx, in.ToolName, tier)
	if err != nil {
		return Evaluation{}, fmt.Errorf("looking up policy for %s/%s: %w", in.ToolName, tier, err)
	}
	switch stored {
	case approval.PolicyAlwaysAllow:
		return Evaluation{Allow: true, RiskTier: tier}, nil
	case approval.PolicyAlwaysDeny:
		return Evaluation{Allow: false, RiskTier: tier, Reason: ReasonPolicyDeny}, nil
	default:
		return Evaluation{Allow: true, RequiresApproval: true, RiskTier: tier}, nil
	}
}

func commandFrom(args map[string]any) string {
	for _, key := range []string{"cmd", "command"} {
		if v, ok := args[key].(string); ok {
			return v
		}
	}
	return ""
}

// Prompt is what an approval Resolver shows the user.
type Prompt struct {
	ToolName  string
	RiskTier  approval.RiskTier
	Arguments map[string]any
	CallID    string
}

// Decision is a resolver's answer. PersistPolicy, when set, is written back
// to the approval store as a standing policy.
type Decision struct {
	Allow         bool
	PersistPolicy approval.Policy
	Reason        string
}

// Resolver answers approval prompts. The CLI implements it interactively;
// the service path denies non-interactively.
type Resolver interface {
	Resolve(ctx context.Context, p Prompt) (Decision, error)
}

type autoApprove struct{}

func (autoApprove) Resolve(context.Context, Prompt) (Decision, error) {
	return Decision{Allow: true}, nil
}

// AutoApprove grants every prompt. Used by --yes runs.
func AutoApprove() Resolver { return autoApprove{} }

type denyAll struct {
	reason string
}

func (d denyAll) Resolve(context.Context, Prompt) (Decision, error) {
	return Decision{Allow: false, Reason: d.reason}, nil
}

// DenyAll denies every prompt with the given reason.
func DenyAll(reason string) Resolver { return denyAll{reason: reason} }
