// Package tool defines the tool contract, the registry, and the single
// dispatch path every tool call must take.
package tool

import (
	"context"

	"github.com/perlica/perlica/internal/approval"
)

// Result error strings surfaced to providers and events.
const (
	ReasonUnknownTool                   = "unknown_tool"
	ReasonApprovalRequired              = "approval_required"
	ReasonApprovalDenied                = "approval_denied"
	ReasonApprovalRequiredNonInteractive = "approval_required_non_interactive"
	ReasonDirectExecutionForbidden      = "direct_execution_forbidden"
)

// Call is one requested tool invocation.
type Call struct {
	ID        string            `json:"call_id"`
	Name      string            `json:"tool_name"`
	Arguments map[string]any    `json:"arguments"`
	RiskTier  approval.RiskTier `json:"risk_tier,omitempty"`
}

// Result is the outcome of executing a Call.
type Result struct {
	CallID    string         `json:"call_id"`
	OK        bool           `json:"ok"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
}

// Spec describes a tool to the provider.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Tool executes calls dispatched to it. Implementations must refuse to run
// when DispatchActive(ctx) is false.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	RiskTier() approval.RiskTier
	Execute(ctx context.Context, call Call) (Result, error)
}

type dispatchKey struct{}

// WithDispatch marks ctx as originating from the Dispatcher. The mark is
// scoped to the context, so it clears on every exit path automatically.
func WithDispatch(ctx context.Context) context.Context {
	return context.WithValue(ctx, dispatchKey{}, true)
}

// DispatchActive reports whether ctx carries the dispatcher mark. Tools call
// this to enforce the direct-execution-forbidden rule.
func DispatchActive(ctx context.Context) bool {
	active, _ := ctx.Value(dispatchKey{}).(bool)
	return active
}
