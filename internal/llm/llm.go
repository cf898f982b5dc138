// Package llm defines the canonical request/response types exchanged between
// the runner and a provider, independent of any provider wire dialect.
package llm

import "context"

// Message roles mirror the session store's roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons a provider response normalizes to.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishError     = "error"
)

// Message is one canonical conversation entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec describes a callable tool to the provider.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ContextBlock is an auxiliary context item attached to a request, such as
// the MCP-server inventory surfaced to the provider.
type ContextBlock struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Request is one canonical prompt turn.
type Request struct {
	ConversationID string         `json:"conversation_id"`
	Messages       []Message      `json:"messages"`
	Tools          []ToolSpec     `json:"tools,omitempty"`
	Context        []ContextBlock `json:"context,omitempty"`
}

// ToolCall is a provider-authorized tool invocation.
type ToolCall struct {
	ID        string         `json:"call_id"`
	Name      string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage is normalized token accounting for one response.
type Usage struct {
	InputTokens       int            `json:"input_tokens"`
	CachedInputTokens int            `json:"cached_input_tokens"`
	OutputTokens      int            `json:"output_tokens"`
	ContextWindow     int            `json:"context_window,omitempty"`
	Raw               map[string]any `json:"raw_usage,omitempty"`
}

// Response is a provider's canonical answer to a Request.
type Response struct {
	AssistantText string     `json:"assistant_text"`
	ToolCalls     []ToolCall `json:"tool_calls,omitempty"`
	FinishReason  string     `json:"finish_reason"`
	Usage         Usage      `json:"usage"`
}

// Provider generates responses for canonical requests. Implementations own
// whatever transport sits underneath and must be safe for sequential reuse
// across turns of the same conversation.
type Provider interface {
	ID() string
	Generate(ctx context.Context, req Request) (Response, error)
	Close() error
}
