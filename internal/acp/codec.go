package acp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/perlica/perlica/internal/llm"
)

// Dialects.
const (
	DialectClaude   = "claude"
	DialectOpenCode = "opencode"
)

// SessionRef remembers a provider session and which id key style the server
// answered with. The prompt shape follows the observed key: servers that say
// sessionId get the prompt-blocks shape, servers that say session_id get the
// legacy messages shape.
type SessionRef struct {
	ID       string
	CamelKey bool
}

// MCPServerSpec mirrors one configured MCP server for session/new injection.
type MCPServerSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// SessionParams carries everything a dialect needs to open a session.
type SessionParams struct {
	ConversationID string
	CWD            string
	MCPServers     map[string]MCPServerSpec
}

// Decoded is a normalized provider response plus decode diagnostics.
type Decoded struct {
	Response         llm.Response
	FallbackTextUsed bool
}

// Codec maps canonical requests onto a dialect's wire params and normalizes
// the wire response back. Codecs are stateless; the SessionRef carries the
// only piece of per-session memory.
type Codec interface {
	Dialect() string
	InitializeParams() any
	NewSessionParams(p SessionParams) any
	ParseSessionRef(result json.RawMessage) (SessionRef, error)
	PromptParams(ref SessionRef, req llm.Request) any
	DecodeResponse(env Envelope, notes []Notification) (Decoded, error)
}

// NewCodec selects the codec for a configured dialect.
func NewCodec(dialect, providerID string, logger *slog.Logger) (Codec, error) {
	base := baseCodec{
		providerID: providerID,
		log:        logger.With("component", "acp.codec", "dialect", dialect),
	}
	switch dialect {
	case DialectClaude:
		return &claudeCodec{baseCodec: base}, nil
	case DialectOpenCode:
		return &opencodeCodec{baseCodec: base}, nil
	default:
		return nil, fmt.Errorf("unknown ACP dialect %q", dialect)
	}
}

type baseCodec struct {
	providerID string
	log        *slog.Logger
}

func (c baseCodec) InitializeParams() any {
	return map[string]any{
		"clientInfo":      map[string]string{"name": "perlica", "version": "1.0.0"},
		"protocolVersion": 1,
	}
}

func (c baseCodec) NewSessionParams(p SessionParams) any {
	return map[string]any{
		"provider_id":     c.providerID,
		"conversation_id": p.ConversationID,
		"cwd":             p.CWD,
	}
}

func (c baseCodec) ParseSessionRef(result json.RawMessage) (SessionRef, error) {
	var res struct {
		Snake string `json:"session_id"`
		Camel string `json:"sessionId"`
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &res); err != nil {
			return SessionRef{}, contractErrf("session/new result is not an object: %v", err)
		}
	}
	switch {
	case res.Snake != "":
		return SessionRef{ID: res.Snake}, nil
	case res.Camel != "":
		return SessionRef{ID: res.Camel, CamelKey: true}, nil
	default:
		return SessionRef{}, contractErrf("session/new result carries no session id")
	}
}

func (c baseCodec) PromptParams(ref SessionRef, req llm.Request) any {
	if ref.CamelKey {
		return map[string]any{
			"sessionId": ref.ID,
			"prompt":    promptBlocks(req.Messages),
		}
	}
	params := map[string]any{
		"provider_id":     c.providerID,
		"session_id":      ref.ID,
		"conversation_id": req.ConversationID,
		"messages":        req.Messages,
	}
	if len(req.Tools) > 0 {
		params["tools"] = req.Tools
	}
	if len(req.Context) > 0 {
		params["context"] = req.Context
	}
	return params
}

// promptBlocks flattens the canonical transcript into content blocks. The
// prompt-blocks shape has no role field, so non-user roles are folded into
// the text.
func promptBlocks(messages []llm.Message) []map[string]any {
	blocks := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		text := m.Content
		if m.Role != llm.RoleUser {
			text = "[" + m.Role + "] " + text
		}
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}
	return blocks
}

// decodeResponse is the shared normalization path. The fallback hook lets a
// dialect recover assistant text when the notification buffer yielded none.
func (c baseCodec) decodeResponse(env Envelope, notes []Notification, fallback func(map[string]any, []Notification) (string, bool)) (Decoded, error) {
	if env.Error != nil {
		return Decoded{}, contractErrf("provider returned an error response: %v", env.Error)
	}
	var result map[string]any
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return Decoded{}, contractErrf("result is not an object: %v", err)
		}
	}
	if result == nil {
		return Decoded{}, contractErrf("empty result")
	}

	usage, err := normalizeUsage(result["usage"])
	if err != nil {
		return Decoded{}, err
	}

	// Canonical short-circuit: some adapters already speak our shape.
	if _, ok := result["tool_calls"]; ok {
		_, hasText := result["assistant_text"]
		_, hasFinish := result["finish_reason"]
		if hasText || hasFinish {
			return c.decodeCanonical(result, usage)
		}
	}

	stopReason, ok := stringField(result, "stopReason", "stop_reason")
	if !ok {
		return Decoded{}, contractErrf("missing stop reason")
	}

	toolCalls, err := coerceToolCalls(result["tool_calls"], result["toolCalls"])
	if err != nil {
		return Decoded{}, err
	}

	text := assistantTextFromNotes(notes)
	fallbackUsed := false
	if text == "" && fallback != nil {
		if fb, ok := fallback(result, notes); ok {
			text = fb
			fallbackUsed = true
		}
	}

	return Decoded{
		Response: llm.Response{
			AssistantText: text,
			ToolCalls:     toolCalls,
			FinishReason:  c.mapFinishReason(stopReason),
			Usage:         usage,
		},
		FallbackTextUsed: fallbackUsed,
	}, nil
}

func (c baseCodec) decodeCanonical(result map[string]any, usage llm.Usage) (Decoded, error) {
	toolCalls, err := coerceToolCalls(result["tool_calls"])
	if err != nil {
		return Decoded{}, err
	}
	text, _ := result["assistant_text"].(string)
	finish := llm.FinishStop
	if raw, ok := stringField(result, "finish_reason"); ok {
		finish = c.mapFinishReason(raw)
	} else if len(toolCalls) > 0 {
		finish = llm.FinishToolCalls
	}
	return Decoded{
		Response: llm.Response{
			AssistantText: text,
			ToolCalls:     toolCalls,
			FinishReason:  finish,
			Usage:         usage,
		},
	}, nil
}

// mapFinishReason collapses dialect stop reasons onto the canonical set.
func (c baseCodec) mapFinishReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "stop", "end_turn", "completed", "stop_sequence":
		return llm.FinishStop
	case "tool_calls", "tool_use":
		return llm.FinishToolCalls
	case "length", "max_tokens", "max_output_tokens":
		return llm.FinishLength
	case "error", "failed":
		return llm.FinishError
	default:
		c.log.Debug("unknown stop reason, assuming stop", "stop_reason", raw)
		return llm.FinishStop
	}
}

// coerceToolCalls normalizes adapter variations on the first non-nil
// candidate: call_id/id, tool_name/name, arguments carried as an object or
// as a JSON-encoded string.
func coerceToolCalls(candidates ...any) ([]llm.ToolCall, error) {
	var v any
	for _, cand := range candidates {
		if cand != nil {
			v = cand
			break
		}
	}
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, contractErrf("tool_calls is not a list")
	}
	calls := make([]llm.ToolCall, 0, len(list))
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, contractErrf("tool call %d is not an object", i)
		}
		name, ok := stringField(entry, "tool_name", "name", "toolName")
		if !ok {
			return nil, contractErrf("tool call %d has no name", i)
		}
		id, ok := stringField(entry, "call_id", "id", "callId", "tool_call_id")
		if !ok {
			id = fmt.Sprintf("call-%d", i+1)
		}
		args, err := coerceArguments(entry)
		if err != nil {
			return nil, contractErrf("tool call %d (%s): %v", i, name, err)
		}
		calls = append(calls, llm.ToolCall{ID: id, Name: name, Arguments: args})
	}
	return calls, nil
}

func coerceArguments(entry map[string]any) (map[string]any, error) {
	var raw any
	for _, key := range [...]string{"arguments", "args", "input"} {
		if v, ok := entry[key]; ok && v != nil {
			raw = v
			break
		}
	}
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return map[string]any{}, nil
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return nil, fmt.Errorf("arguments are not an object: %w", err)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("arguments are not an object")
	}
}

// normalizeUsage flattens the usage block, accepting snake_case, camelCase
// and the common provider aliases. The raw block is preserved for the event
// log.
func normalizeUsage(v any) (llm.Usage, error) {
	if v == nil {
		return llm.Usage{}, nil
	}
	entry, ok := v.(map[string]any)
	if !ok {
		return llm.Usage{}, contractErrf("usage is not an object")
	}
	usage := llm.Usage{Raw: entry}
	var err error
	if usage.InputTokens, err = intField(entry, "input_tokens", "inputTokens", "prompt_tokens"); err != nil {
		return llm.Usage{}, err
	}
	if usage.CachedInputTokens, err = intField(entry, "cached_input_tokens", "cachedInputTokens", "cache_read_input_tokens"); err != nil {
		return llm.Usage{}, err
	}
	if usage.OutputTokens, err = intField(entry, "output_tokens", "outputTokens", "completion_tokens"); err != nil {
		return llm.Usage{}, err
	}
	if usage.ContextWindow, err = intField(entry, "context_window", "contextWindow"); err != nil {
		return llm.Usage{}, err
	}
	return usage, nil
}

func intField(entry map[string]any, keys ...string) (int, error) {
	for _, key := range keys {
		v, ok := entry[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n), nil
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return 0, contractErrf("usage field %s is not an integer: %v", key, err)
			}
			return int(i), nil
		default:
			return 0, contractErrf("usage field %s is not a number", key)
		}
	}
	return 0, nil
}

func stringField(entry map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := entry[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// assistantTextFromNotes reconstructs the assistant text from the progress
// notifications buffered for the request, in arrival order.
func assistantTextFromNotes(notes []Notification) string {
	var b strings.Builder
	for _, n := range notes {
		if n.Method != MethodSessionProgress {
			continue
		}
		kind, _ := stringField(n.Params, "kind", "type")
		if kind != "assistant_text" {
			continue
		}
		if text, ok := n.Params["text"].(string); ok {
			b.WriteString(text)
		}
	}
	return b.String()
}

// lastVisibleText scans the notification buffer and then the result payload
// for the last user-visible text block. Thinking, status and tool blocks are
// not visible. Map keys are walked sorted so the scan is deterministic.
func lastVisibleText(result map[string]any, notes []Notification) (string, bool) {
	var last string
	for _, n := range notes {
		scanVisible(n.Params, &last)
	}
	scanVisible(result, &last)
	return last, last != ""
}

func scanVisible(v any, last *string) {
	switch node := v.(type) {
	case map[string]any:
		kind, _ := stringField(node, "type", "kind")
		if kind == "text" || kind == "assistant_text" {
			if text, ok := node["text"].(string); ok && strings.TrimSpace(text) != "" {
				*last = text
			}
		}
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			scanVisible(node[k], last)
		}
	case []any:
		for _, item := range node {
			scanVisible(item, last)
		}
	}
}
