package acp

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version tag carried on every envelope.
const Version = "2.0"

// Methods spoken over the wire. The progress notification and the
// permission side-request originate from the provider.
const (
	MethodInitialize        = "initialize"
	MethodSessionNew        = "session/new"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionProgress   = "perlica/session_progress"
	MethodRequestPermission = "session/request_permission"
	MethodSessionReply      = "session/reply"
)

// Envelope is one line on the wire. Which fields are set determines its
// kind: a response carries an id plus result or error, a side-request
// carries an id plus a method, a notification carries a method only.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is the error member of a JSON-RPC response.
type WireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request envelope with a string id.
func NewRequest(id, method string, params any) (Envelope, error) {
	raw, err := marshalMember(params)
	if err != nil {
		return Envelope{}, err
	}
	idRaw, err := json.Marshal(id)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal id: %w", err)
	}
	return Envelope{JSONRPC: Version, ID: idRaw, Method: method, Params: raw}, nil
}

// NewSideResponse answers a provider-initiated side-request, echoing its id.
func NewSideResponse(id json.RawMessage, result any) (Envelope, error) {
	raw, err := marshalMember(result)
	if err != nil {
		return Envelope{}, err
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return Envelope{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewSideError rejects a provider-initiated side-request.
func NewSideError(id json.RawMessage, code int, message string) Envelope {
	return Envelope{JSONRPC: Version, ID: id, Error: &WireError{Code: code, Message: message}}
}

func marshalMember(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope member: %w", err)
	}
	return raw, nil
}

// IDKey normalizes the envelope id for waiter bookkeeping. Servers answer
// with whatever id type the request used; string "7" and number 7 are
// collapsed to the same key so a sloppy echo still finds its waiter.
func (e Envelope) IDKey() string { return idKey(e.ID) }

func idKey(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

func (e Envelope) hasID() bool {
	return len(e.ID) > 0 && string(e.ID) != "null"
}

// IsResponse reports whether the envelope answers one of our requests.
func (e Envelope) IsResponse() bool {
	return e.hasID() && (len(e.Result) > 0 || e.Error != nil)
}

// IsSideRequest reports whether the envelope is a provider-initiated
// request that expects a side-response on the same id.
func (e Envelope) IsSideRequest() bool {
	return e.hasID() && e.Method != "" && !e.IsResponse()
}

// IsNotification reports whether the envelope is fire-and-forget.
func (e Envelope) IsNotification() bool {
	return !e.hasID() && e.Method != ""
}

// Notification is a decoded provider-initiated message without an id.
// Params is kept both decoded and raw; codecs read the decoded form.
type Notification struct {
	Method string
	Params map[string]any
	Raw    json.RawMessage
}

// RequestID returns the request attribution carried in the params, if any.
func (n Notification) RequestID() string {
	for _, key := range [...]string{"request_id", "requestId"} {
		if v, ok := n.Params[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func decodeNotification(env Envelope) Notification {
	n := Notification{Method: env.Method, Raw: env.Params}
	if len(env.Params) > 0 {
		// Non-object params stay raw-only.
		_ = json.Unmarshal(env.Params, &n.Params)
	}
	return n
}
