package acp

import (
	"errors"
	"fmt"
)

// TransportError reports a failure to exchange bytes with the provider
// process: spawn failures, broken pipes, deadlines, unexpected exits.
// Transport errors are the only retriable failure class; protocol and
// contract errors indicate a bug on one side and retrying cannot help.
type TransportError struct {
	Op      string // method or phase that failed, e.g. "session/prompt" or "spawn"
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	msg := "acp transport: " + e.Op
	if e.Timeout {
		msg += ": deadline exceeded"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a JSON-RPC framing violation: malformed JSON,
// a missing jsonrpc version, or a response without an id.
type ProtocolError struct {
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acp protocol: %s: %v", e.Detail, e.Err)
	}
	return "acp protocol: " + e.Detail
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ContractError reports a well-formed envelope whose payload violates the
// response contract: missing stop reason, tool_calls that is not a list,
// malformed usage numbers, a missing session id.
type ContractError struct {
	Detail string
}

func (e *ContractError) Error() string { return "acp contract: " + e.Detail }

func contractErrf(format string, args ...any) error {
	return &ContractError{Detail: fmt.Sprintf(format, args...)}
}

// IsTimeout reports whether err is a transport deadline failure.
func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Timeout
}

// IsRetriable reports whether a retry could plausibly succeed. Only
// transport failures qualify.
func IsRetriable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
