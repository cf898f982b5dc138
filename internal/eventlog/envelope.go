// Package eventlog persists the hash-chained, append-only event stream for a
// context and fans appended events out to in-process subscribers.
package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SchemaVersion is stamped on every envelope this build writes.
const SchemaVersion = 1

// DefaultActor is used when an append does not name an actor.
const DefaultActor = "perlica"

// Envelope is one event record. Within a context, envelopes form a
// hash-chained sequence: each event's prev_event_hash equals the previous
// event's event_hash.
type Envelope struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	SchemaVersion  int            `json:"schema_version"`
	TS             int64          `json:"ts_ms"`
	ContextID      string         `json:"context_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	NodeID         string         `json:"node_id"`
	ParentNodeID   string         `json:"parent_node_id,omitempty"`
	Actor          string         `json:"actor"`
	RunID          string         `json:"run_id,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	CausationID    string         `json:"causation_id,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Payload        map[string]any `json:"payload"`
	Meta           map[string]any `json:"meta"`
	PrevEventHash  string         `json:"prev_event_hash,omitempty"`
	EventHash      string         `json:"event_hash,omitempty"`
}

// ComputeHash returns the SHA-256 of the canonical JSON encoding of the
// envelope without its event_hash field. Canonical means: lexicographically
// sorted keys at every nesting level, optional empty fields omitted, and all
// values passed through a JSON round-trip so numeric representations are
// stable between the append path and read-back verification.
func (e Envelope) ComputeHash() (string, error) {
	payload, err := normalizeJSON(e.Payload)
	if err != nil {
		return "", fmt.Errorf("canonicalizing payload: %w", err)
	}
	meta, err := normalizeJSON(e.Meta)
	if err != nil {
		return "", fmt.Errorf("canonicalizing meta: %w", err)
	}

	m := map[string]any{
		"event_id":       e.EventID,
		"event_type":     e.EventType,
		"schema_version": e.SchemaVersion,
		"ts_ms":          e.TS,
		"context_id":     e.ContextID,
		"node_id":        e.NodeID,
		"actor":          e.Actor,
		"payload":        payload,
		"meta":           meta,
	}
	putIfSet := func(key, val string) {
		if val != "" {
			m[key] = val
		}
	}
	putIfSet("conversation_id", e.ConversationID)
	putIfSet("parent_node_id", e.ParentNodeID)
	putIfSet("run_id", e.RunID)
	putIfSet("trace_id", e.TraceID)
	putIfSet("causation_id", e.CausationID)
	putIfSet("correlation_id", e.CorrelationID)
	putIfSet("idempotency_key", e.IdempotencyKey)
	putIfSet("prev_event_hash", e.PrevEventHash)

	// encoding/json sorts map keys, which gives us the canonical ordering
	// for free at every level.
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("canonicalizing envelope: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeJSON(v any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CorruptionError reports a hash-chain mismatch discovered on read-back. It
// is surfaced, never repaired.
type CorruptionError struct {
	EventID string
	Reason  string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("event log corrupt at %s: %s", e.EventID, e.Reason)
}
