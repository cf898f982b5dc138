package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AppendInput carries the caller-supplied parts of an append. Everything
// else (ids, timestamps, chain hashes) is assigned by the log.
type AppendInput struct {
	Type           string
	Payload        map[string]any
	Meta           map[string]any
	Actor          string
	ConversationID string
	RunID          string
	TraceID        string
	CausationID    string
	CorrelationID  string
	IdempotencyKey string
}

// Stored pairs an envelope with its rowid. The rowid is the restart-safe
// cursor used by range queries and the service inbound cursor.
type Stored struct {
	ID int64
	Envelope
}

// Query filters List. Zero values mean "no filter"; Limit<=0 means no limit.
type Query struct {
	ConversationID string
	EventType      string
	AfterID        int64
	Limit          int
}

// Log is the append-only event store for one context. Appends are
// serialized; prev_event_hash reflects the serial order.
type Log struct {
	db  *sql.DB
	ctx string
	log *slog.Logger
	bus *Bus

	mu        sync.Mutex
	lastHash  string
	hashReady bool
}

// New wraps an events database for contextID.
func New(db *sql.DB, contextID string, logger *slog.Logger) *Log {
	return &Log{
		db:  db,
		ctx: contextID,
		log: logger.With("component", "eventlog", "context_id", contextID),
		bus: NewBus(logger),
	}
}

// Bus exposes the subscriber registry for this log.
func (l *Log) Bus() *Bus { return l.bus }

// ContextID returns the context this log belongs to.
func (l *Log) ContextID() string { return l.ctx }

// Append writes one event and returns the stored envelope. When
// in.IdempotencyKey was seen before in this context, the existing envelope
// is returned unchanged and nothing is appended.
func (l *Log) Append(ctx context.Context, in AppendInput) (Stored, error) {
	if in.Type == "" {
		return Stored{}, errors.New("event type is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if in.IdempotencyKey != "" {
		existing, err := l.byIdempotencyKey(ctx, in.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Stored{}, err
		}
	}

	if !l.hashReady {
		if err := l.loadLastHash(ctx); err != nil {
			return Stored{}, err
		}
	}

	env := Envelope{
		EventID:        uuid.NewString(),
		EventType:      in.Type,
		SchemaVersion:  SchemaVersion,
		TS:             time.Now().UnixMilli(),
		ContextID:      l.ctx,
		ConversationID: in.ConversationID,
		Actor:          in.Actor,
		RunID:          in.RunID,
		TraceID:        in.TraceID,
		CausationID:    in.CausationID,
		CorrelationID:  in.CorrelationID,
		IdempotencyKey: in.IdempotencyKey,
		Payload:        in.Payload,
		Meta:           in.Meta,
		PrevEventHash:  l.lastHash,
	}
	if env.Actor == "" {
		env.Actor = DefaultActor
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	if env.Meta == nil {
		env.Meta = map[string]any{}
	}
	env.NodeID = env.EventID
	if in.ConversationID != "" {
		parent, err := l.lastNodeInConversation(ctx, in.ConversationID)
		if err != nil {
			return Stored{}, err
		}
		env.ParentNodeID = parent
	}

	hash, err := env.ComputeHash()
	if err != nil {
		return Stored{}, err
	}
	env.EventHash = hash

	id, err := l.insert(ctx, env)
	if err != nil {
		return Stored{}, err
	}
	l.lastHash = hash

	stored := Stored{ID: id, Envelope: env}
	l.bus.publish(stored)
	return stored, nil
}

// Get returns one event by event_id, verifying its hash on read-back. A
// mismatch returns a CorruptionError.
func (l *Log) Get(ctx context.Context, eventID string) (Stored, error) {
	row := l.db.QueryRowContext(ctx, selectColumns+" FROM events WHERE context_id = ? AND event_id = ?", l.ctx, eventID)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Stored{}, fmt.Errorf("event %q not found", eventID)
		}
		return Stored{}, fmt.Errorf("getting event %q: %w", eventID, err)
	}
	want, err := ev.ComputeHash()
	if err != nil {
		return Stored{}, err
	}
	if want != ev.EventHash {
		return Stored{}, &CorruptionError{EventID: ev.EventID, Reason: "stored event_hash does not match recomputed hash"}
	}
	return ev, nil
}

// List returns events for this context in append order.
func (l *Log) List(ctx context.Context, q Query) ([]Stored, error) {
	query := selectColumns + " FROM events WHERE context_id = ?"
	args := []any{l.ctx}
	if q.ConversationID != "" {
		query += " AND conversation_id = ?"
		args = append(args, q.ConversationID)
	}
	if q.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, q.EventType)
	}
	if q.AfterID > 0 {
		query += " AND id > ?"
		args = append(args, q.AfterID)
	}
	query += " ORDER BY id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var out []Stored
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Count returns the number of events in this context.
func (l *Log) Count(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE context_id = ?", l.ctx).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// Verify walks the whole chain, recomputing every hash and checking each
// prev_event_hash link. The first mismatch is returned as a CorruptionError.
func (l *Log) Verify(ctx context.Context) error {
	events, err := l.List(ctx, Query{})
	if err != nil {
		return err
	}
	prev := ""
	for _, ev := range events {
		if ev.PrevEventHash != prev {
			return &CorruptionError{EventID: ev.EventID, Reason: "prev_event_hash does not match preceding event"}
		}
		want, err := ev.ComputeHash()
		if err != nil {
			return err
		}
		if want != ev.EventHash {
			return &CorruptionError{EventID: ev.EventID, Reason: "stored event_hash does not match recomputed hash"}
		}
		prev = ev.EventHash
	}
	return nil
}

const selectColumns = `SELECT id, event_id, event_type, schema_version, ts_ms, context_id,
	conversation_id, node_id, parent_node_id, actor, run_id, trace_id,
	causation_id, correlation_id, idempotency_key, payload, meta,
	prev_event_hash, event_hash`

func (l *Log) insert(ctx context.Context, env Envelope) (int64, error) {
	payload, err := marshalJSON(env.Payload)
	if err != nil {
		return 0, fmt.Errorf("encoding payload: %w", err)
	}
	meta, err := marshalJSON(env.Meta)
	if err != nil {
		return 0, fmt.Errorf("encoding meta: %w", err)
	}

	res, err := l.db.ExecContext(ctx, `INSERT INTO events (
		event_id, event_type, schema_version, ts_ms, context_id,
		conversation_id, node_id, parent_node_id, actor, run_id, trace_id,
		causation_id, correlation_id, idempotency_key, payload, meta,
		prev_event_hash, event_hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.EventID, env.EventType, env.SchemaVersion, env.TS, env.ContextID,
		nullStr(env.ConversationID), env.NodeID, nullStr(env.ParentNodeID),
		env.Actor, nullStr(env.RunID), nullStr(env.TraceID),
		nullStr(env.CausationID), nullStr(env.CorrelationID),
		nullStr(env.IdempotencyKey), payload, meta,
		nullStr(env.PrevEventHash), env.EventHash,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}
	return res.LastInsertId()
}

func (l *Log) byIdempotencyKey(ctx context.Context, key string) (Stored, error) {
	row := l.db.QueryRowContext(ctx, selectColumns+" FROM events WHERE context_id = ? AND idempotency_key = ?", l.ctx, key)
	return scanEvent(row)
}

func (l *Log) loadLastHash(ctx context.Context) error {
	var hash string
	err := l.db.QueryRowContext(ctx,
		"SELECT event_hash FROM events WHERE context_id = ? ORDER BY id DESC LIMIT 1", l.ctx,
	).Scan(&hash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("loading last event hash: %w", err)
	}
	l.lastHash = hash
	l.hashReady = true
	return nil
}

func (l *Log) lastNodeInConversation(ctx context.Context, conversationID string) (string, error) {
	var node string
	err := l.db.QueryRowContext(ctx,
		"SELECT node_id FROM events WHERE context_id = ? AND conversation_id = ? ORDER BY id DESC LIMIT 1",
		l.ctx, conversationID,
	).Scan(&node)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("finding parent node: %w", err)
	}
	return node, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Stored, error) {
	var (
		ev                                        Stored
		conversationID, parentNodeID              sql.NullString
		runID, traceID, causationID               sql.NullString
		correlationID, idempotencyKey, prevHash   sql.NullString
		payload, meta                             string
	)
	err := row.Scan(
		&ev.ID, &ev.EventID, &ev.EventType, &ev.SchemaVersion, &ev.TS, &ev.ContextID,
		&conversationID, &ev.NodeID, &parentNodeID, &ev.Actor, &runID, &traceID,
		&causationID, &correlationID, &idempotencyKey, &payload, &meta,
		&prevHash, &ev.EventHash,
	)
	if err != nil {
		return Stored{}, err
	}
	ev.ConversationID = conversationID.String
	ev.ParentNodeID = parentNodeID.String
	ev.RunID = runID.String
	ev.TraceID = traceID.String
	ev.CausationID = causationID.String
	ev.CorrelationID = correlationID.String
	ev.IdempotencyKey = idempotencyKey.String
	ev.PrevEventHash = prevHash.String

	if err := unmarshalJSON(payload, &ev.Payload); err != nil {
		return Stored{}, fmt.Errorf("decoding payload: %w", err)
	}
	if err := unmarshalJSON(meta, &ev.Meta); err != nil {
		return Stored{}, fmt.Errorf("decoding meta: %w", err)
	}
	return ev, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
