package eventlog

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perlica/perlica/internal/database"
)

func newTestLog(t *testing.T) (*Log, *sql.DB) {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "events.db"), database.SchemaEvents)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(db, "ctx-test", logger), db
}

func TestLog_AppendBuildsHashChain(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	first, err := log.Append(ctx, AppendInput{Type: "run.started", Payload: map[string]any{"run": 1}})
	require.NoError(t, err)
	second, err := log.Append(ctx, AppendInput{Type: "run.completed", Payload: map[string]any{"run": 1}})
	require.NoError(t, err)

	assert.Empty(t, first.PrevEventHash)
	assert.NotEmpty(t, first.EventHash)
	assert.Equal(t, first.EventHash, second.PrevEventHash)

	require.NoError(t, log.Verify(ctx))
}

func TestLog_IdempotentAppend(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	first, err := log.Append(ctx, AppendInput{
		Type:           "inbound.message.received",
		Payload:        map[string]any{"text": "hello"},
		IdempotencyKey: "msg-1",
	})
	require.NoError(t, err)

	again, err := log.Append(ctx, AppendInput{
		Type:           "inbound.message.received",
		Payload:        map[string]any{"text": "DIFFERENT"},
		IdempotencyKey: "msg-1",
	})
	require.NoError(t, err)

	assert.Equal(t, first.EventID, again.EventID)
	assert.Equal(t, "hello", again.Payload["text"])

	n, err := log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLog_ChainSurvivesRestart(t *testing.T) {
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "events.db"), database.SchemaEvents)
	require.NoError(t, err)
	defer db.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	logA := New(db, "ctx-test", logger)
	first, err := logA.Append(ctx, AppendInput{Type: "a"})
	require.NoError(t, err)

	// A fresh Log over the same database must continue the chain.
	logB := New(db, "ctx-test", logger)
	second, err := logB.Append(ctx, AppendInput{Type: "b"})
	require.NoError(t, err)

	assert.Equal(t, first.EventHash, second.PrevEventHash)
	require.NoError(t, logB.Verify(ctx))
}

func TestLog_QueriesByConversationRangeAndLimit(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, AppendInput{Type: "tick", ConversationID: "conv-a"})
		require.NoError(t, err)
	}
	_, err := log.Append(ctx, AppendInput{Type: "tick", ConversationID: "conv-b"})
	require.NoError(t, err)

	byConv, err := log.List(ctx, Query{ConversationID: "conv-a"})
	require.NoError(t, err)
	assert.Len(t, byConv, 3)

	// conv-a events chain through parent_node_id.
	assert.Empty(t, byConv[0].ParentNodeID)
	assert.Equal(t, byConv[0].NodeID, byConv[1].ParentNodeID)
	assert.Equal(t, byConv[1].NodeID, byConv[2].ParentNodeID)

	all, err := log.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	after, err := log.List(ctx, Query{AfterID: all[1].ID})
	require.NoError(t, err)
	assert.Len(t, after, 2)

	limited, err := log.List(ctx, Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestLog_GetVerifiesHashOnReadBack(t *testing.T) {
	log, db := newTestLog(t)
	ctx := context.Background()

	ev, err := log.Append(ctx, AppendInput{Type: "x", Payload: map[string]any{"n": 1}})
	require.NoError(t, err)

	got, err := log.Get(ctx, ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, ev.EventHash, got.EventHash)

	// Tampering with the payload must surface as corruption, not be repaired.
	_, err = db.Exec("UPDATE events SET payload = ? WHERE event_id = ?", `{"n":999}`, ev.EventID)
	require.NoError(t, err)

	_, err = log.Get(ctx, ev.EventID)
	var corrupt *CorruptionError
	require.ErrorAs(t, err, &corrupt)

	err = log.Verify(ctx)
	require.ErrorAs(t, err, &corrupt)
}

func TestBus_SubscriberIsolation(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	var seen []string
	log.Bus().Subscribe(func(Stored) { panic("boom") })
	log.Bus().Subscribe(func(ev Stored) { seen = append(seen, ev.EventType) })

	_, err := log.Append(ctx, AppendInput{Type: "one"})
	require.NoError(t, err)
	_, err = log.Append(ctx, AppendInput{Type: "two"})
	require.NoError(t, err)

	assert.Equal(t, []string{"one", "two"}, seen)
}

func TestEnvelope_HashIgnoresMapOrderAndNumericForm(t *testing.T) {
	a := Envelope{
		EventID: "e1", EventType: "t", SchemaVersion: 1, TS: 42,
		ContextID: "c", NodeID: "e1", Actor: "perlica",
		Payload: map[string]any{"b": 2, "a": "x"},
		Meta:    map[string]any{},
	}
	b := a
	b.Payload = map[string]any{"a": "x", "b": float64(2)}

	ha, err := a.ComputeHash()
	require.NoError(t, err)
	hb, err := b.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}
