package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perlica/perlica/internal/eventlog"
)

type recordedEvents struct {
	mu    sync.Mutex
	types []string
}

func (r *recordedEvents) Append(_ context.Context, in eventlog.AppendInput) (eventlog.Stored, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, in.Type)
	return eventlog.Stored{}, nil
}

func (r *recordedEvents) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.types {
		if t == eventType {
			n++
		}
	}
	return n
}

// fakeProvider is the far side of the pipes: it reads envelopes the
// transport writes and feeds lines back as the provider process would.
type fakeProvider struct {
	t       *testing.T
	stdin   *io.PipeReader
	stdout  *io.PipeWriter
	scanner *bufio.Scanner
}

func startTestTransport(t *testing.T, cfg Config, events EventAppender, logBuf *bytes.Buffer) (*Transport, *fakeProvider) {
	t.Helper()
	var sink io.Writer = io.Discard
	if logBuf != nil {
		sink = logBuf
	}
	logger := slog.New(slog.NewTextHandler(sink, &slog.HandlerOptions{Level: slog.LevelDebug}))

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	tr := NewTransport(cfg, events, logger)
	tr.attach(stdinW, stdoutR, nil)
	t.Cleanup(func() {
		_ = stdoutW.Close()
		_ = tr.Close()
	})

	scanner := bufio.NewScanner(stdinR)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return tr, &fakeProvider{t: t, stdin: stdinR, stdout: stdoutW, scanner: scanner}
}

func (p *fakeProvider) readEnvelope() Envelope {
	p.t.Helper()
	require.True(p.t, p.scanner.Scan(), "expected a line from the transport: %v", p.scanner.Err())
	var env Envelope
	require.NoError(p.t, json.Unmarshal(p.scanner.Bytes(), &env))
	return env
}

func (p *fakeProvider) writeLine(line string) {
	p.t.Helper()
	_, err := p.stdout.Write([]byte(line + "\n"))
	require.NoError(p.t, err)
}

func (p *fakeProvider) writeEnvelope(env Envelope) {
	p.t.Helper()
	data, err := json.Marshal(env)
	require.NoError(p.t, err)
	p.writeLine(string(data))
}

func (p *fakeProvider) respond(id json.RawMessage, result any) {
	p.t.Helper()
	env, err := NewSideResponse(id, result)
	require.NoError(p.t, err)
	p.writeEnvelope(env)
}

func (p *fakeProvider) notify(method string, params map[string]any) {
	p.t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(p.t, err)
	p.writeEnvelope(Envelope{JSONRPC: Version, Method: method, Params: raw})
}

type requestResult struct {
	resp  Envelope
	notes []Notification
	err   error
}

func requestAsync(tr *Transport, env Envelope, opts RequestOptions) chan requestResult {
	out := make(chan requestResult, 1)
	go func() {
		resp, notes, err := tr.Request(context.Background(), env, opts)
		out <- requestResult{resp: resp, notes: notes, err: err}
	}()
	return out
}

func awaitResult(t *testing.T, ch chan requestResult, within time.Duration) requestResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(within):
		t.Fatalf("request did not finish within %v", within)
		return requestResult{}
	}
}

func TestRequestDeliversResponse(t *testing.T) {
	tr, provider := startTestTransport(t, Config{ProviderID: "claude"}, nil, nil)

	env, err := NewRequest("req-init", MethodInitialize, map[string]any{"protocolVersion": 1})
	require.NoError(t, err)
	ch := requestAsync(tr, env, RequestOptions{Timeout: 2 * time.Second})

	got := provider.readEnvelope()
	assert.Equal(t, Version, got.JSONRPC)
	assert.Equal(t, MethodInitialize, got.Method)
	assert.Equal(t, "req-init", got.IDKey())

	provider.respond(got.ID, map[string]any{"protocolVersion": 1})

	res := awaitResult(t, ch, 2*time.Second)
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"protocolVersion":1}`, string(res.resp.Result))
	assert.Empty(t, res.notes)
}

func TestRequestAssignsIDWhenMissing(t *testing.T) {
	tr, provider := startTestTransport(t, Config{ProviderID: "claude"}, nil, nil)

	ch := requestAsync(tr, Envelope{Method: MethodInitialize}, RequestOptions{Timeout: 2 * time.Second})

	got := provider.readEnvelope()
	require.NotEmpty(t, got.IDKey())
	provider.respond(got.ID, map[string]any{"ok": true})

	res := awaitResult(t, ch, 2*time.Second)
	require.NoError(t, res.err)
}

func TestPromptDeadlineSlidesOnNotifications(t *testing.T) {
	events := &recordedEvents{}
	tr, provider := startTestTransport(t, Config{ProviderID: "claude"}, events, nil)

	var streamed []string
	var streamedMu sync.Mutex
	opts := RequestOptions{
		Timeout: 400 * time.Millisecond,
		OnNotification: func(n Notification) {
			streamedMu.Lock()
			defer streamedMu.Unlock()
			if text, ok := n.Params["text"].(string); ok {
				streamed = append(streamed, text)
			}
		},
	}

	env, err := NewRequest("req-prompt", MethodSessionPrompt, map[string]any{"session_id": "s-1"})
	require.NoError(t, err)
	ch := requestAsync(tr, env, opts)

	got := provider.readEnvelope()
	require.Equal(t, MethodSessionPrompt, got.Method)

	// Six notifications spread over ~900ms keep a 400ms sliding window
	// alive; a hard deadline would have fired long before the response.
	for i := 0; i < 6; i++ {
		time.Sleep(150 * time.Millisecond)
		provider.notify(MethodSessionProgress, map[string]any{
			"kind": "assistant_text",
			"text": fmt.Sprintf("chunk-%d ", i),
		})
	}
	provider.respond(got.ID, map[string]any{"stopReason": "end_turn"})

	res := awaitResult(t, ch, 2*time.Second)
	require.NoError(t, res.err)
	require.Len(t, res.notes, 6)
	assert.Equal(t, MethodSessionProgress, res.notes[0].Method)

	streamedMu.Lock()
	assert.Len(t, streamed, 6)
	assert.Equal(t, "chunk-0 ", streamed[0])
	streamedMu.Unlock()

	assert.Equal(t, 6, events.count("provider.acp.notification.received"))
}

func TestInitializeDeadlineIsHard(t *testing.T) {
	tr, provider := startTestTransport(t, Config{ProviderID: "claude"}, nil, nil)

	env, err := NewRequest("req-init", MethodInitialize, nil)
	require.NoError(t, err)
	ch := requestAsync(tr, env, RequestOptions{Timeout: 250 * time.Millisecond})

	got := provider.readEnvelope()
	require.Equal(t, "req-init", got.IDKey())

	// Attributed activity must not rearm a non-prompt deadline.
	start := time.Now()
	provider.notify(MethodSessionProgress, map[string]any{"request_id": "req-init", "kind": "status"})

	res := awaitResult(t, ch, 2*time.Second)
	require.Error(t, res.err)
	assert.True(t, IsTimeout(res.err))
	assert.True(t, IsRetriable(res.err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDuplicateResponsesAreSuppressed(t *testing.T) {
	var logBuf bytes.Buffer
	tr, provider := startTestTransport(t, Config{ProviderID: "claude"}, nil, &logBuf)

	env, err := NewRequest("req-1", MethodInitialize, nil)
	require.NoError(t, err)
	ch := requestAsync(tr, env, RequestOptions{Timeout: 2 * time.Second})

	got := provider.readEnvelope()
	provider.respond(got.ID, map[string]any{"ok": 1})
	provider.respond(got.ID, map[string]any{"ok": 1})

	res := awaitResult(t, ch, 2*time.Second)
	require.NoError(t, res.err)

	// A follow-up round trip proves the reader survived the duplicate and
	// guarantees the duplicate line was consumed before we assert on logs.
	env2, err := NewRequest("req-2", MethodInitialize, nil)
	require.NoError(t, err)
	ch2 := requestAsync(tr, env2, RequestOptions{Timeout: 2 * time.Second})
	got2 := provider.readEnvelope()
	provider.respond(got2.ID, map[string]any{"ok": 2})
	res2 := awaitResult(t, ch2, 2*time.Second)
	require.NoError(t, res2.err)

	assert.Contains(t, logBuf.String(), "suppressing duplicate response")
}

func TestSideRequestRoundTrip(t *testing.T) {
	tr, provider := startTestTransport(t, Config{ProviderID: "claude"}, nil, nil)

	var handledMethod string
	var handledMu sync.Mutex
	opts := RequestOptions{
		Timeout: 2 * time.Second,
		OnSideRequest: func(_ context.Context, method string, params json.RawMessage) (any, error) {
			handledMu.Lock()
			handledMethod = method
			handledMu.Unlock()
			return map[string]any{"answer": "allow"}, nil
		},
	}

	env, err := NewRequest("req-prompt", MethodSessionPrompt, map[string]any{"session_id": "s-1"})
	require.NoError(t, err)
	ch := requestAsync(tr, env, opts)

	got := provider.readEnvelope()

	permParams, err := json.Marshal(map[string]any{"request_id": "req-prompt", "question": "run rm?"})
	require.NoError(t, err)
	provider.writeEnvelope(Envelope{
		JSONRPC: Version,
		ID:      json.RawMessage(`"srv-1"`),
		Method:  MethodRequestPermission,
		Params:  permParams,
	})

	sideResp := provider.readEnvelope()
	assert.Equal(t, "srv-1", sideResp.IDKey())
	assert.JSONEq(t, `{"answer":"allow"}`, string(sideResp.Result))

	provider.respond(got.ID, map[string]any{"stopReason": "end_turn"})

	res := awaitResult(t, ch, 2*time.Second)
	require.NoError(t, res.err)

	handledMu.Lock()
	assert.Equal(t, MethodRequestPermission, handledMethod)
	handledMu.Unlock()
}

func TestSideRequestWithoutHandlerIsRejected(t *testing.T) {
	tr, provider := startTestTransport(t, Config{ProviderID: "claude"}, nil, nil)

	env, err := NewRequest("req-init", MethodInitialize, nil)
	require.NoError(t, err)
	ch := requestAsync(tr, env, RequestOptions{Timeout: 2 * time.Second})

	got := provider.readEnvelope()

	permParams, _ := json.Marshal(map[string]any{"request_id": "req-init"})
	provider.writeEnvelope(Envelope{
		JSONRPC: Version,
		ID:      json.RawMessage(`"srv-9"`),
		Method:  MethodRequestPermission,
		Params:  permParams,
	})

	rejection := provider.readEnvelope()
	assert.Equal(t, "srv-9", rejection.IDKey())
	require.NotNil(t, rejection.Error)
	assert.Equal(t, -32601, rejection.Error.Code)

	provider.respond(got.ID, map[string]any{"ok": true})
	res := awaitResult(t, ch, 2*time.Second)
	require.NoError(t, res.err)
}

func TestProviderExitFailsPendingRequests(t *testing.T) {
	tr, provider := startTestTransport(t, Config{ProviderID: "claude"}, nil, nil)

	env, err := NewRequest("req-init", MethodInitialize, nil)
	require.NoError(t, err)
	ch := requestAsync(tr, env, RequestOptions{Timeout: 5 * time.Second})

	provider.readEnvelope()
	require.NoError(t, provider.stdout.Close())

	res := awaitResult(t, ch, 2*time.Second)
	require.Error(t, res.err)
	assert.True(t, IsRetriable(res.err))
	assert.False(t, IsTimeout(res.err))
	assert.Contains(t, res.err.Error(), "exited")

	assert.False(t, tr.Alive())

	_, _, err = tr.Request(context.Background(), Envelope{Method: MethodInitialize}, RequestOptions{Timeout: time.Second})
	require.Error(t, err)
}

func TestMalformedLinesAreDroppedNotFatal(t *testing.T) {
	var logBuf bytes.Buffer
	tr, provider := startTestTransport(t, Config{ProviderID: "claude"}, nil, &logBuf)

	env, err := NewRequest("req-1", MethodInitialize, nil)
	require.NoError(t, err)
	ch := requestAsync(tr, env, RequestOptions{Timeout: 2 * time.Second})

	got := provider.readEnvelope()
	provider.writeLine("{not json")
	provider.writeLine(`{"jsonrpc":"1.0","id":"req-1","result":{}}`)
	provider.respond(got.ID, map[string]any{"ok": true})

	res := awaitResult(t, ch, 2*time.Second)
	require.NoError(t, res.err)
	assert.Contains(t, logBuf.String(), "malformed JSON")
	assert.Contains(t, logBuf.String(), "unsupported jsonrpc version")
}

func TestEnvelopeClassification(t *testing.T) {
	resp := Envelope{JSONRPC: Version, ID: json.RawMessage(`"a"`), Result: json.RawMessage(`{}`)}
	assert.True(t, resp.IsResponse())
	assert.False(t, resp.IsSideRequest())
	assert.False(t, resp.IsNotification())

	side := Envelope{JSONRPC: Version, ID: json.RawMessage(`7`), Method: MethodRequestPermission}
	assert.True(t, side.IsSideRequest())
	assert.False(t, side.IsResponse())

	note := Envelope{JSONRPC: Version, Method: MethodSessionProgress}
	assert.True(t, note.IsNotification())
	assert.False(t, note.IsResponse())

	errResp := Envelope{JSONRPC: Version, ID: json.RawMessage(`"b"`), Error: &WireError{Code: -1, Message: "x"}}
	assert.True(t, errResp.IsResponse())
}

func TestIDKeyNormalizesStringAndNumber(t *testing.T) {
	assert.Equal(t, "7", idKey(json.RawMessage(`7`)))
	assert.Equal(t, "7", idKey(json.RawMessage(`"7"`)))
	assert.Equal(t, "req-1", idKey(json.RawMessage(`"req-1"`)))
	assert.Equal(t, "", idKey(nil))
	assert.Equal(t, "", idKey(json.RawMessage(`null`)))
}

func TestRecentIDsEvictsOldest(t *testing.T) {
	ids := newRecentIDs(3)
	ids.add("a")
	ids.add("b")
	ids.add("c")
	ids.add("d")
	assert.False(t, ids.contains("a"))
	assert.True(t, ids.contains("b"))
	assert.True(t, ids.contains("d"))

	ids.add("b") // re-add is a no-op, no double entry
	ids.add("e")
	assert.False(t, ids.contains("c"))
	assert.True(t, ids.contains("b"))
}

func TestBuildChildEnvFiltersByAllowlist(t *testing.T) {
	t.Setenv("PERLICA_TEST_ALLOWED", "yes")
	t.Setenv("PERLICA_TEST_BLOCKED", "no")

	env := buildChildEnv(
		[]string{"PERLICA_TEST_ALLOWED", "PERLICA_TEST_MISSING"},
		map[string]string{"ADAPTER_VAR": "v", "PERLICA_TEST_ALLOWED": "override"},
	)

	assert.Contains(t, env, "ADAPTER_VAR=v")
	assert.Contains(t, env, "PERLICA_TEST_ALLOWED=override")
	for _, kv := range env {
		assert.NotContains(t, kv, "PERLICA_TEST_BLOCKED")
	}
}
