package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perlica/perlica/internal/eventlog"
	"github.com/perlica/perlica/internal/procutil"
)

const (
	defaultRequestTimeout    = 120 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	maxLineBytes             = 1024 * 1024
	completedIDCap           = 256
	stderrTailLines          = 8
)

// Config describes how to spawn and talk to one provider process.
type Config struct {
	ProviderID string
	Command    string
	Args       []string
	WorkDir    string

	// Env holds adapter-provided variables. EnvAllowlist names the parent
	// environment variables that may leak through; everything else is
	// stripped from the child environment.
	Env          map[string]string
	EnvAllowlist []string

	// RequestTimeout is the per-request ceiling used when the caller
	// passes none. HeartbeatInterval paces liveness events while requests
	// are in flight.
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
}

// EventAppender is the slice of the event log the transport needs.
type EventAppender interface {
	Append(ctx context.Context, in eventlog.AppendInput) (eventlog.Stored, error)
}

// SideRequestHandler answers a provider-initiated request that arrives while
// one of our requests is outstanding. The returned value is sent back as the
// side-response result; a non-nil error is sent as a JSON-RPC error instead.
type SideRequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// RequestOptions tune a single Request exchange.
type RequestOptions struct {
	// Timeout bounds the exchange. For session/prompt it is a sliding
	// activity deadline rearmed by every attributed notification or
	// side-request; for everything else it is a hard deadline.
	Timeout        time.Duration
	OnNotification func(Notification)
	OnSideRequest  SideRequestHandler
}

// Transport manages one provider subprocess and the line-delimited JSON-RPC
// conversation with it. A single mutex serializes stdin writes; a single
// read loop classifies stdout lines and routes them to waiters.
type Transport struct {
	cfg    Config
	log    *slog.Logger
	events EventAppender

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdinMu sync.Mutex

	nextID atomic.Int64

	mu        sync.Mutex
	waiters   map[string]*waiter
	completed *recentIDs

	done      chan struct{} // closed when the read loop exits
	closing   chan struct{}
	reaped    chan struct{}
	closeOnce sync.Once
	started   atomic.Bool

	exitMu     sync.Mutex
	exitErr    error
	stderrTail []string
}

type waiter struct {
	key     string
	method  string
	sliding bool
	ctx     context.Context

	resp     chan Envelope
	activity chan struct{}

	onNotification func(Notification)
	onSideRequest  SideRequestHandler

	mu    sync.Mutex
	notes []Notification
}

func (w *waiter) addNote(n Notification) {
	w.mu.Lock()
	w.notes = append(w.notes, n)
	w.mu.Unlock()
	if w.onNotification != nil {
		w.onNotification(n)
	}
	w.touch()
}

func (w *waiter) touch() {
	select {
	case w.activity <- struct{}{}:
	default:
	}
}

func (w *waiter) takeNotes() []Notification {
	w.mu.Lock()
	defer w.mu.Unlock()
	notes := w.notes
	w.notes = nil
	return notes
}

// NewTransport prepares a transport; Start spawns the process.
func NewTransport(cfg Config, events EventAppender, logger *slog.Logger) *Transport {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Transport{
		cfg:       cfg,
		log:       logger.With("component", "acp", "provider_id", cfg.ProviderID),
		events:    events,
		waiters:   make(map[string]*waiter),
		completed: newRecentIDs(completedIDCap),
		done:      make(chan struct{}),
		closing:   make(chan struct{}),
	}
}

// Start spawns the provider process and begins reading its stdout. The child
// environment is the allowlisted subset of the parent environment plus the
// adapter vars; nothing else leaks through.
func (t *Transport) Start(ctx context.Context) error {
	if t.started.Load() {
		return nil
	}
	if t.cfg.Command == "" {
		return &TransportError{Op: "spawn", Err: errors.New("provider command is empty")}
	}

	cmd := exec.CommandContext(ctx, t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.WorkDir
	cmd.Env = buildChildEnv(t.cfg.EnvAllowlist, t.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &TransportError{Op: "spawn", Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &TransportError{Op: "spawn", Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &TransportError{Op: "spawn", Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := procutil.StartWithCleanup(cmd); err != nil {
		return &TransportError{Op: "spawn", Err: err}
	}

	t.cmd = cmd
	t.reaped = make(chan struct{})
	t.attach(stdin, stdout, stderr)

	// Reap only after the read loop has drained stdout.
	go func() {
		<-t.done
		err := cmd.Wait()
		t.exitMu.Lock()
		t.exitErr = err
		t.exitMu.Unlock()
		close(t.reaped)
		select {
		case <-t.closing:
		default:
			t.log.Warn("provider process exited", "error", err)
		}
	}()

	t.log.Info("provider process started", "command", t.cfg.Command, "pid", cmd.Process.Pid)
	return nil
}

// attach wires the pipes and starts the loops. Split from Start so tests can
// drive the transport over in-memory pipes.
func (t *Transport) attach(stdin io.WriteCloser, stdout, stderr io.Reader) {
	t.stdin = stdin
	t.started.Store(true)
	go t.readLoop(stdout)
	if stderr != nil {
		go t.readStderrLoop(stderr)
	}
	go t.heartbeatLoop()
}

// Alive reports whether the read loop is still attached to a live process.
func (t *Transport) Alive() bool {
	if !t.started.Load() {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done is closed once the provider stream has ended.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Request writes env and blocks until the matching response arrives or the
// deadline passes. All notifications attributed to the request are returned
// alongside the response, in arrival order.
func (t *Transport) Request(ctx context.Context, env Envelope, opts RequestOptions) (Envelope, []Notification, error) {
	if !t.started.Load() {
		return Envelope{}, nil, &TransportError{Op: env.Method, Err: errors.New("transport not started")}
	}
	select {
	case <-t.done:
		return Envelope{}, nil, t.exitError(env.Method)
	default:
	}

	if env.JSONRPC == "" {
		env.JSONRPC = Version
	}
	if !env.hasID() {
		env.ID, _ = json.Marshal(fmt.Sprintf("req-%d", t.nextID.Add(1)))
	}
	key := env.IDKey()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = t.cfg.RequestTimeout
	}

	w := &waiter{
		key:            key,
		method:         env.Method,
		sliding:        env.Method == MethodSessionPrompt,
		ctx:            ctx,
		resp:           make(chan Envelope, 1),
		activity:       make(chan struct{}, 1),
		onNotification: opts.OnNotification,
		onSideRequest:  opts.OnSideRequest,
	}

	t.mu.Lock()
	if _, exists := t.waiters[key]; exists {
		t.mu.Unlock()
		return Envelope{}, nil, &TransportError{Op: env.Method, Err: fmt.Errorf("request id %q already in flight", key)}
	}
	t.waiters[key] = w
	t.mu.Unlock()

	if err := t.write(env); err != nil {
		t.unregister(key)
		return Envelope{}, nil, &TransportError{Op: env.Method, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case resp := <-w.resp:
			return resp, w.takeNotes(), nil
		case <-w.activity:
			if !w.sliding {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		case <-timer.C:
			if t.unregister(key) {
				return Envelope{}, w.takeNotes(), &TransportError{Op: env.Method, Timeout: true}
			}
			// The response won the race and is in flight on w.resp.
			resp := <-w.resp
			return resp, w.takeNotes(), nil
		case <-t.done:
			if t.unregister(key) {
				return Envelope{}, w.takeNotes(), t.exitError(env.Method)
			}
			resp := <-w.resp
			return resp, w.takeNotes(), nil
		case <-ctx.Done():
			if t.unregister(key) {
				return Envelope{}, w.takeNotes(), &TransportError{Op: env.Method, Err: ctx.Err()}
			}
			resp := <-w.resp
			return resp, w.takeNotes(), nil
		}
	}
}

// Notify writes a fire-and-forget notification envelope.
func (t *Transport) Notify(method string, params any) error {
	raw, err := marshalMember(params)
	if err != nil {
		return &TransportError{Op: method, Err: err}
	}
	if err := t.write(Envelope{JSONRPC: Version, Method: method, Params: raw}); err != nil {
		return &TransportError{Op: method, Err: err}
	}
	return nil
}

// Close shuts the transport down: stdin is closed, the process is killed and
// reaped. Safe to call more than once and from any goroutine.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closing)
		t.stdinMu.Lock()
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		t.stdinMu.Unlock()
		if t.cmd != nil && t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		if t.reaped != nil {
			select {
			case <-t.reaped:
			case <-time.After(3 * time.Second):
				t.log.Warn("provider process did not reap in time")
			}
		}
	})
	return nil
}

// unregister removes the waiter and reports whether it was still registered.
// A false return means the read loop already claimed it and a response is
// guaranteed to arrive on the waiter channel.
func (t *Transport) unregister(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.waiters[key]; ok {
		delete(t.waiters, key)
		return true
	}
	return false
}

func (t *Transport) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

func (t *Transport) write(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	data = append(data, '\n')
	t.stdinMu.Lock()
	defer t.stdinMu.Unlock()
	if t.stdin == nil {
		return errors.New("transport not started")
	}
	_, err = t.stdin.Write(data)
	return err
}

func (t *Transport) send(env Envelope) {
	if err := t.write(env); err != nil {
		t.log.Warn("writing envelope failed", "method", env.Method, "error", err)
	}
}

func (t *Transport) readLoop(r io.Reader) {
	defer close(t.done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			t.log.Warn("dropping provider line", "error", &ProtocolError{Detail: "malformed JSON", Err: err})
			continue
		}
		if env.JSONRPC != "" && env.JSONRPC != Version {
			t.log.Warn("dropping provider line", "error", &ProtocolError{Detail: "unsupported jsonrpc version " + env.JSONRPC})
			continue
		}
		switch {
		case env.IsResponse():
			t.deliverResponse(env)
		case env.IsSideRequest():
			t.serveSideRequest(env)
		case env.IsNotification():
			t.deliverNotification(env)
		default:
			t.log.Warn("dropping provider line", "error", &ProtocolError{Detail: "envelope is neither response, side-request nor notification"})
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		t.log.Warn("provider stdout read failed", "error", err)
	}
}

func (t *Transport) readStderrLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.log.Debug("provider stderr", "line", line)
		t.exitMu.Lock()
		t.stderrTail = append(t.stderrTail, line)
		if len(t.stderrTail) > stderrTailLines {
			t.stderrTail = t.stderrTail[1:]
		}
		t.exitMu.Unlock()
	}
}

func (t *Transport) deliverResponse(env Envelope) {
	key := env.IDKey()
	t.mu.Lock()
	if t.completed.contains(key) {
		t.mu.Unlock()
		t.log.Debug("suppressing duplicate response", "id", key)
		return
	}
	w, ok := t.waiters[key]
	if ok {
		delete(t.waiters, key)
		t.completed.add(key)
	}
	t.mu.Unlock()
	if !ok {
		t.log.Warn("response for unknown request id", "id", key)
		return
	}
	w.resp <- env
}

func (t *Transport) deliverNotification(env Envelope) {
	note := decodeNotification(env)
	w := t.findWaiter(note.RequestID())
	if w != nil {
		w.addNote(note)
	} else {
		t.log.Debug("notification without a waiter", "method", note.Method)
	}
	t.emitEvent("provider.acp.notification.received", map[string]any{
		"provider_id": t.cfg.ProviderID,
		"method":      note.Method,
		"request_id":  note.RequestID(),
		"attributed":  w != nil,
	})
}

func (t *Transport) serveSideRequest(env Envelope) {
	note := decodeNotification(env)
	w := t.findWaiter(note.RequestID())
	if w != nil {
		// Side-request traffic also proves liveness for the sliding deadline.
		w.touch()
	}
	if w == nil || w.onSideRequest == nil {
		t.log.Warn("side-request has no handler", "method", env.Method)
		t.send(NewSideError(env.ID, -32601, "no handler for "+env.Method))
		return
	}
	// The handler may block on a human answer; never run it on the read
	// loop or notifications would stall behind it.
	go func() {
		result, err := w.onSideRequest(w.ctx, env.Method, env.Params)
		if err != nil {
			t.send(NewSideError(env.ID, -32000, err.Error()))
			return
		}
		resp, err := NewSideResponse(env.ID, result)
		if err != nil {
			t.log.Error("marshaling side-response failed", "method", env.Method, "error", err)
			t.send(NewSideError(env.ID, -32603, "side-response marshal failed"))
			return
		}
		t.send(resp)
	}()
}

// findWaiter resolves attribution for provider-initiated traffic: an
// explicit request_id in the params wins; otherwise the single in-flight
// prompt takes it. Two concurrent prompts make bare traffic ambiguous, so
// it is dropped rather than misattributed.
func (t *Transport) findWaiter(requestID string) *waiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if requestID != "" {
		return t.waiters[requestID]
	}
	var candidate *waiter
	for _, w := range t.waiters {
		if !w.sliding {
			continue
		}
		if candidate != nil {
			return nil
		}
		candidate = w
	}
	return candidate
}

func (t *Transport) heartbeatLoop() {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := t.pendingCount(); n > 0 {
				t.emitEvent("provider.acp.heartbeat", map[string]any{
					"provider_id": t.cfg.ProviderID,
					"pending":     n,
				})
			}
		case <-t.done:
			return
		case <-t.closing:
			return
		}
	}
}

func (t *Transport) emitEvent(eventType string, payload map[string]any) {
	if t.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := t.events.Append(ctx, eventlog.AppendInput{Type: eventType, Payload: payload}); err != nil {
		t.log.Error("appending transport event failed", "event_type", eventType, "error", err)
	}
}

func (t *Transport) exitError(op string) error {
	if t.reaped != nil {
		select {
		case <-t.reaped:
		case <-time.After(200 * time.Millisecond):
		}
	}
	t.exitMu.Lock()
	exitErr := t.exitErr
	tail := strings.Join(t.stderrTail, " | ")
	t.exitMu.Unlock()

	err := errors.New("provider process exited")
	if exitErr != nil {
		err = fmt.Errorf("provider process exited: %w", exitErr)
	}
	if tail != "" {
		err = fmt.Errorf("%w (stderr: %s)", err, tail)
	}
	return &TransportError{Op: op, Err: err}
}

// buildChildEnv assembles the provider environment: the allowlisted subset
// of the parent environment merged with the adapter vars. Adapter vars win
// on collision. Sorted for deterministic spawns.
func buildChildEnv(allowlist []string, extra map[string]string) []string {
	allowed := make(map[string]bool, len(allowlist))
	for _, name := range allowlist {
		allowed[name] = true
	}
	merged := make(map[string]string, len(allowlist)+len(extra))
	for _, kv := range os.Environ() {
		if name, value, ok := strings.Cut(kv, "="); ok && allowed[name] {
			merged[name] = value
		}
	}
	for name, value := range extra {
		merged[name] = value
	}
	env := make([]string, 0, len(merged))
	for name, value := range merged {
		env = append(env, name+"="+value)
	}
	sort.Strings(env)
	return env
}

// recentIDs is a fixed-capacity FIFO set of completed request ids used to
// suppress duplicate responses.
type recentIDs struct {
	capacity int
	order    []string
	set      map[string]struct{}
}

func newRecentIDs(capacity int) *recentIDs {
	return &recentIDs{capacity: capacity, set: make(map[string]struct{}, capacity)}
}

func (r *recentIDs) add(id string) {
	if _, ok := r.set[id]; ok {
		return
	}
	if len(r.order) == r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
	r.order = append(r.order, id)
	r.set[id] = struct{}{}
}

func (r *recentIDs) contains(id string) bool {
	_, ok := r.set[id]
	return ok
}
