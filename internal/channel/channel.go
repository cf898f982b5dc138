// Package channel defines the contract between the service orchestrator and
// a messaging channel adapter, plus a registry for the adapters a build
// ships with.
package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Inbound is one message received from the channel.
type Inbound struct {
	// EventID identifies the message on the channel (stable across polls).
	EventID string `json:"event_id"`
	// Cursor is the adapter's monotonic position for this message; the
	// orchestrator persists it so a restart resumes after the last one
	// it processed.
	Cursor     int64     `json:"cursor"`
	ContactID  string    `json:"contact_id"`
	ChatID     string    `json:"chat_id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Outbound is one message to deliver on the channel.
type Outbound struct {
	ContactID string `json:"contact_id"`
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
}

// BootstrapResult reports what Bootstrap prepared.
type BootstrapResult struct {
	// Cursor is the position of the newest message already on the channel;
	// listening starts after it so history is not replayed.
	Cursor int64  `json:"cursor"`
	Detail string `json:"detail,omitempty"`
}

// Health is a point-in-time listener health snapshot.
type Health struct {
	ListenerAlive bool      `json:"listener_alive"`
	Detail        string    `json:"detail,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

// PairingMatch identifies who sent an awaited pairing code.
type PairingMatch struct {
	ContactID string `json:"contact_id"`
	ChatID    string `json:"chat_id"`
}

// InboundFunc receives inbound messages from a running listener. The
// adapter calls it from its own goroutine, one message at a time.
type InboundFunc func(Inbound)

// Adapter is one messaging channel. Implementations own the platform
// specifics (transport, polling, send mechanics); the orchestrator only
// speaks this interface.
type Adapter interface {
	// ChannelName returns the channel identifier used in config and state
	// files, e.g. "imessage".
	ChannelName() string

	// Probe checks that the channel's prerequisites are met on this host
	// (platform, permissions, required binaries) without side effects.
	Probe(ctx context.Context) error

	// Bootstrap prepares the adapter for listening and returns the initial
	// inbound cursor.
	Bootstrap(ctx context.Context) (BootstrapResult, error)

	// StartListener begins delivering inbound messages newer than the
	// bootstrap cursor to cb. It returns once listening is underway.
	StartListener(ctx context.Context, cb InboundFunc) error

	// StopListener halts delivery and releases listener resources. Safe to
	// call when no listener runs.
	StopListener(ctx context.Context) error

	// SendMessage delivers one outbound message.
	SendMessage(ctx context.Context, out Outbound) error

	// NormalizeContactID canonicalizes a raw contact identifier so the same
	// sender always compares equal (case, whitespace, phone formatting).
	NormalizeContactID(raw string) string

	// SetTelemetrySink installs the sink for adapter-level telemetry.
	// A nil sink disables it.
	SetTelemetrySink(sink TelemetrySink)

	// SetChatScope restricts listening to one chat. An empty id clears the
	// scope.
	SetChatScope(chatID string)

	// PollForPairingCode scans the most recent maxChats conversations for a
	// message whose text is "/pair <code>" and returns the sender, or nil
	// when the code has not appeared yet.
	PollForPairingCode(ctx context.Context, code string, maxChats int) (*PairingMatch, error)

	// HealthSnapshot reports whether the listener is alive right now.
	HealthSnapshot() Health
}

// Registry holds the channel adapters a build ships with, keyed by name.
type Registry struct {
	mu       sync.Mutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Registering the same channel name twice is an
// error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.ChannelName()
	if _, ok := r.adapters[name]; ok {
		return fmt.Errorf("channel %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown channel %q (registered: %v)", name, r.names())
	}
	return a, nil
}

// Names lists the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.names()
}

func (r *Registry) names() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
