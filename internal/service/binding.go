package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Binding records which contact a channel is bound to and where the inbound
// cursor stands. One binding per channel, persisted as JSON.
type Binding struct {
	Channel     string `json:"channel"`
	Paired      bool   `json:"paired"`
	ContactID   string `json:"contact_id,omitempty"`
	ChatID      string `json:"chat_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	PairedAtMS  int64  `json:"paired_at_ms,omitempty"`
	UpdatedAtMS int64  `json:"updated_at_ms"`
	// LastEventID is the adapter cursor of the last processed inbound;
	// anything at or below it is a duplicate after a restart.
	LastEventID int64 `json:"last_event_id,omitempty"`
}

// BindingStore persists per-channel bindings under the service state
// directory.
type BindingStore struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

func NewBindingStore(dir string) *BindingStore {
	return &BindingStore{dir: dir, now: time.Now}
}

func (s *BindingStore) path(channelName string) string {
	return filepath.Join(s.dir, channelName+"-binding.json")
}

// Load returns the channel's binding. A missing file yields an unpaired
// zero binding for the channel.
func (s *BindingStore) Load(channelName string) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(channelName))
	if errors.Is(err, os.ErrNotExist) {
		return Binding{Channel: channelName}, nil
	}
	if err != nil {
		return Binding{}, fmt.Errorf("read binding state: %w", err)
	}
	var b Binding
	if err := json.Unmarshal(data, &b); err != nil {
		return Binding{}, fmt.Errorf("parse binding state: %w", err)
	}
	if b.Channel == "" {
		b.Channel = channelName
	}
	return b, nil
}

// Save persists the binding, stamping updated_at_ms.
func (s *BindingStore) Save(b Binding) error {
	if b.Channel == "" {
		return errors.New("binding has no channel")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b.UpdatedAtMS = s.now().UnixMilli()
	if err := writeJSONAtomic(s.path(b.Channel), b); err != nil {
		return fmt.Errorf("persist binding: %w", err)
	}
	return nil
}

// Reset removes the channel's binding.
func (s *BindingStore) Reset(channelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(channelName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reset binding: %w", err)
	}
	return nil
}

// writeJSONAtomic writes payload as indented JSON via a temp file rename so
// readers never observe a partial file.
func writeJSONAtomic(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
