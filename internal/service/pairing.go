// Package service bridges one messaging channel to the runner: pairing,
// contact binding, the inbound-to-reply loop, and listener supervision.
package service

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// PairingCodeLength is the number of characters in a pairing code.
	PairingCodeLength = 6
	// PairingCodeTTL is how long a generated code stays valid.
	PairingCodeTTL = 10 * time.Minute

	// pairingAlphabet avoids confusable characters (0/O, 1/I/L).
	pairingAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Pairing is the persisted single active pairing code for a channel.
type Pairing struct {
	Code          string `json:"code"`
	ActiveUntilMS int64  `json:"active_until_ms"`
}

// Active reports whether the code is still valid at t.
func (p Pairing) Active(t time.Time) bool {
	return p.Code != "" && t.UnixMilli() < p.ActiveUntilMS
}

// PairingStore persists at most one active pairing code per channel under
// the service state directory. A restart keeps the active code until it
// expires.
type PairingStore struct {
	dir  string
	now  func() time.Time
	rand io.Reader

	mu sync.Mutex
}

func NewPairingStore(dir string) *PairingStore {
	return &PairingStore{dir: dir, now: time.Now, rand: rand.Reader}
}

func (s *PairingStore) path(channelName string) string {
	return filepath.Join(s.dir, channelName+"-pairing.json")
}

// Active returns the channel's current code, or nil when none is active.
// An expired code is removed as a side effect.
func (s *PairingStore) Active(channelName string) (*Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(channelName)
}

func (s *PairingStore) activeLocked(channelName string) (*Pairing, error) {
	data, err := os.ReadFile(s.path(channelName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pairing state: %w", err)
	}
	var p Pairing
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pairing state: %w", err)
	}
	if !p.Active(s.now()) {
		if err := os.Remove(s.path(channelName)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove expired pairing code: %w", err)
		}
		return nil, nil
	}
	return &p, nil
}

// Activate returns the channel's active code, generating and persisting a
// fresh one when none is active.
func (s *PairingStore) Activate(channelName string) (Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.activeLocked(channelName); err != nil {
		return Pairing{}, err
	} else if existing != nil {
		return *existing, nil
	}

	code, err := randomCode(s.rand, PairingCodeLength)
	if err != nil {
		return Pairing{}, fmt.Errorf("generate pairing code: %w", err)
	}
	p := Pairing{Code: code, ActiveUntilMS: s.now().Add(PairingCodeTTL).UnixMilli()}
	if err := writeJSONAtomic(s.path(channelName), p); err != nil {
		return Pairing{}, fmt.Errorf("persist pairing code: %w", err)
	}
	return p, nil
}

// Consume checks code against the channel's active code and, on a match,
// removes it so it cannot be used twice.
func (s *PairingStore) Consume(channelName, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.activeLocked(channelName)
	if err != nil {
		return false, err
	}
	if p == nil || !strings.EqualFold(strings.TrimSpace(code), p.Code) {
		return false, nil
	}
	if err := os.Remove(s.path(channelName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("consume pairing code: %w", err)
	}
	return true, nil
}

// Reset discards any active code for the channel.
func (s *PairingStore) Reset(channelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(channelName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reset pairing: %w", err)
	}
	return nil
}

func randomCode(r io.Reader, length int) (string, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i := range buf {
		out[i] = pairingAlphabet[int(buf[i])%len(pairingAlphabet)]
	}
	return string(out), nil
}

// parsePairingCommand extracts the code from a "/pair <CODE>" message.
func parsePairingCommand(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "/pair") {
		return "", false
	}
	return fields[1], true
}
