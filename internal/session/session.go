// Package session persists sessions, their ordered messages, and compaction
// summaries, and tracks the current session per context.
package session

import (
	"errors"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrProviderLocked  = errors.New("session is locked to a different provider")
	ErrAmbiguousRef    = errors.New("session ref matches more than one session")
	ErrRefTooShort     = errors.New("session ref is too short to be a prefix")
	ErrCurrentSession  = errors.New("the current session cannot be deleted")
)

// Session is one conversation. It stays ephemeral until saved; unsaved
// ephemerals older than process startup are eligible for cleanup.
type Session struct {
	ID             string
	ContextID      string
	Name           string
	ProviderLocked string
	IsEphemeral    bool
	CreatedAt      time.Time
	LastUsedAt     time.Time
	SavedAt        time.Time // zero while unsaved
}

// Saved reports whether the session has been persisted by the user.
func (s Session) Saved() bool { return !s.SavedAt.IsZero() }

// Message is one entry in a session transcript. Seq is assigned atomically
// on append and is strictly increasing without gaps per session.
type Message struct {
	SessionID string
	Seq       int64
	Role      string
	Content   map[string]any
	RunID     string
	TS        time.Time
}

// Summary is a compaction of all messages with seq <= CoveredUptoSeq. The
// latest summary wins when more than one exists.
type Summary struct {
	ID             string
	SessionID      string
	CoveredUptoSeq int64
	Text           string
	CreatedAt      time.Time
}

// ClearReport is returned by ClearContext.
type ClearReport struct {
	DeletedMessages  int64 `json:"deleted_messages"`
	DeletedSummaries int64 `json:"deleted_summaries"`
	TotalDeleted     int64 `json:"total_deleted"`
}

// DropReport is returned by DropByProvider.
type DropReport struct {
	Sessions  int64 `json:"sessions"`
	Messages  int64 `json:"messages"`
	Summaries int64 `json:"summaries"`
	Pointers  int64 `json:"pointers"`
}
