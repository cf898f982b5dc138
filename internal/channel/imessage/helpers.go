// Package imessage implements the iMessage channel adapter. It reads
// inbound messages from the macOS Messages database and sends replies via
// AppleScript; on other platforms the adapter fails its probe.
package imessage

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Name is the channel identifier used in config and state files.
const Name = "imessage"

// Options configures the adapter.
type Options struct {
	// DatabasePath is the Messages database. Empty means the default
	// ~/Library/Messages/chat.db.
	DatabasePath string
	// PollInterval is how often the database is polled for new rows.
	// Zero means one second.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.DatabasePath == "" {
		o.DatabasePath = "~/Library/Messages/chat.db"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

// expandPath expands a leading ~/ to the user home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// normalizeContact canonicalizes a handle so the same sender always
// compares equal: e-mail addresses lowercase, phone numbers stripped of
// formatting with the leading + preserved.
func normalizeContact(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" || strings.Contains(s, "@") {
		return s
	}
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// formatting only
		default:
			// not a phone number; keep the raw form
			return s
		}
	}
	return b.String()
}

// escapeAppleScript escapes a string literal for embedding in AppleScript.
func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return s
}

// appleTimestampToTime converts a Messages date value, nanoseconds since
// 2001-01-01 00:00:00 UTC, to a time.Time.
func appleTimestampToTime(nano int64) time.Time {
	appleEpoch := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	return appleEpoch.Add(time.Duration(nano) * time.Nanosecond)
}

// matchesPairingCode reports whether an inbound text is the pairing command
// for code. Matching is whitespace-tolerant and case-insensitive.
func matchesPairingCode(text, code string) bool {
	fields := strings.Fields(text)
	return len(fields) == 2 &&
		strings.EqualFold(fields[0], "/pair") &&
		strings.EqualFold(fields[1], code)
}
