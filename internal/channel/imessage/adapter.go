//go:build darwin

package imessage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/perlica/perlica/internal/channel"
)

// After this many consecutive poll failures the listener declares itself
// dead so the supervisor restarts it.
const maxConsecutivePollErrors = 3

// Adapter reads inbound messages by polling the Messages database and sends
// replies through osascript.
type Adapter struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	db        *sql.DB
	cancel    context.CancelFunc
	sink      channel.TelemetrySink
	chatScope string
	alive     bool
	lastErr   string
	cursor    int64

	wg sync.WaitGroup
}

func New(opts Options, logger *slog.Logger) *Adapter {
	return &Adapter{
		opts: opts.withDefaults(),
		log:  logger.With("component", "channel."+Name),
	}
}

func (a *Adapter) ChannelName() string { return Name }

// Probe checks that the Messages database and osascript are reachable. A
// stat failure usually means Full Disk Access has not been granted.
func (a *Adapter) Probe(ctx context.Context) error {
	path := expandPath(a.opts.DatabasePath)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("messages database %s not readable (grant Full Disk Access in System Settings): %w", path, err)
	}
	if _, err := exec.LookPath("osascript"); err != nil {
		return fmt.Errorf("osascript not found: %w", err)
	}
	return nil
}

// Bootstrap opens the database read-only and records the newest existing
// row so listening starts after it.
func (a *Adapter) Bootstrap(ctx context.Context) (channel.BootstrapResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.openLocked(ctx); err != nil {
		return channel.BootstrapResult{}, err
	}

	var maxID sql.NullInt64
	if err := a.db.QueryRowContext(ctx, "SELECT MAX(ROWID) FROM message").Scan(&maxID); err != nil {
		return channel.BootstrapResult{}, fmt.Errorf("read newest message id: %w", err)
	}
	if maxID.Valid {
		a.cursor = maxID.Int64
	}
	return channel.BootstrapResult{
		Cursor: a.cursor,
		Detail: "watching " + expandPath(a.opts.DatabasePath),
	}, nil
}

func (a *Adapter) openLocked(ctx context.Context) error {
	if a.db != nil {
		return nil
	}
	path := expandPath(a.opts.DatabasePath)
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open messages database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping messages database: %w", err)
	}
	a.db = db
	return nil
}

// StartListener begins polling for rows newer than the current cursor and
// delivering them to cb from a dedicated goroutine.
func (a *Adapter) StartListener(ctx context.Context, cb channel.InboundFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.alive {
		return errors.New("listener already running")
	}
	if err := a.openLocked(ctx); err != nil {
		return err
	}

	pollCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.alive = true
	a.lastErr = ""
	a.log.Info("listener started", "cursor", a.cursor, "poll_interval", a.opts.PollInterval)

	a.wg.Add(1)
	go a.pollLoop(pollCtx, cb)
	return nil
}

// StopListener halts polling and closes the database handle. Safe to call
// when no listener runs.
func (a *Adapter) StopListener(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.alive = false
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context, cb channel.InboundFunc) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.pollOnce(ctx, cb); err != nil {
				failures++
				a.noteError(err)
				channel.Emit(a.telemetry(), channel.TelemetryPollError, map[string]any{"error": err.Error()})
				if failures >= maxConsecutivePollErrors {
					a.log.Error("listener giving up after repeated poll failures", "failures", failures, "error", err)
					a.markDead(err)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (a *Adapter) pollOnce(ctx context.Context, cb channel.InboundFunc) error {
	a.mu.Lock()
	db := a.db
	cursor := a.cursor
	scope := a.chatScope
	a.mu.Unlock()
	if db == nil {
		return errors.New("database closed")
	}

	query := `
		SELECT m.ROWID, m.guid, m.text, m.date, h.id, c.chat_identifier
		FROM message m
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
		LEFT JOIN chat c ON cmj.chat_id = c.ROWID
		WHERE m.ROWID > ? AND m.is_from_me = 0`
	args := []any{cursor}
	if scope != "" {
		query += " AND c.chat_identifier = ?"
		args = append(args, scope)
	}
	query += " ORDER BY m.ROWID ASC LIMIT 100"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("poll messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rowID int64
		var guid string
		var text, handleID, chatID sql.NullString
		var dateNano int64
		if err := rows.Scan(&rowID, &guid, &text, &dateNano, &handleID, &chatID); err != nil {
			return fmt.Errorf("scan message row: %w", err)
		}

		a.advanceCursor(rowID)
		if !text.Valid || strings.TrimSpace(text.String) == "" {
			continue // attachment-only rows
		}

		cb(channel.Inbound{
			EventID:    guid,
			Cursor:     rowID,
			ContactID:  normalizeContact(handleID.String),
			ChatID:     chatID.String,
			Text:       text.String,
			ReceivedAt: appleTimestampToTime(dateNano),
		})
	}
	return rows.Err()
}

func (a *Adapter) advanceCursor(rowID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rowID > a.cursor {
		a.cursor = rowID
	}
}

func (a *Adapter) noteError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastErr = err.Error()
}

func (a *Adapter) markDead(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alive = false
	a.lastErr = err.Error()
}

func (a *Adapter) telemetry() channel.TelemetrySink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sink
}

// SendMessage delivers text to the contact via the Messages app.
func (a *Adapter) SendMessage(ctx context.Context, out channel.Outbound) error {
	if out.ContactID == "" {
		return errors.New("outbound message has no contact id")
	}
	script := fmt.Sprintf(`
		tell application "Messages"
			set targetService to 1st account whose service type = iMessage
			set targetBuddy to participant %q of targetService
			send %q to targetBuddy
		end tell
	`, out.ContactID, escapeAppleScript(out.Text))

	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	if output, err := cmd.CombinedOutput(); err != nil {
		channel.Emit(a.telemetry(), channel.TelemetrySendFailed, map[string]any{
			"contact_id": out.ContactID,
			"error":      err.Error(),
		})
		return fmt.Errorf("send via osascript: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (a *Adapter) NormalizeContactID(raw string) string { return normalizeContact(raw) }

func (a *Adapter) SetTelemetrySink(sink channel.TelemetrySink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

func (a *Adapter) SetChatScope(chatID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chatScope = chatID
}

// PollForPairingCode scans inbound messages in the most recent maxChats
// conversations for "/pair <code>".
func (a *Adapter) PollForPairingCode(ctx context.Context, code string, maxChats int) (*channel.PairingMatch, error) {
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return nil, errors.New("adapter not bootstrapped")
	}
	if maxChats <= 0 {
		maxChats = 5
	}

	query := `
		SELECT m.text, h.id, c.chat_identifier
		FROM message m
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
		LEFT JOIN chat c ON cmj.chat_id = c.ROWID
		WHERE m.is_from_me = 0
			AND c.ROWID IN (SELECT ROWID FROM chat ORDER BY ROWID DESC LIMIT ?)
		ORDER BY m.ROWID DESC
		LIMIT 200`
	rows, err := db.QueryContext(ctx, query, maxChats)
	if err != nil {
		return nil, fmt.Errorf("scan for pairing code: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var text, handleID, chatID sql.NullString
		if err := rows.Scan(&text, &handleID, &chatID); err != nil {
			return nil, fmt.Errorf("scan pairing row: %w", err)
		}
		if text.Valid && matchesPairingCode(text.String, code) {
			return &channel.PairingMatch{
				ContactID: normalizeContact(handleID.String),
				ChatID:    chatID.String,
			}, nil
		}
	}
	return nil, rows.Err()
}

func (a *Adapter) HealthSnapshot() channel.Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return channel.Health{ListenerAlive: a.alive, Detail: a.lastErr, CheckedAt: time.Now()}
}
