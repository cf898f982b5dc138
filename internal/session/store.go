package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Store wraps a sessions database. All mutation goes through its methods;
// the single-connection sqlite handle serializes writers.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, log: logger.With("component", "session-store")}
}

// CreateParams configures Create.
type CreateParams struct {
	ContextID      string
	Name           string
	ProviderLocked string
	IsEphemeral    bool
}

// Create inserts a new session and returns it.
func (s *Store) Create(ctx context.Context, p CreateParams) (Session, error) {
	now := time.Now()
	sess := Session{
		ID:             uuid.NewString(),
		ContextID:      p.ContextID,
		Name:           p.Name,
		ProviderLocked: p.ProviderLocked,
		IsEphemeral:    p.IsEphemeral,
		CreatedAt:      now,
		LastUsedAt:     now,
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (
		session_id, context_id, name, provider_locked, is_ephemeral,
		created_at_ms, last_used_at_ms, saved_at_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		sess.ID, sess.ContextID, nullStr(sess.Name), nullStr(sess.ProviderLocked),
		boolInt(sess.IsEphemeral), sess.CreatedAt.UnixMilli(), sess.LastUsedAt.UnixMilli(),
	)
	if err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// Get returns one session by id.
func (s *Store) Get(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, selectSession+" WHERE session_id = ?", sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("getting session %q: %w", sessionID, err)
	}
	return sess, nil
}

// List returns sessions for a context, newest-used first. Ephemeral sessions
// are hidden unless includeEphemeral is set.
func (s *Store) List(ctx context.Context, contextID string, includeEphemeral bool) ([]Session, error) {
	query := selectSession + " WHERE context_id = ?"
	if !includeEphemeral {
		query += " AND is_ephemeral = 0"
	}
	query += " ORDER BY last_used_at_ms DESC"

	rows, err := s.db.QueryContext(ctx, query, contextID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// LockProvider sets the provider lock if unset. Locking to the already-held
// provider is a no-op; locking to a different one fails with
// ErrProviderLocked and leaves the lock unchanged.
func (s *Store) LockProvider(ctx context.Context, sessionID, providerID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ProviderLocked != "" {
		if sess.ProviderLocked == providerID {
			return nil
		}
		return fmt.Errorf("session %q is locked to %q: %w", sessionID, sess.ProviderLocked, ErrProviderLocked)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET provider_locked = ? WHERE session_id = ? AND provider_locked IS NULL",
		providerID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("locking provider: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		// Lost a race with another lock; re-read to report the holder.
		sess, err := s.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.ProviderLocked == providerID {
			return nil
		}
		return fmt.Errorf("session %q is locked to %q: %w", sessionID, sess.ProviderLocked, ErrProviderLocked)
	}
	return nil
}

// AppendMessage assigns the next seq atomically and bumps last_used_at_ms.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role string, content map[string]any, runID string) (Message, error) {
	if content == nil {
		content = map[string]any{}
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return Message{}, fmt.Errorf("encoding message content: %w", err)
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE session_id = ?", sessionID).Scan(&exists); err != nil {
		return Message{}, fmt.Errorf("checking session: %w", err)
	}
	if exists == 0 {
		return Message{}, fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM session_messages WHERE session_id = ?", sessionID,
	).Scan(&seq)
	if err != nil {
		return Message{}, fmt.Errorf("assigning seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO session_messages (
		session_id, seq, role, content, run_id, ts_ms
	) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, seq, role, string(encoded), nullStr(runID), now.UnixMilli(),
	)
	if err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE sessions SET last_used_at_ms = ? WHERE session_id = ?",
		now.UnixMilli(), sessionID,
	)
	if err != nil {
		return Message{}, fmt.Errorf("updating last_used_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("committing append: %w", err)
	}

	return Message{
		SessionID: sessionID,
		Seq:       seq,
		Role:      role,
		Content:   content,
		RunID:     runID,
		TS:        now,
	}, nil
}

// ListMessages returns all messages in seq order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	return s.listMessages(ctx, sessionID, 0)
}

// ListMessagesAfter returns messages with seq > afterSeq in seq order.
func (s *Store) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64) ([]Message, error) {
	return s.listMessages(ctx, sessionID, afterSeq)
}

func (s *Store) listMessages(ctx context.Context, sessionID string, afterSeq int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, role, content, run_id, ts_ms
		 FROM session_messages WHERE session_id = ? AND seq > ? ORDER BY seq ASC`,
		sessionID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			content string
			runID   sql.NullString
			tsMS    int64
		)
		if err := rows.Scan(&m.SessionID, &m.Seq, &m.Role, &content, &runID, &tsMS); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("decoding message content: %w", err)
		}
		m.RunID = runID.String
		m.TS = time.UnixMilli(tsMS)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddSummary stores a new compaction summary.
func (s *Store) AddSummary(ctx context.Context, sessionID string, coveredUptoSeq int64, text string) (Summary, error) {
	sum := Summary{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		CoveredUptoSeq: coveredUptoSeq,
		Text:           text,
		CreatedAt:      time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO session_summaries (
		summary_id, session_id, covered_upto_seq, summary_text, created_at_ms
	) VALUES (?, ?, ?, ?, ?)`,
		sum.ID, sum.SessionID, sum.CoveredUptoSeq, sum.Text, sum.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Summary{}, fmt.Errorf("adding summary: %w", err)
	}
	return sum, nil
}

// LatestSummary returns the most recent summary, or nil when none exists.
func (s *Store) LatestSummary(ctx context.Context, sessionID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT summary_id, session_id, covered_upto_seq, summary_text, created_at_ms
		 FROM session_summaries WHERE session_id = ?
		 ORDER BY created_at_ms DESC, rowid DESC LIMIT 1`, sessionID,
	)
	var (
		sum  Summary
		tsMS int64
	)
	err := row.Scan(&sum.ID, &sum.SessionID, &sum.CoveredUptoSeq, &sum.Text, &tsMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest summary: %w", err)
	}
	sum.CreatedAt = time.UnixMilli(tsMS)
	return &sum, nil
}

// SetCurrent points the context at sessionID.
func (s *Store) SetCurrent(ctx context.Context, contextID, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ContextID != contextID {
		return fmt.Errorf("session %q belongs to context %q: %w", sessionID, sess.ContextID, ErrSessionNotFound)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_state (context_id, current_session_id) VALUES (?, ?)
		 ON CONFLICT (context_id) DO UPDATE SET current_session_id = excluded.current_session_id`,
		contextID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("setting current session: %w", err)
	}
	return nil
}

// Current returns the current session id for a context, or "" when unset.
func (s *Store) Current(ctx context.Context, contextID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT current_session_id FROM session_state WHERE context_id = ?", contextID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting current session: %w", err)
	}
	return id, nil
}

// minPrefixLen is the shortest session-id prefix ResolveRef accepts.
const minPrefixLen = 4

// ResolveRef resolves a user-supplied session reference: full id first, then
// unique id prefix (at least minPrefixLen chars), then exact name.
func (s *Store) ResolveRef(ctx context.Context, contextID, ref string) (Session, error) {
	if ref == "" {
		return Session{}, fmt.Errorf("empty session ref: %w", ErrSessionNotFound)
	}

	row := s.db.QueryRowContext(ctx, selectSession+" WHERE context_id = ? AND session_id = ?", contextID, ref)
	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("resolving session ref: %w", err)
	}

	if len(ref) >= minPrefixLen {
		matches, err := s.collect(ctx, selectSession+" WHERE context_id = ? AND session_id LIKE ? LIMIT 2", contextID, ref+"%")
		if err != nil {
			return Session{}, err
		}
		switch len(matches) {
		case 1:
			return matches[0], nil
		case 0:
			// fall through to name lookup
		default:
			return Session{}, fmt.Errorf("prefix %q: %w", ref, ErrAmbiguousRef)
		}
	}

	matches, err := s.collect(ctx, selectSession+" WHERE context_id = ? AND name = ? LIMIT 2", contextID, ref)
	if err != nil {
		return Session{}, err
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		if len(ref) < minPrefixLen {
			return Session{}, fmt.Errorf("ref %q: %w", ref, ErrRefTooShort)
		}
		return Session{}, fmt.Errorf("ref %q: %w", ref, ErrSessionNotFound)
	default:
		return Session{}, fmt.Errorf("name %q: %w", ref, ErrAmbiguousRef)
	}
}

// Save clears the ephemeral flag, stamps saved_at_ms, and optionally names
// the session.
func (s *Store) Save(ctx context.Context, sessionID, name string) error {
	query := "UPDATE sessions SET is_ephemeral = 0, saved_at_ms = ?"
	args := []any{time.Now().UnixMilli()}
	if name != "" {
		query += ", name = ?"
		args = append(args, name)
	}
	query += " WHERE session_id = ?"
	args = append(args, sessionID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	return nil
}

// Discard deletes a session and its messages and summaries. Deleting the
// current session is refused.
func (s *Store) Discard(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	current, err := s.Current(ctx, sess.ContextID)
	if err != nil {
		return err
	}
	if current == sessionID {
		return fmt.Errorf("session %q: %w", sessionID, ErrCurrentSession)
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("discarding session: %w", err)
	}
	return nil
}

// CleanupUnsavedEphemeral removes unsaved ephemeral sessions created before
// the cutoff (normally process startup), except the current one. Dependent
// messages and summaries cascade.
func (s *Store) CleanupUnsavedEphemeral(ctx context.Context, contextID string, before time.Time) (int64, error) {
	current, err := s.Current(ctx, contextID)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions
		 WHERE context_id = ? AND is_ephemeral = 1 AND saved_at_ms IS NULL
		   AND created_at_ms < ? AND session_id != ?`,
		contextID, before.UnixMilli(), current,
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up ephemeral sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.log.Debug("removed unsaved ephemeral sessions", "context_id", contextID, "count", n)
	}
	return n, nil
}

// ClearContext removes a session's messages and summaries; the session row,
// its name, and the provider lock stay.
func (s *Store) ClearContext(ctx context.Context, sessionID string) (ClearReport, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return ClearReport{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ClearReport{}, fmt.Errorf("beginning clear: %w", err)
	}
	defer tx.Rollback()

	var report ClearReport
	res, err := tx.ExecContext(ctx, "DELETE FROM session_messages WHERE session_id = ?", sessionID)
	if err != nil {
		return ClearReport{}, fmt.Errorf("clearing messages: %w", err)
	}
	if report.DeletedMessages, err = res.RowsAffected(); err != nil {
		return ClearReport{}, fmt.Errorf("checking rows affected: %w", err)
	}

	res, err = tx.ExecContext(ctx, "DELETE FROM session_summaries WHERE session_id = ?", sessionID)
	if err != nil {
		return ClearReport{}, fmt.Errorf("clearing summaries: %w", err)
	}
	if report.DeletedSummaries, err = res.RowsAffected(); err != nil {
		return ClearReport{}, fmt.Errorf("checking rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ClearReport{}, fmt.Errorf("committing clear: %w", err)
	}
	report.TotalDeleted = report.DeletedMessages + report.DeletedSummaries
	return report, nil
}

// DropByProvider deletes every session locked to providerID, their messages
// and summaries, and any current-session pointers at them.
func (s *Store) DropByProvider(ctx context.Context, providerID string) (DropReport, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DropReport{}, fmt.Errorf("beginning drop: %w", err)
	}
	defer tx.Rollback()

	var report DropReport
	count := func(query string) (int64, error) {
		var n int64
		err := tx.QueryRowContext(ctx, query, providerID).Scan(&n)
		return n, err
	}
	if report.Messages, err = count(
		`SELECT COUNT(*) FROM session_messages WHERE session_id IN
		 (SELECT session_id FROM sessions WHERE provider_locked = ?)`); err != nil {
		return DropReport{}, fmt.Errorf("counting messages: %w", err)
	}
	if report.Summaries, err = count(
		`SELECT COUNT(*) FROM session_summaries WHERE session_id IN
		 (SELECT session_id FROM sessions WHERE provider_locked = ?)`); err != nil {
		return DropReport{}, fmt.Errorf("counting summaries: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM session_state WHERE current_session_id IN
		 (SELECT session_id FROM sessions WHERE provider_locked = ?)`, providerID)
	if err != nil {
		return DropReport{}, fmt.Errorf("dropping pointers: %w", err)
	}
	if report.Pointers, err = res.RowsAffected(); err != nil {
		return DropReport{}, fmt.Errorf("checking rows affected: %w", err)
	}

	res, err = tx.ExecContext(ctx, "DELETE FROM sessions WHERE provider_locked = ?", providerID)
	if err != nil {
		return DropReport{}, fmt.Errorf("dropping sessions: %w", err)
	}
	if report.Sessions, err = res.RowsAffected(); err != nil {
		return DropReport{}, fmt.Errorf("checking rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return DropReport{}, fmt.Errorf("committing drop: %w", err)
	}
	return report, nil
}

const selectSession = `SELECT session_id, context_id, name, provider_locked,
	is_ephemeral, created_at_ms, last_used_at_ms, saved_at_ms FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess                  Session
		name, providerLocked  sql.NullString
		ephemeral             int
		createdMS, lastUsedMS int64
		savedMS               sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.ContextID, &name, &providerLocked,
		&ephemeral, &createdMS, &lastUsedMS, &savedMS)
	if err != nil {
		return Session{}, err
	}
	sess.Name = name.String
	sess.ProviderLocked = providerLocked.String
	sess.IsEphemeral = ephemeral != 0
	sess.CreatedAt = time.UnixMilli(createdMS)
	sess.LastUsedAt = time.UnixMilli(lastUsedMS)
	if savedMS.Valid {
		sess.SavedAt = time.UnixMilli(savedMS.Int64)
	}
	return sess, nil
}

func (s *Store) collect(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
