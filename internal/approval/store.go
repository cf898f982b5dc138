// Package approval persists per-context approval policies and an audit trail
// of approval decisions.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Policy is the stored stance for a (tool, risk tier) pair.
type Policy string

const (
	PolicyAsk         Policy = "ask"
	PolicyAlwaysAllow Policy = "always_allow"
	PolicyAlwaysDeny  Policy = "always_deny"
)

// Valid reports whether p is a recognized policy value.
func (p Policy) Valid() bool {
	switch p {
	case PolicyAsk, PolicyAlwaysAllow, PolicyAlwaysDeny:
		return true
	}
	return false
}

// RiskTier is the coarse risk classification used for policy lookup.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Valid reports whether r is a known tier.
func (r RiskTier) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Rank orders tiers for escalation comparisons.
func (r RiskTier) Rank() int {
	switch r {
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	default:
		return 1
	}
}

// Record is one stored policy row.
type Record struct {
	ToolName  string
	RiskTier  RiskTier
	Policy    Policy
	UpdatedAt time.Time
}

// Decision is one audit entry for a resolved approval.
type Decision struct {
	ID        string
	ToolName  string
	RiskTier  RiskTier
	CallID    string
	RunID     string
	Decision  string // "granted" or "denied"
	Reason    string
	DecidedAt time.Time
}

// Store wraps the approvals database.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, log: logger.With("component", "approval-store")}
}

// SetPolicy upserts the policy for (tool, tier).
func (s *Store) SetPolicy(ctx context.Context, toolName string, tier RiskTier, policy Policy) error {
	if !policy.Valid() {
		return fmt.Errorf("invalid policy %q", policy)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (tool_name, risk_tier, policy, updated_at_ms) VALUES (?, ?, ?, ?)
		 ON CONFLICT (tool_name, risk_tier) DO UPDATE SET policy = excluded.policy, updated_at_ms = excluded.updated_at_ms`,
		toolName, string(tier), string(policy), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("setting policy: %w", err)
	}
	return nil
}

// GetPolicy returns the stored policy for (tool, tier), defaulting to ask.
func (s *Store) GetPolicy(ctx context.Context, toolName string, tier RiskTier) (Policy, error) {
	var p string
	err := s.db.QueryRowContext(ctx,
		"SELECT policy FROM policies WHERE tool_name = ? AND risk_tier = ?",
		toolName, string(tier),
	).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return PolicyAsk, nil
	}
	if err != nil {
		return "", fmt.Errorf("getting policy: %w", err)
	}
	return Policy(p), nil
}

// ListPolicies returns all stored policies ordered by tool then tier.
func (s *Store) ListPolicies(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tool_name, risk_tier, policy, updated_at_ms FROM policies ORDER BY tool_name, risk_tier")
	if err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec  Record
			tsMS int64
		)
		if err := rows.Scan(&rec.ToolName, &rec.RiskTier, &rec.Policy, &tsMS); err != nil {
			return nil, fmt.Errorf("scanning policy: %w", err)
		}
		rec.UpdatedAt = time.UnixMilli(tsMS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordDecision appends one audit entry.
func (s *Store) RecordDecision(ctx context.Context, d Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (approval_id, tool_name, risk_tier, call_id, run_id, decision, reason, decided_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ToolName, string(d.RiskTier), nullStr(d.CallID), nullStr(d.RunID),
		d.Decision, nullStr(d.Reason), d.DecidedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording approval decision: %w", err)
	}
	return nil
}

// ListDecisions returns the newest audit entries, optionally filtered by tool.
func (s *Store) ListDecisions(ctx context.Context, toolName string, limit int) ([]Decision, error) {
	query := "SELECT approval_id, tool_name, risk_tier, call_id, run_id, decision, reason, decided_at_ms FROM approvals"
	var args []any
	if toolName != "" {
		query += " WHERE tool_name = ?"
		args = append(args, toolName)
	}
	query += " ORDER BY decided_at_ms DESC, approval_id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing approval decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var (
			d                    Decision
			callID, runID, reason sql.NullString
			tsMS                 int64
		)
		if err := rows.Scan(&d.ID, &d.ToolName, &d.RiskTier, &callID, &runID, &d.Decision, &reason, &tsMS); err != nil {
			return nil, fmt.Errorf("scanning approval decision: %w", err)
		}
		d.CallID = callID.String
		d.RunID = runID.String
		d.Reason = reason.String
		d.DecidedAt = time.UnixMilli(tsMS)
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
