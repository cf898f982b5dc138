package approval

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perlica/perlica/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "approvals.db"), database.SchemaApprovals)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDecisionAuditRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := Decision{
		ToolName:  "shell.exec",
		RiskTier:  RiskMedium,
		CallID:    "call-1",
		RunID:     "run-1",
		Decision:  "denied",
		Reason:    "looked dangerous",
		DecidedAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.RecordDecision(ctx, first))
	require.NoError(t, store.RecordDecision(ctx, Decision{
		ToolName: "shell.exec",
		RiskTier: RiskLow,
		CallID:   "call-2",
		Decision: "granted",
	}))
	require.NoError(t, store.RecordDecision(ctx, Decision{
		ToolName: "other.tool",
		RiskTier: RiskLow,
		Decision: "granted",
	}))

	decisions, err := store.ListDecisions(ctx, "shell.exec", 0)
	require.NoError(t, err)
	require.Len(t, decisions, 2)

	// Newest first.
	assert.Equal(t, "call-2", decisions[0].CallID)
	assert.Equal(t, "granted", decisions[0].Decision)
	assert.NotEmpty(t, decisions[0].ID)

	assert.Equal(t, "call-1", decisions[1].CallID)
	assert.Equal(t, "denied", decisions[1].Decision)
	assert.Equal(t, "looked dangerous", decisions[1].Reason)
	assert.Equal(t, "run-1", decisions[1].RunID)
	assert.Equal(t, RiskMedium, decisions[1].RiskTier)

	all, err := store.ListDecisions(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := store.ListDecisions(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRiskTierRanking(t *testing.T) {
	assert.Greater(t, RiskHigh.Rank(), RiskMedium.Rank())
	assert.Greater(t, RiskMedium.Rank(), RiskLow.Rank())
	assert.False(t, Policy("whatever").Valid())
	assert.True(t, PolicyAlwaysDeny.Valid())
}
