package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perlica/perlica/internal/config"
	"github.com/perlica/perlica/internal/llm"
	"github.com/perlica/perlica/internal/session"
)

// seedConversation creates a current session with enough transcript to
// blow a tiny context budget.
func seedConversation(t *testing.T, f *fixture, messages int) session.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, session.CreateParams{ContextID: testContext})
	require.NoError(t, err)
	require.NoError(t, f.sessions.SetCurrent(ctx, testContext, sess.ID))

	for i := 0; i < messages; i++ {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		text := fmt.Sprintf("message %d about the ongoing refactor of the parser "+
			"module and the open questions we still need to settle before shipping", i+1)
		_, err := f.sessions.AppendMessage(ctx, sess.ID, role, map[string]any{"text": text}, "")
		require.NoError(t, err)
	}
	return sess
}

func tinyBudget(cfg *config.Config) {
	cfg.Runtime.ProviderContextWindows["fake"] = 100
}

func TestCompactionSummarizesOlderHistory(t *testing.T) {
	f := newFixture(t, tinyBudget)
	sess := seedConversation(t, f, 10)

	f.provider.script = []step{
		{resp: textResponse("they are refactoring the parser and settling open questions")},
		{resp: textResponse("final answer")},
	}

	out, err := f.runner.Run(context.Background(), Input{Text: "and now?"})
	require.NoError(t, err)
	assert.True(t, out.Compacted)
	assert.Equal(t, "final answer", out.AssistantText)
	assert.Equal(t, sess.ID, out.SessionID)

	// Seeded 10 messages plus the new user one; all but the last 4 are
	// covered by the summary.
	summary, err := f.sessions.LatestSummary(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, int64(7), summary.CoveredUptoSeq)
	assert.Contains(t, summary.Text, "refactoring the parser")

	reqs := f.provider.recorded()
	require.Len(t, reqs, 2)

	// First call is the summary request.
	sumReq := reqs[0]
	assert.Equal(t, summaryInstruction, sumReq.Messages[0].Content)
	assert.Equal(t, llm.RoleUser, sumReq.Messages[len(sumReq.Messages)-1].Role)
	// system instruction + 7 covered messages + closing user ask
	assert.Len(t, sumReq.Messages, 9)

	// Second call replays the summary plus only the kept tail.
	turnReq := reqs[1]
	require.Greater(t, len(turnReq.Messages), 2)
	assert.Contains(t, turnReq.Messages[1].Content, "Summary of the conversation so far:")
	assert.Contains(t, turnReq.Messages[1].Content, "refactoring the parser")
	var replayed int
	for _, m := range turnReq.Messages {
		if strings.HasPrefix(m.Content, "message ") {
			replayed++
		}
	}
	assert.Equal(t, 3, replayed) // seqs 8..10; seq 11 is the new user text
	assert.Equal(t, "and now?", turnReq.Messages[len(turnReq.Messages)-1].Content)

	payload := f.events.payloadOf("session.compacted")
	require.NotNil(t, payload)
	assert.Equal(t, int64(7), payload["covered_upto_seq"])
}

func TestCompactionRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, tinyBudget)
	seedConversation(t, f, 10)

	f.provider.script = []step{
		{err: errors.New("summary transport hiccup")},
		{resp: textResponse("second try summary")},
		{resp: textResponse("final answer")},
	}

	out, err := f.runner.Run(context.Background(), Input{Text: "next"})
	require.NoError(t, err)
	assert.True(t, out.Compacted)

	payload := f.events.payloadOf("session.compacted")
	require.NotNil(t, payload)
	assert.Equal(t, 2, payload["attempt"])
}

func TestCompactionExhaustionDegradesToFullHistory(t *testing.T) {
	f := newFixture(t, tinyBudget)
	sess := seedConversation(t, f, 10)

	f.provider.script = []step{
		{err: errors.New("no summary for you")},
		{resp: llm.Response{AssistantText: "", FinishReason: llm.FinishStop}},
		{resp: textResponse("final answer despite no summary")},
	}

	out, err := f.runner.Run(context.Background(), Input{Text: "next"})
	require.NoError(t, err)
	assert.False(t, out.Compacted)
	assert.Equal(t, "final answer despite no summary", out.AssistantText)

	summary, err := f.sessions.LatestSummary(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Nil(t, summary)
	assert.NotEqual(t, -1, f.events.indexOf("session.compaction.failed"))

	// The turn request still carried the full transcript.
	reqs := f.provider.recorded()
	require.Len(t, reqs, 3)
	var replayed int
	for _, m := range reqs[2].Messages {
		if strings.HasPrefix(m.Content, "message ") {
			replayed++
		}
	}
	assert.Equal(t, 10, replayed)
}

func TestCompactionSkippedWhenTooFewMessages(t *testing.T) {
	f := newFixture(t, tinyBudget)
	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, session.CreateParams{ContextID: testContext})
	require.NoError(t, err)
	require.NoError(t, f.sessions.SetCurrent(ctx, testContext, sess.ID))

	// Three long seeded messages blow the budget but leave nothing to
	// cover once the most recent four are kept.
	for i := 0; i < 3; i++ {
		_, err := f.sessions.AppendMessage(ctx, sess.ID, session.RoleUser, map[string]any{
			"text": strings.Repeat("long context payload ", 20),
		}, "")
		require.NoError(t, err)
	}

	f.provider.script = []step{{resp: textResponse("ok")}}
	out, err := f.runner.Run(ctx, Input{Text: "hi"})
	require.NoError(t, err)
	assert.False(t, out.Compacted)
	assert.Len(t, f.provider.recorded(), 1)
}
