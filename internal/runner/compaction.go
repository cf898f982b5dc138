package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/perlica/perlica/internal/llm"
	"github.com/perlica/perlica/internal/session"
	"github.com/perlica/perlica/internal/tokens"
)

// keepRecentMessages is how many trailing messages stay verbatim after a
// compaction; everything earlier folds into the summary.
const keepRecentMessages = 4

const summaryInstruction = "You compact conversation history. Write a summary " +
	"of the conversation below that preserves facts, decisions, open tasks, " +
	"file paths, and tool outcomes the assistant will need to continue. " +
	"Reply with the summary text only."

// compactIfNeeded summarizes older history when the request estimate
// exceeds the provider's context budget. Failure to compact degrades to
// running with the full history rather than failing the turn.
func (r *Runner) compactIfNeeded(ctx context.Context, sess session.Session, prov llm.Provider, req llm.Request, runID string) (bool, error) {
	estimate := tokens.EstimateRequest(req)
	window := r.cfg.ContextWindow(prov.ID())
	budget := int(r.cfg.Runtime.ContextBudgetRatio * float64(window))
	if estimate <= budget {
		return false, nil
	}
	r.log.Info("context budget exceeded, compacting",
		"run_id", runID, "estimated_tokens", estimate, "budget", budget)

	summary, err := r.sessions.LatestSummary(ctx, sess.ID)
	if err != nil {
		return false, err
	}
	afterSeq := int64(0)
	if summary != nil {
		afterSeq = summary.CoveredUptoSeq
	}
	history, err := r.sessions.ListMessagesAfter(ctx, sess.ID, afterSeq)
	if err != nil {
		return false, err
	}
	if len(history) <= keepRecentMessages {
		r.log.Warn("over budget but too few messages to compact",
			"run_id", runID, "messages", len(history))
		return false, nil
	}

	covered := history[:len(history)-keepRecentMessages]
	coveredUpto := covered[len(covered)-1].Seq
	sumReq := summaryRequest(sess.ID, summary, covered)

	attempts := r.cfg.Runtime.MaxSummaryAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := prov.Generate(ctx, sumReq)
		if err != nil {
			r.log.Warn("summary attempt failed",
				"run_id", runID, "attempt", attempt, "error", err)
			continue
		}
		text := strings.TrimSpace(resp.AssistantText)
		if text == "" {
			r.log.Warn("summary attempt returned no text", "run_id", runID, "attempt", attempt)
			continue
		}
		if _, err := r.sessions.AddSummary(ctx, sess.ID, coveredUpto, text); err != nil {
			return false, fmt.Errorf("persisting summary: %w", err)
		}
		r.emit(ctx, "session.compacted", runID, map[string]any{
			"run_id":           runID,
			"session_id":       sess.ID,
			"covered_upto_seq": coveredUpto,
			"attempt":          attempt,
			"estimated_tokens": estimate,
		})
		return true, nil
	}

	r.emit(ctx, "session.compaction.failed", runID, map[string]any{
		"run_id":     runID,
		"session_id": sess.ID,
		"attempts":   attempts,
	})
	r.log.Warn("compaction failed, continuing with full history",
		"run_id", runID, "attempts", attempts)
	return false, nil
}

// summaryRequest builds the provider request that produces a continuation
// summary. An earlier summary is folded in so the new one stays complete.
func summaryRequest(sessionID string, prior *session.Summary, covered []session.Message) llm.Request {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: summaryInstruction}}
	if prior != nil {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Earlier summary:\n" + prior.Text,
		})
	}
	for _, m := range covered {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: contentText(m.Content)})
	}
	msgs = append(msgs, llm.Message{
		Role:    llm.RoleUser,
		Content: "Summarize the conversation above now.",
	})
	return llm.Request{ConversationID: sessionID, Messages: msgs}
}
