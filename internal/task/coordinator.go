// Package task serializes runs: at most one task is active per runtime, and
// an interactive confirmation parks it in AWAITING_INTERACTION until the
// user answers.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/perlica/perlica/internal/eventlog"
)

// State is the coordinator's position in the run lifecycle.
type State string

const (
	StateIdle                State = "idle"
	StateRunning             State = "running"
	StateAwaitingInteraction State = "awaiting_interaction"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
)

// Snapshot is the externally visible coordinator state.
type Snapshot struct {
	State          State          `json:"state"`
	RunID          string         `json:"run_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	InteractionID  string         `json:"interaction_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// EventAppender is the slice of the event log the coordinator needs.
type EventAppender interface {
	Append(ctx context.Context, in eventlog.AppendInput) (eventlog.Stored, error)
}

// Coordinator is the single-active-run state machine. All methods are safe
// for concurrent use; transitions are serialized under one lock so emitted
// task.state.changed events reflect the transition order.
type Coordinator struct {
	mu     sync.Mutex
	cur    Snapshot
	events EventAppender
	log    *slog.Logger
}

func NewCoordinator(events EventAppender, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cur:    Snapshot{State: StateIdle},
		events: events,
		log:    logger.With("component", "task"),
	}
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := c.cur
	if c.cur.Metadata != nil {
		snap.Metadata = make(map[string]any, len(c.cur.Metadata))
		for k, v := range c.cur.Metadata {
			snap.Metadata[k] = v
		}
	}
	return snap
}

// StartTask claims the run slot. It returns false without side effects when
// another run is active.
func (c *Coordinator) StartTask(ctx context.Context, runID, conversationID, sessionID string, metadata map[string]any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur.State != StateIdle {
		c.log.Debug("start rejected, task busy",
			"state", string(c.cur.State), "active_run_id", c.cur.RunID, "run_id", runID)
		return false
	}

	c.cur = Snapshot{
		State:          StateRunning,
		RunID:          runID,
		ConversationID: conversationID,
		SessionID:      sessionID,
		Metadata:       metadata,
	}
	c.emitLocked(ctx, "task.started", map[string]any{
		"run_id":          runID,
		"conversation_id": conversationID,
		"session_id":      sessionID,
	})
	c.emitStateChangedLocked(ctx, StateIdle)
	return true
}

// MarkWaitingInteraction parks the active run while a question is pending.
// A run id that does not match the active run is ignored.
func (c *Coordinator) MarkWaitingInteraction(ctx context.Context, interactionID, runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur.State != StateRunning {
		return
	}
	if runID != "" && runID != c.cur.RunID {
		c.log.Debug("waiting-interaction ignored, run mismatch",
			"active_run_id", c.cur.RunID, "run_id", runID)
		return
	}

	prev := c.cur.State
	c.cur.State = StateAwaitingInteraction
	c.cur.InteractionID = interactionID
	c.emitStateChangedLocked(ctx, prev)
}

// SubmitInteractionAnswer resumes the run once its pending interaction has
// been answered. Mismatched interaction ids are ignored.
func (c *Coordinator) SubmitInteractionAnswer(ctx context.Context, interactionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur.State != StateAwaitingInteraction || c.cur.InteractionID != interactionID {
		return
	}

	prev := c.cur.State
	c.cur.State = StateRunning
	c.cur.InteractionID = ""
	c.emitStateChangedLocked(ctx, prev)
}

// FinishTask moves the run to its terminal state, then resets to IDLE. A run
// id that does not match the active run is ignored.
func (c *Coordinator) FinishTask(ctx context.Context, runID string, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur.State == StateIdle || (runID != "" && runID != c.cur.RunID) {
		return
	}

	prev := c.cur.State
	if failed {
		c.cur.State = StateFailed
	} else {
		c.cur.State = StateCompleted
	}
	c.emitStateChangedLocked(ctx, prev)

	prev = c.cur.State
	c.cur = Snapshot{State: StateIdle}
	c.emitStateChangedLocked(ctx, prev)
}

// RejectNewCommandIfBusy returns a human-readable refusal when a run is
// active, and "" when the coordinator is idle.
func (c *Coordinator) RejectNewCommandIfBusy() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.cur.State {
	case StateIdle:
		return ""
	case StateAwaitingInteraction:
		return fmt.Sprintf("a run is waiting for your answer (run %s); reply to the pending question first", shortID(c.cur.RunID))
	default:
		return fmt.Sprintf("a run is already in progress (run %s); wait for it to finish", shortID(c.cur.RunID))
	}
}

func (c *Coordinator) emitStateChangedLocked(ctx context.Context, from State) {
	c.emitLocked(ctx, "task.state.changed", map[string]any{
		"from":           string(from),
		"to":             string(c.cur.State),
		"run_id":         c.cur.RunID,
		"interaction_id": c.cur.InteractionID,
	})
}

func (c *Coordinator) emitLocked(ctx context.Context, eventType string, payload map[string]any) {
	if c.events == nil {
		return
	}
	_, err := c.events.Append(ctx, eventlog.AppendInput{
		Type:           eventType,
		Payload:        payload,
		ConversationID: c.cur.ConversationID,
		RunID:          c.cur.RunID,
	})
	if err != nil {
		c.log.Error("appending task event failed", "event_type", eventType, "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
