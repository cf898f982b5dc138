// Package interaction holds the single pending question a provider may ask
// mid-run and routes the user's answer back to the blocked provider thread.
package interaction

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/perlica/perlica/internal/eventlog"
)

// CustomSuggestion is appended to choice suggestions when free-form answers
// are accepted.
const CustomSuggestion = "<custom text>"

// Request is one question awaiting an answer. Options are displayed 1-based.
type Request struct {
	InteractionID    string
	RunID            string
	Question         string
	Options          []string
	AllowCustomInput bool
}

// Answer is an accepted reply. OptionIndex is 1-based; 0 means custom text.
type Answer struct {
	InteractionID string
	Value         string
	OptionIndex   int
	Source        string
}

// SubmitResult reports the outcome of SubmitAnswer.
type SubmitResult struct {
	Accepted bool
	Answer   *Answer
	Message  string
}

// EventAppender is the slice of the event log the coordinator needs.
type EventAppender interface {
	Append(ctx context.Context, in eventlog.AppendInput) (eventlog.Stored, error)
}

type pending struct {
	req      Request
	answered bool
	answer   Answer
	done     chan struct{}
}

// Coordinator holds at most one pending interaction. Publish stores it,
// SubmitAnswer resolves the user's raw reply against it, WaitForAnswer
// blocks the asking thread, and Resolve clears it.
type Coordinator struct {
	mu      sync.Mutex
	pending *pending
	events  EventAppender
	log     *slog.Logger
}

func NewCoordinator(events EventAppender, logger *slog.Logger) *Coordinator {
	return &Coordinator{events: events, log: logger.With("component", "interaction")}
}

// Publish stores req as the pending interaction. A second publish before the
// first resolves is an error.
func (c *Coordinator) Publish(ctx context.Context, req Request) error {
	if req.InteractionID == "" {
		return fmt.Errorf("interaction id is required")
	}

	c.mu.Lock()
	if c.pending != nil {
		id := c.pending.req.InteractionID
		c.mu.Unlock()
		return fmt.Errorf("interaction %s is already pending", id)
	}
	c.pending = &pending{req: req, done: make(chan struct{})}
	c.mu.Unlock()

	c.emit(ctx, "interaction.requested", req.RunID, map[string]any{
		"interaction_id":     req.InteractionID,
		"question":           req.Question,
		"options":            req.Options,
		"allow_custom_input": req.AllowCustomInput,
	})
	return nil
}

// Pending returns the pending request, if any.
func (c *Coordinator) Pending() (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Request{}, false
	}
	return c.pending.req, true
}

// SubmitAnswer parses raw against the pending interaction: a 1-based option
// index selects that option; any other text is accepted as-is when custom
// input is allowed.
func (c *Coordinator) SubmitAnswer(ctx context.Context, raw, source string) SubmitResult {
	raw = strings.TrimSpace(raw)

	c.mu.Lock()
	p := c.pending
	if p == nil {
		c.mu.Unlock()
		return SubmitResult{Message: "no interaction is waiting for an answer"}
	}
	if p.answered {
		c.mu.Unlock()
		return SubmitResult{Message: "the pending interaction was already answered"}
	}

	answer, msg := parseAnswer(p.req, raw, source)
	if msg != "" {
		c.mu.Unlock()
		return SubmitResult{Message: msg}
	}

	p.answered = true
	p.answer = answer
	close(p.done)
	c.mu.Unlock()

	c.emit(ctx, "interaction.answered", p.req.RunID, map[string]any{
		"interaction_id": answer.InteractionID,
		"answer":         answer.Value,
		"option_index":   answer.OptionIndex,
		"source":         source,
	})
	return SubmitResult{Accepted: true, Answer: &answer}
}

func parseAnswer(req Request, raw, source string) (Answer, string) {
	if raw == "" {
		return Answer{}, "empty answer; reply with an option number" + customHint(req)
	}
	if idx, err := strconv.Atoi(raw); err == nil {
		if idx < 1 || idx > len(req.Options) {
			return Answer{}, fmt.Sprintf("invalid option %d; choose 1-%d%s", idx, len(req.Options), customHint(req))
		}
		return Answer{
			InteractionID: req.InteractionID,
			Value:         req.Options[idx-1],
			OptionIndex:   idx,
			Source:        source,
		}, ""
	}
	if !req.AllowCustomInput {
		return Answer{}, fmt.Sprintf("invalid option %q; choose 1-%d", raw, len(req.Options))
	}
	return Answer{
		InteractionID: req.InteractionID,
		Value:         raw,
		Source:        source,
	}, ""
}

func customHint(req Request) string {
	if req.AllowCustomInput {
		return " or free text"
	}
	return ""
}

// WaitForAnswer blocks until the pending interaction with interactionID is
// answered, the context is cancelled, or the interaction is resolved
// unanswered.
func (c *Coordinator) WaitForAnswer(ctx context.Context, interactionID string) (Answer, error) {
	c.mu.Lock()
	p := c.pending
	if p == nil || p.req.InteractionID != interactionID {
		c.mu.Unlock()
		return Answer{}, fmt.Errorf("interaction %s is not pending", interactionID)
	}
	done := p.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !p.answered {
		return Answer{}, fmt.Errorf("interaction %s was resolved without an answer", interactionID)
	}
	return p.answer, nil
}

// Resolve clears the pending interaction. Waiters that have not yet received
// an answer are released.
func (c *Coordinator) Resolve(ctx context.Context, interactionID string) {
	c.mu.Lock()
	p := c.pending
	if p == nil || p.req.InteractionID != interactionID {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	if !p.answered {
		close(p.done)
	}
	runID := p.req.RunID
	c.mu.Unlock()

	c.emit(ctx, "interaction.resolved", runID, map[string]any{
		"interaction_id": interactionID,
		"answered":       p.answered,
	})
}

// ChoiceSuggestions returns the replies a completion UI should offer for the
// pending interaction: "1".."N" plus a custom-text hint when allowed.
func (c *Coordinator) ChoiceSuggestions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil
	}
	req := c.pending.req
	out := make([]string, 0, len(req.Options)+1)
	for i := range req.Options {
		out = append(out, strconv.Itoa(i+1))
	}
	if req.AllowCustomInput {
		out = append(out, CustomSuggestion)
	}
	return out
}

func (c *Coordinator) emit(ctx context.Context, eventType, runID string, payload map[string]any) {
	if c.events == nil {
		return
	}
	_, err := c.events.Append(ctx, eventlog.AppendInput{
		Type:    eventType,
		Payload: payload,
		RunID:   runID,
	})
	if err != nil {
		c.log.Error("appending interaction event failed", "event_type", eventType, "error", err)
	}
}
