// Package tokens centralizes token accounting for prompt budgeting. Counts
// use the cl100k_base encoding when available and fall back to a cheap
// heuristic, so budget checks never fail just because the encoder could not
// initialize.
package tokens

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/perlica/perlica/internal/llm"
)

// perMessageOverhead approximates the framing tokens a chat transport
// spends per message.
const perMessageOverhead = 4

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func enc() *tiktoken.Tiktoken {
	once.Do(func() {
		if e, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = e
		}
	})
	return encoding
}

// Count returns the token count of text under cl100k_base, falling back to
// EstimateFast when the encoding is unavailable.
func Count(text string) int {
	if e := enc(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast returns max(runes/4, words): encoder-free and close enough
// for budget checks on plain prose.
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// EstimateRequest approximates the prompt-side cost of a request: message
// contents with per-message framing, tool schemas, and context blocks.
func EstimateRequest(req llm.Request) int {
	total := 0
	for _, m := range req.Messages {
		total += Count(m.Content) + perMessageOverhead
	}
	for _, tool := range req.Tools {
		if schema, err := json.Marshal(tool); err == nil {
			total += Count(string(schema))
		}
	}
	for _, block := range req.Context {
		total += Count(block.Text) + perMessageOverhead
	}
	return total
}
