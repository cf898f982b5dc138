package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/perlica/perlica/internal/llm"
)

func TestCountEmpty(t *testing.T) {
	assert.Equal(t, 0, Count(""))
}

func TestCountSimple(t *testing.T) {
	got := Count("hello world")
	assert.Positive(t, got)
	if enc() != nil {
		// "hello world" is 2 tokens under cl100k_base.
		assert.Equal(t, 2, got)
	}
}

func TestEstimateFast(t *testing.T) {
	assert.Equal(t, 0, EstimateFast(""))
	assert.Equal(t, 0, EstimateFast("   \n\t  "))

	// "a b c d": 7 runes -> 1 by runes/4, but 4 words wins.
	assert.Equal(t, 4, EstimateFast("a b c d"))

	// A long single word counts by runes.
	assert.Equal(t, 5, EstimateFast("abcdefghijklmnopqrst"))

	// Never zero for non-empty input.
	assert.Equal(t, 1, EstimateFast("ab"))
}

func TestEstimateRequestSumsAllParts(t *testing.T) {
	req := llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be brief"},
			{Role: llm.RoleUser, Content: "hello there"},
		},
		Tools: []llm.ToolSpec{
			{Name: "run_shell", Description: "run a shell command"},
		},
		Context: []llm.ContextBlock{
			{Kind: "mcp_servers", Text: "perlica.files"},
		},
	}

	total := EstimateRequest(req)
	messagesOnly := EstimateRequest(llm.Request{Messages: req.Messages})

	assert.Positive(t, messagesOnly)
	assert.Greater(t, total, messagesOnly, "tools and context must add cost")
}

func TestEstimateRequestGrowsWithHistory(t *testing.T) {
	short := llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}
	long := llm.Request{Messages: []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello, how can I help you today?"},
		{Role: llm.RoleUser, Content: "summarize the project layout for me please"},
	}}

	assert.Greater(t, EstimateRequest(long), EstimateRequest(short))
}
