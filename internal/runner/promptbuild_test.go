package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perlica/perlica/internal/config"
	"github.com/perlica/perlica/internal/llm"
	"github.com/perlica/perlica/internal/session"
)

func TestParseSkill(t *testing.T) {
	name, body := parseSkill("review.md", []byte("---\nname: code-review\ndescription: x\n---\nCheck the diff."))
	assert.Equal(t, "code-review", name)
	assert.Equal(t, "Check the diff.", body)

	name, body = parseSkill("plain.md", []byte("Just a body, no front matter."))
	assert.Equal(t, "plain", name)
	assert.Equal(t, "Just a body, no front matter.", body)

	// Unterminated front matter falls back to the raw file.
	name, body = parseSkill("broken.md", []byte("---\nname: x\nno closing"))
	assert.Equal(t, "broken", name)
	assert.Contains(t, body, "no closing")
}

func TestMCPContextBlock(t *testing.T) {
	_, ok := mcpContextBlock(nil)
	assert.False(t, ok)

	block, ok := mcpContextBlock(map[string]config.MCPServerConfig{
		"web": {Command: "mcp-web"},
		"db":  {Command: "mcp-db", Args: []string{"--port", "9"}},
	})
	require.True(t, ok)
	assert.Equal(t, "mcp_servers", block.Kind)
	assert.Equal(t, "Configured MCP servers:\n- db: mcp-db --port 9\n- web: mcp-web", block.Text)
}

func TestContentText(t *testing.T) {
	assert.Equal(t, "hello", contentText(map[string]any{"text": "hello"}))

	asJSON := contentText(map[string]any{"call_id": "c1", "ok": true})
	assert.Contains(t, asJSON, `"call_id":"c1"`)
}

func TestSystemPromptSources(t *testing.T) {
	f := newFixture(t, nil)
	prompt, err := f.runner.systemPrompt()
	require.NoError(t, err)
	assert.Equal(t, defaultSystemPrompt, prompt)

	custom := filepath.Join(t.TempDir(), "prompt.md")
	require.NoError(t, os.WriteFile(custom, []byte("Be terse.\n"), 0o644))
	f = newFixture(t, func(cfg *config.Config) { cfg.Runtime.SystemPromptPath = custom })
	prompt, err = f.runner.systemPrompt()
	require.NoError(t, err)
	assert.Equal(t, "Be terse.", prompt)

	f = newFixture(t, func(cfg *config.Config) {
		cfg.Runtime.SystemPromptPath = filepath.Join(t.TempDir(), "missing.md")
	})
	_, err = f.runner.systemPrompt()
	var loadErr *PromptLoadError
	require.ErrorAs(t, err, &loadErr)

	empty := filepath.Join(t.TempDir(), "empty.md")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o644))
	f = newFixture(t, func(cfg *config.Config) { cfg.Runtime.SystemPromptPath = empty })
	_, err = f.runner.systemPrompt()
	require.ErrorAs(t, err, &loadErr)
}

func TestSkillPromptsSortedByName(t *testing.T) {
	skillsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(skillsDir, "z.md"),
		[]byte("---\nname: alpha\n---\nAlways write tests."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(skillsDir, "a.md"),
		[]byte("Review diffs carefully."), 0o644)) // stem name "a"
	require.NoError(t, os.WriteFile(filepath.Join(skillsDir, "notes.txt"),
		[]byte("ignored, not markdown"), 0o644))

	f := newFixture(t, func(cfg *config.Config) { cfg.Runtime.SkillsDir = skillsDir })
	msgs := f.runner.skillPrompts()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Content, `Skill "a":`)
	assert.Contains(t, msgs[0].Content, "Review diffs carefully.")
	assert.Contains(t, msgs[1].Content, `Skill "alpha":`)
	for _, m := range msgs {
		assert.Equal(t, llm.RoleSystem, m.Role)
	}

	f = newFixture(t, nil) // skills dir missing
	assert.Empty(t, f.runner.skillPrompts())
}

func TestAssembleRequestOrdering(t *testing.T) {
	skillsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(skillsDir, "s.md"),
		[]byte("---\nname: tester\n---\nTest everything."), 0o644))

	f := newFixture(t, func(cfg *config.Config) {
		cfg.Runtime.SkillsDir = skillsDir
		cfg.Runtime.MCPServers = map[string]config.MCPServerConfig{"db": {Command: "mcp-db"}}
	})
	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, session.CreateParams{ContextID: testContext})
	require.NoError(t, err)
	_, err = f.sessions.AppendMessage(ctx, sess.ID, session.RoleUser, map[string]any{"text": "earlier question"}, "")
	require.NoError(t, err)
	_, err = f.sessions.AppendMessage(ctx, sess.ID, session.RoleAssistant, map[string]any{"text": "earlier answer"}, "")
	require.NoError(t, err)
	userMsg, err := f.sessions.AppendMessage(ctx, sess.ID, session.RoleUser, map[string]any{"text": "new question"}, "")
	require.NoError(t, err)

	pcfg := f.runner.cfg.Providers["fake"]
	req, err := f.runner.assembleRequest(ctx, sess, pcfg, userMsg.Seq)
	require.NoError(t, err)

	// system, history, skills, then the fresh user text last.
	require.Len(t, req.Messages, 5)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "earlier question", req.Messages[1].Content)
	assert.Equal(t, "earlier answer", req.Messages[2].Content)
	assert.Contains(t, req.Messages[3].Content, `Skill "tester":`)
	assert.Equal(t, "new question", req.Messages[4].Content)

	// Local tools and the MCP inventory ride along.
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "echo_tool", req.Tools[0].Name)
	require.Len(t, req.Context, 1)
	assert.Equal(t, "mcp_servers", req.Context[0].Kind)

	// Without the split seq the history stays in transcript order.
	req, err = f.runner.assembleRequest(ctx, sess, pcfg, 0)
	require.NoError(t, err)
	assert.Equal(t, "new question", req.Messages[3].Content)
	assert.Contains(t, req.Messages[4].Content, `Skill "tester":`)
}

func TestPromptLoadErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &PromptLoadError{Path: "/x", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "/x")
}
