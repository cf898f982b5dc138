package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/perlica/perlica/internal/config"
	"github.com/perlica/perlica/internal/llm"
	"github.com/perlica/perlica/internal/session"
	"github.com/perlica/perlica/internal/tool"
)

const defaultSystemPrompt = "You are Perlica, a local command-line agent. " +
	"Answer concisely. Use the available tools when a task needs them, " +
	"and report tool failures honestly instead of guessing."

// buildRequest assembles one provider request from the session transcript,
// compacting first when the estimate exceeds the context budget.
// newUserSeq, when non-zero, is the seq of the just-appended user message;
// it is kept last so skill prompts sit between history and the new input.
func (r *Runner) buildRequest(ctx context.Context, sess session.Session, prov llm.Provider, pcfg config.ProviderConfig, newUserSeq int64, runID string) (llm.Request, bool, error) {
	req, err := r.assembleRequest(ctx, sess, pcfg, newUserSeq)
	if err != nil {
		return llm.Request{}, false, err
	}

	compacted, err := r.compactIfNeeded(ctx, sess, prov, req, runID)
	if err != nil {
		return llm.Request{}, false, err
	}
	if compacted {
		req, err = r.assembleRequest(ctx, sess, pcfg, newUserSeq)
		if err != nil {
			return llm.Request{}, false, err
		}
	}
	return req, compacted, nil
}

func (r *Runner) assembleRequest(ctx context.Context, sess session.Session, pcfg config.ProviderConfig, newUserSeq int64) (llm.Request, error) {
	sysPrompt, err := r.systemPrompt()
	if err != nil {
		return llm.Request{}, err
	}

	summary, err := r.sessions.LatestSummary(ctx, sess.ID)
	if err != nil {
		return llm.Request{}, err
	}
	afterSeq := int64(0)
	if summary != nil {
		afterSeq = summary.CoveredUptoSeq
	}
	history, err := r.sessions.ListMessagesAfter(ctx, sess.ID, afterSeq)
	if err != nil {
		return llm.Request{}, err
	}

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: sysPrompt}}
	if summary != nil {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Summary of the conversation so far:\n" + summary.Text,
		})
	}

	var tail *llm.Message
	for _, m := range history {
		conv := llm.Message{Role: m.Role, Content: contentText(m.Content)}
		if newUserSeq != 0 && m.Seq == newUserSeq {
			tail = &conv
			continue
		}
		msgs = append(msgs, conv)
	}
	msgs = append(msgs, r.skillPrompts()...)
	if tail != nil {
		msgs = append(msgs, *tail)
	}

	req := llm.Request{
		ConversationID: sess.ID,
		Messages:       msgs,
	}
	// Provider-managed adapters run their own tools; offering local ones
	// would only produce calls the dispatcher must refuse.
	if !pcfg.ProviderManaged() && r.registry != nil {
		req.Tools = toolSpecs(r.registry.Specs())
	}
	if block, ok := mcpContextBlock(r.cfg.Runtime.MCPServers); ok {
		req.Context = append(req.Context, block)
	}
	return req, nil
}

// systemPrompt reads runtime.system_prompt_path on every turn so edits
// apply without a restart. A configured path that cannot be read fails
// the run; no path means the built-in default.
func (r *Runner) systemPrompt() (string, error) {
	path := r.cfg.Runtime.SystemPromptPath
	if path == "" {
		return defaultSystemPrompt, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &PromptLoadError{Path: path, Err: err}
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", &PromptLoadError{Path: path, Err: errors.New("file is empty")}
	}
	return text, nil
}

// skillPrompts loads each markdown file under runtime.skills_dir as one
// system message. Unreadable files are skipped with a warning; a missing
// directory is fine.
func (r *Runner) skillPrompts() []llm.Message {
	dir := r.cfg.Runtime.SkillsDir
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		r.log.Warn("skills dir unreadable, skipping skill prompts", "dir", dir, "error", err)
		return nil
	}

	type skill struct {
		name string
		body string
	}
	var skills []skill
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.log.Warn("skill file unreadable, skipping", "path", path, "error", err)
			continue
		}
		name, body := parseSkill(entry.Name(), data)
		if strings.TrimSpace(body) == "" {
			continue
		}
		skills = append(skills, skill{name: name, body: body})
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].name < skills[j].name })

	msgs := make([]llm.Message, 0, len(skills))
	for _, sk := range skills {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleSystem,
			Content: fmt.Sprintf("Skill %q:\n%s", sk.name, strings.TrimSpace(sk.body)),
		})
	}
	return msgs
}

// parseSkill returns the front-matter name (file stem when absent) and the
// markdown body without the front-matter block.
func parseSkill(filename string, content []byte) (name, body string) {
	name = strings.TrimSuffix(filename, ".md")
	body = string(content)

	lines := strings.Split(body, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return name, body
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "---" {
			continue
		}
		var meta struct {
			Name string `yaml:"name"`
		}
		if err := yaml.Unmarshal([]byte(strings.Join(lines[1:i], "\n")), &meta); err == nil &&
			strings.TrimSpace(meta.Name) != "" {
			name = strings.TrimSpace(meta.Name)
		}
		return name, strings.Join(lines[i+1:], "\n")
	}
	return name, body
}

// mcpContextBlock renders the configured MCP servers as one context block
// so the provider knows what is reachable.
func mcpContextBlock(servers map[string]config.MCPServerConfig) (llm.ContextBlock, bool) {
	if len(servers) == 0 {
		return llm.ContextBlock{}, false
	}
	ids := make([]string, 0, len(servers))
	for id := range servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("Configured MCP servers:\n")
	for _, id := range ids {
		srv := servers[id]
		b.WriteString("- ")
		b.WriteString(id)
		b.WriteString(": ")
		b.WriteString(srv.Command)
		if len(srv.Args) > 0 {
			b.WriteString(" ")
			b.WriteString(strings.Join(srv.Args, " "))
		}
		b.WriteString("\n")
	}
	return llm.ContextBlock{Kind: "mcp_servers", Text: strings.TrimRight(b.String(), "\n")}, true
}

// contentText flattens a stored message content map to the text the
// provider sees. Tool results and assistant tool-call envelopes fall back
// to compact JSON.
func contentText(content map[string]any) string {
	if text, ok := content["text"].(string); ok && text != "" {
		return text
	}
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Sprint(content)
	}
	return string(data)
}

func toolSpecs(specs []tool.Spec) []llm.ToolSpec {
	out := make([]llm.ToolSpec, len(specs))
	for i, s := range specs {
		out[i] = llm.ToolSpec{Name: s.Name, Description: s.Description, Parameters: s.Parameters}
	}
	return out
}
