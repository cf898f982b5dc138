package acp

// claudeCodec speaks the Claude Code ACP dialect. Claude picks up its MCP
// registry and skills from synced files, so session/new carries no inline
// server config, and its adapters reliably stream assistant text through
// progress notifications.
type claudeCodec struct {
	baseCodec
}

func (c *claudeCodec) Dialect() string { return DialectClaude }

func (c *claudeCodec) DecodeResponse(env Envelope, notes []Notification) (Decoded, error) {
	return c.decodeResponse(env, notes, nil)
}
