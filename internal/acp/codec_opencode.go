package acp

// opencodeCodec speaks the OpenCode ACP dialect. OpenCode accepts its MCP
// registry inline in session/new and tends to bury the final assistant text
// inside intermediate blocks, hence the visible-text fallback on decode.
type opencodeCodec struct {
	baseCodec
}

func (c *opencodeCodec) Dialect() string { return DialectOpenCode }

func (c *opencodeCodec) NewSessionParams(p SessionParams) any {
	params := c.baseCodec.NewSessionParams(p).(map[string]any)
	if len(p.MCPServers) > 0 {
		params["mcpServers"] = p.MCPServers
	}
	return params
}

func (c *opencodeCodec) DecodeResponse(env Envelope, notes []Notification) (Decoded, error) {
	return c.decodeResponse(env, notes, lastVisibleText)
}
