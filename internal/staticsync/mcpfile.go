package staticsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/perlica/perlica/internal/config"
)

// dialectLayout names the files a provider dialect reads at startup.
type dialectLayout struct {
	registryFile string // name of the MCP registry file under the scope root
	registryKey  string // top-level key holding the server map
	skillsDir    string // skill tree relative to the scope root
}

func layoutFor(dialect string) (dialectLayout, error) {
	switch dialect {
	case "claude":
		return dialectLayout{
			registryFile: ".mcp.json",
			registryKey:  "mcpServers",
			skillsDir:    filepath.Join(".claude", "skills"),
		}, nil
	case "opencode":
		return dialectLayout{
			registryFile: "opencode.json",
			registryKey:  "mcp",
			skillsDir:    filepath.Join(".opencode", "skills"),
		}, nil
	default:
		return dialectLayout{}, fmt.Errorf("no static config layout for dialect %q", dialect)
	}
}

// mcpEntry is the registry-file shape of one server.
type mcpEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// syncMCP reconciles the registry file: perlica-namespaced keys are
// rewritten from runtime.mcp_servers, everything else is preserved.
func (s *Syncer) syncMCP(root string, opts Options) []Item {
	path := filepath.Join(root, s.layout.registryFile)

	doc, servers, readErr := readRegistry(path, s.layout.registryKey)
	if readErr != nil {
		return s.failAllMCP(path, fmt.Sprintf("reading registry: %v", readErr))
	}

	var items []Item
	changed := false

	for _, id := range s.desiredMCPIDs() {
		key := Namespace + id
		want, err := json.Marshal(entryFor(s.rcfg.MCPServers[id]))
		if err != nil {
			items = append(items, Item{
				Kind: KindMCP, Name: id, Path: path,
				Status: StatusFailed, Action: ActionNone,
				Reason: fmt.Sprintf("encoding entry: %v", err),
			})
			continue
		}
		have, exists := servers[key]
		action := ActionNone
		switch {
		case !exists:
			action = ActionCreate
		case !jsonEqual(have, want):
			action = ActionUpdate
		}
		if action == ActionNone {
			items = append(items, Item{
				Kind: KindMCP, Name: id, Path: path,
				Status: StatusSkipped, Action: ActionNone, Reason: "unchanged",
			})
			continue
		}
		servers[key] = want
		changed = true
		items = append(items, Item{Kind: KindMCP, Name: id, Path: path, Action: action})
	}

	if opts.StaleCleanup {
		for _, key := range staleKeys(servers, s.desiredMCPIDs()) {
			delete(servers, key)
			changed = true
			items = append(items, Item{
				Kind: KindMCP, Name: strings.TrimPrefix(key, Namespace),
				Path: path, Action: ActionDelete,
			})
		}
	}

	if !changed {
		return items
	}
	if opts.DryRun {
		return finishItems(items, StatusSkipped, "dry_run")
	}

	data, err := renderRegistry(doc, servers, s.layout.registryKey)
	if err != nil {
		return finishItems(items, StatusFailed, fmt.Sprintf("encoding registry: %v", err))
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return finishItems(items, StatusFailed, fmt.Sprintf("writing registry: %v", err))
	}
	s.log.Debug("mcp registry written", "path", path)
	return finishItems(items, StatusApplied, "")
}

// failAllMCP reports every desired server as failed with one reason, used
// when the registry file itself cannot be read.
func (s *Syncer) failAllMCP(path, reason string) []Item {
	var items []Item
	for _, id := range s.desiredMCPIDs() {
		items = append(items, Item{
			Kind: KindMCP, Name: id, Path: path,
			Status: StatusFailed, Action: ActionNone, Reason: reason,
		})
	}
	return items
}

// finishItems stamps the still-pending items (those with an action but no
// status yet) with the write outcome.
func finishItems(items []Item, status, reason string) []Item {
	for i := range items {
		if items[i].Status != "" {
			continue
		}
		items[i].Status = status
		items[i].Reason = reason
	}
	return items
}

func entryFor(cfg config.MCPServerConfig) mcpEntry {
	return mcpEntry{Command: cfg.Command, Args: cfg.Args, Env: cfg.Env}
}

// readRegistry loads the registry file, returning the full document (so
// unrelated top-level keys survive a rewrite) and the server map. A
// missing file yields empty maps.
func readRegistry(path, key string) (doc map[string]json.RawMessage, servers map[string]json.RawMessage, err error) {
	doc = map[string]json.RawMessage{}
	servers = map[string]json.RawMessage{}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, servers, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, servers, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("%s is not a JSON object: %w", path, err)
	}
	if raw, ok := doc[key]; ok {
		if err := json.Unmarshal(raw, &servers); err != nil {
			return nil, nil, fmt.Errorf("%s key %q is not an object: %w", path, key, err)
		}
	}
	return doc, servers, nil
}

// renderRegistry re-embeds the server map into the document and renders it
// with stable two-space indentation and a trailing newline.
func renderRegistry(doc, servers map[string]json.RawMessage, key string) ([]byte, error) {
	serverDoc := map[string]json.RawMessage{}
	for k, v := range servers {
		serverDoc[k] = v
	}
	raw, err := json.Marshal(serverDoc)
	if err != nil {
		return nil, err
	}
	doc[key] = raw

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// staleKeys returns perlica-namespaced keys whose id is no longer
// configured, sorted for stable reporting.
func staleKeys(servers map[string]json.RawMessage, desiredIDs []string) []string {
	desired := make(map[string]struct{}, len(desiredIDs))
	for _, id := range desiredIDs {
		desired[Namespace+id] = struct{}{}
	}
	var stale []string
	for key := range servers {
		if !strings.HasPrefix(key, Namespace) {
			continue
		}
		if _, ok := desired[key]; !ok {
			stale = append(stale, key)
		}
	}
	sort.Strings(stale)
	return stale
}

// jsonEqual compares two JSON values structurally, so key order and
// whitespace in the existing file do not force a rewrite. Re-marshaling
// the decoded value is canonical because encoding/json sorts object keys.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	ja, err := json.Marshal(av)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(bv)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
