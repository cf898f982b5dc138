// Package staticsync reconciles the static config files a provider adapter
// reads at startup: its MCP server registry and its skill markdown tree.
// Perlica owns only the entries it namespaces with "perlica."; everything
// else in those files is preserved byte for byte.
package staticsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/perlica/perlica/internal/config"
	"github.com/perlica/perlica/internal/eventlog"
)

// Namespace prefixes every MCP entry key and skill directory perlica
// manages, so stale cleanup never touches user-authored entries.
const Namespace = "perlica."

// Item statuses and actions as they appear in the report and the CLI.
const (
	StatusApplied = "applied"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"

	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionNone   = "none"
)

const (
	ScopeProject = "project"
	ScopeUser    = "user"

	KindMCP   = "mcp"
	KindSkill = "skill"
)

// EventAppender is the slice of the event log the syncer needs.
type EventAppender interface {
	Append(ctx context.Context, in eventlog.AppendInput) (eventlog.Stored, error)
}

// Item is one reconciled entry: a single MCP server or a single skill.
type Item struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Status string `json:"status"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Report is the outcome of one sync run. Failures are recorded per item
// and never abort the remaining items.
type Report struct {
	ProviderID string   `json:"provider_id"`
	Scope      string   `json:"scope"`
	DryRun     bool     `json:"dry_run"`
	Items      []Item   `json:"items"`
	Notes      []string `json:"notes,omitempty"`
}

// Counts returns how many items were applied, skipped and failed.
func (r Report) Counts() (applied, skipped, failed int) {
	for _, it := range r.Items {
		switch it.Status {
		case StatusApplied:
			applied++
		case StatusSkipped:
			skipped++
		case StatusFailed:
			failed++
		}
	}
	return applied, skipped, failed
}

// FailedItems returns the items that could not be reconciled.
func (r Report) FailedItems() []Item {
	var out []Item
	for _, it := range r.Items {
		if it.Status == StatusFailed {
			out = append(out, it)
		}
	}
	return out
}

// Options control one sync run.
type Options struct {
	// DryRun computes and reports actions without touching any file.
	DryRun bool
	// StaleCleanup deletes perlica-namespaced entries that are no longer
	// in the desired set.
	StaleCleanup bool
}

// Deps are the collaborators a Syncer needs. Events and Logger are
// optional; UserHome defaults to the OS user home.
type Deps struct {
	Events   EventAppender
	UserHome string
	Logger   *slog.Logger
}

// Syncer reconciles one provider's static config files.
type Syncer struct {
	providerID string
	pcfg       config.ProviderConfig
	rcfg       config.RuntimeConfig
	layout     dialectLayout
	userHome   string
	events     EventAppender
	log        *slog.Logger
}

// New builds a Syncer for the provider. It fails on an unknown dialect.
func New(providerID string, pcfg config.ProviderConfig, rcfg config.RuntimeConfig, deps Deps) (*Syncer, error) {
	lay, err := layoutFor(pcfg.Dialect)
	if err != nil {
		return nil, err
	}
	home := deps.UserHome
	if home == "" {
		home, err = os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving user home: %w", err)
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		providerID: providerID,
		pcfg:       pcfg,
		rcfg:       rcfg,
		layout:     lay,
		userHome:   home,
		events:     deps.Events,
		log:        logger.With("component", "staticsync", "provider_id", providerID),
	}, nil
}

// Sync reconciles the MCP registry and the skill tree for the provider.
// The returned error is non-nil only when injection_failure_policy is
// "fail" and at least one item failed; under "degrade" failures are
// reported but the sync succeeds.
func (s *Syncer) Sync(ctx context.Context, opts Options) (Report, error) {
	report := Report{ProviderID: s.providerID, DryRun: opts.DryRun}

	if !s.pcfg.SupportsMCPConfig && !s.pcfg.SupportsSkillConfig {
		report.Notes = append(report.Notes, "provider reads no static config; nothing to sync")
		return report, nil
	}

	root, scope, note := s.selectScope()
	report.Scope = scope
	if note != "" {
		report.Notes = append(report.Notes, note)
	}

	if s.pcfg.SupportsMCPConfig {
		report.Items = append(report.Items, s.syncMCP(root, opts)...)
	} else {
		report.Notes = append(report.Notes, "mcp registry sync skipped: provider does not read an mcp config file")
	}
	if s.pcfg.SupportsSkillConfig {
		report.Items = append(report.Items, s.syncSkills(root, opts)...)
	} else {
		report.Notes = append(report.Notes, "skill sync skipped: provider does not read a skill tree")
	}

	applied, skipped, failed := report.Counts()
	s.log.Info("static sync finished",
		"scope", scope, "dry_run", opts.DryRun,
		"applied", applied, "skipped", skipped, "failed", failed)
	s.emit(ctx, "provider.staticsync.completed", map[string]any{
		"provider_id": s.providerID,
		"scope":       scope,
		"dry_run":     opts.DryRun,
		"applied":     applied,
		"skipped":     skipped,
		"failed":      failed,
	})

	if failed > 0 && s.pcfg.InjectionFailurePolicy == "fail" {
		return report, fmt.Errorf("static sync for provider %q: %d item(s) failed", s.providerID, failed)
	}
	return report, nil
}

// selectScope picks where the provider's config files live: the project
// directory when writable, otherwise the user home.
func (s *Syncer) selectScope() (root, scope, note string) {
	project := s.pcfg.ProjectDir
	if project == "" {
		if wd, err := os.Getwd(); err == nil {
			project = wd
		} else {
			project = "."
		}
	}
	err := probeWritable(project)
	if err == nil {
		return project, ScopeProject, ""
	}
	note = fmt.Sprintf("project scope %s not writable (%v); using user scope", project, err)
	s.log.Warn("falling back to user scope", "project_dir", project, "error", err)
	return s.userHome, ScopeUser, note
}

// probeWritable checks that dir exists (creating it if needed) and that a
// file can be created inside it.
func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".perlica-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// desiredMCPIDs returns the configured MCP server ids in stable order.
func (s *Syncer) desiredMCPIDs() []string {
	ids := make([]string, 0, len(s.rcfg.MCPServers))
	for id := range s.rcfg.MCPServers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Syncer) emit(ctx context.Context, eventType string, payload map[string]any) {
	if s.events == nil {
		return
	}
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.events.Append(emitCtx, eventlog.AppendInput{
		Type:    eventType,
		Payload: payload,
		Actor:   "system",
	}); err != nil {
		s.log.Warn("event append failed", "event_type", eventType, "error", err)
	}
}

// writeFileAtomic writes data to path via a temp file in the same
// directory plus rename, so the provider never observes a torn file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
