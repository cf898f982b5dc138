// Package runtime assembles one context's stores, coordinators, providers,
// and runner, and owns their lifecycles.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/perlica/perlica/internal/approval"
	"github.com/perlica/perlica/internal/config"
	"github.com/perlica/perlica/internal/database"
	"github.com/perlica/perlica/internal/eventlog"
	"github.com/perlica/perlica/internal/interaction"
	"github.com/perlica/perlica/internal/llm"
	"github.com/perlica/perlica/internal/policy"
	"github.com/perlica/perlica/internal/provider"
	"github.com/perlica/perlica/internal/runner"
	"github.com/perlica/perlica/internal/session"
	"github.com/perlica/perlica/internal/staticsync"
	"github.com/perlica/perlica/internal/task"
	"github.com/perlica/perlica/internal/tool"
	"github.com/perlica/perlica/internal/tool/shelltool"
)

// DefaultContext is the context used when none is selected.
const DefaultContext = "default"

// Runtime is the assembled core for one context. It is the only owner of
// the stores and the provider registry; everything else borrows.
type Runtime struct {
	Config    config.Config
	ContextID string

	Events       *eventlog.Log
	Sessions     *session.Store
	Approvals    *approval.Store
	Policy       *policy.Engine
	Tools        *tool.Registry
	Dispatcher   *tool.Dispatcher
	Tasks        *task.Coordinator
	Interactions *interaction.Coordinator
	Providers    *provider.Registry
	Runner       *runner.Runner

	log *slog.Logger
	dbs []*sql.DB

	syncMu sync.Mutex
	synced map[string]bool
}

// Options tweak construction.
type Options struct {
	// ContextID selects the workspace namespace; empty means DefaultContext.
	ContextID string
	// SkipSessionGC leaves unsaved ephemeral sessions in place at startup.
	SkipSessionGC bool
}

// New opens the context's databases, wires every component, and runs the
// startup session cleanup. Close releases everything.
func New(ctx context.Context, cfg config.Config, opts Options, logger *slog.Logger) (*Runtime, error) {
	contextID := opts.ContextID
	if contextID == "" {
		contextID = DefaultContext
	}

	rt := &Runtime{
		Config:    cfg,
		ContextID: contextID,
		log:       logger.With("component", "runtime", "context_id", contextID),
		synced:    make(map[string]bool),
	}

	dir := cfg.ContextDir(contextID)
	eventsDB, err := rt.openDB(ctx, filepath.Join(dir, "events.db"), database.SchemaEvents)
	if err != nil {
		return nil, err
	}
	sessionsDB, err := rt.openDB(ctx, filepath.Join(dir, "sessions.db"), database.SchemaSessions)
	if err != nil {
		return nil, err
	}
	approvalsDB, err := rt.openDB(ctx, filepath.Join(dir, "approvals.db"), database.SchemaApprovals)
	if err != nil {
		return nil, err
	}

	rt.Events = eventlog.New(eventsDB, contextID, logger)
	rt.Sessions = session.NewStore(sessionsDB, logger)
	rt.Approvals = approval.NewStore(approvalsDB, logger)
	rt.Policy = policy.NewEngine(rt.Approvals, logger)

	rt.Tools = tool.NewRegistry()
	if err := rt.Tools.Register(shelltool.New(logger)); err != nil {
		rt.Close()
		return nil, fmt.Errorf("registering built-in tools: %w", err)
	}
	rt.Dispatcher = tool.NewDispatcher(rt.Tools, rt.Policy, rt.Approvals, rt.Events, logger)

	rt.Tasks = task.NewCoordinator(rt.Events, logger)
	rt.Interactions = interaction.NewCoordinator(rt.Events, logger)

	rt.Providers = provider.NewRegistry(logger)
	for id := range cfg.Providers {
		pcfg, err := cfg.Provider(id)
		if err != nil {
			continue // disabled providers stay unregistered
		}
		rt.registerProvider(id, pcfg, logger)
	}

	rt.Runner = runner.New(cfg, contextID, runner.Deps{
		Sessions:   rt.Sessions,
		Tasks:      rt.Tasks,
		Providers:  rt.Providers,
		Registry:   rt.Tools,
		Dispatcher: rt.Dispatcher,
		Events:     rt.Events,
		Logger:     logger,
	})

	if !opts.SkipSessionGC {
		removed, err := rt.Sessions.CleanupUnsavedEphemeral(ctx, contextID, time.Now())
		if err != nil {
			rt.log.Warn("startup session cleanup failed", "error", err)
		} else if removed > 0 {
			rt.log.Info("removed unsaved ephemeral sessions", "count", removed)
		}
	}
	return rt, nil
}

func (rt *Runtime) openDB(ctx context.Context, path string, schema database.Schema) (*sql.DB, error) {
	db, err := database.Open(ctx, path, schema)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("opening %s store: %w", schema, err)
	}
	rt.dbs = append(rt.dbs, db)
	return db, nil
}

// registerProvider installs a lazy factory that runs the provider's static
// sync before the first instance is constructed.
func (rt *Runtime) registerProvider(id string, pcfg config.ProviderConfig, logger *slog.Logger) {
	rt.Providers.Register(id, func() (llm.Provider, error) {
		if err := rt.ensureStaticSync(context.Background(), id, pcfg); err != nil {
			return nil, err
		}
		return provider.NewACPProvider(id, pcfg, provider.Deps{
			Events:     rt.Events,
			Asker:      rt.Interactions,
			MCPServers: rt.Config.Runtime.MCPServers,
			Logger:     logger,
		})
	})
}

// ensureStaticSync mirrors MCP servers and skills into the provider's
// config tree once per process, before the provider first runs. A degrade
// policy logs failures; a fail policy blocks provider construction.
func (rt *Runtime) ensureStaticSync(ctx context.Context, id string, pcfg config.ProviderConfig) error {
	rt.syncMu.Lock()
	defer rt.syncMu.Unlock()
	if rt.synced[id] {
		return nil
	}
	syncer, err := staticsync.New(id, pcfg, rt.Config.Runtime, staticsync.Deps{
		Events: rt.Events,
		Logger: rt.log,
	})
	if err != nil {
		return err
	}
	report, err := syncer.Sync(ctx, staticsync.Options{})
	if err != nil {
		return err
	}
	if failed := len(report.FailedItems()); failed > 0 {
		rt.log.Warn("static sync degraded", "provider_id", id, "failed", failed)
	}
	rt.synced[id] = true
	return nil
}

// SyncReport runs one static sync for a provider on demand (the sync CLI
// path) without marking the provider as synced.
func (rt *Runtime) SyncReport(ctx context.Context, id string, opts staticsync.Options) (staticsync.Report, error) {
	pcfg, err := rt.Config.Provider(id)
	if err != nil {
		return staticsync.Report{}, err
	}
	syncer, err := staticsync.New(id, pcfg, rt.Config.Runtime, staticsync.Deps{
		Events: rt.Events,
		Logger: rt.log,
	})
	if err != nil {
		return staticsync.Report{}, err
	}
	return syncer.Sync(ctx, opts)
}

// Close shuts down providers first, then the stores underneath them.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Providers != nil {
		if err := rt.Providers.CloseAll(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, db := range rt.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.dbs = nil
	return errors.Join(errs...)
}
