package runtime

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perlica/perlica/internal/config"
	"github.com/perlica/perlica/internal/session"
	"github.com/perlica/perlica/internal/staticsync"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Home: t.TempDir(),
		Runtime: config.RuntimeConfig{
			DefaultProvider: "claude",
			MCPServers: map[string]config.MCPServerConfig{
				"db": {Command: "mcp-db"},
			},
		},
		Providers: map[string]config.ProviderConfig{
			"claude": {
				Enabled:           true,
				Dialect:           "claude",
				AdapterCommand:    "claude-acp",
				SupportsMCPConfig: true,
			},
			"legacy": {Enabled: false, Dialect: "claude"},
		},
	}
}

func newTestRuntime(t *testing.T, cfg config.Config, opts Options) *Runtime {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt, err := New(context.Background(), cfg, opts, logger)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestNewWiresTheContext(t *testing.T) {
	cfg := testConfig(t)
	rt := newTestRuntime(t, cfg, Options{})

	assert.Equal(t, DefaultContext, rt.ContextID)
	assert.NotNil(t, rt.Events)
	assert.NotNil(t, rt.Sessions)
	assert.NotNil(t, rt.Approvals)
	assert.NotNil(t, rt.Dispatcher)
	assert.NotNil(t, rt.Tasks)
	assert.NotNil(t, rt.Interactions)
	assert.NotNil(t, rt.Runner)

	// Only enabled providers are registered.
	assert.Equal(t, []string{"claude"}, rt.Providers.IDs())

	// The shell tool ships by default.
	specs := rt.Tools.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, "shell.exec", specs[0].Name)

	// The context directory holds the three stores.
	dir := cfg.ContextDir(DefaultContext)
	for _, name := range []string{"events.db", "sessions.db", "approvals.db"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestProviderConstructionRunsStaticSync(t *testing.T) {
	cfg := testConfig(t)
	projectDir := t.TempDir()
	pcfg := cfg.Providers["claude"]
	pcfg.ProjectDir = projectDir
	cfg.Providers["claude"] = pcfg

	rt := newTestRuntime(t, cfg, Options{})

	p, err := rt.Providers.Get("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", p.ID())

	data, err := os.ReadFile(filepath.Join(projectDir, ".mcp.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "perlica.db")

	// A second Get reuses the instance without re-syncing.
	removed := filepath.Join(projectDir, ".mcp.json")
	require.NoError(t, os.Remove(removed))
	_, err = rt.Providers.Get("claude")
	require.NoError(t, err)
	_, statErr := os.Stat(removed)
	assert.True(t, os.IsNotExist(statErr), "sync must run once per process")
}

func TestStartupCleanupRemovesStaleEphemerals(t *testing.T) {
	cfg := testConfig(t)
	first := newTestRuntime(t, cfg, Options{SkipSessionGC: true})

	ctx := context.Background()
	stale, err := first.Sessions.Create(ctx, session.CreateParams{ContextID: DefaultContext, IsEphemeral: true})
	require.NoError(t, err)
	current, err := first.Sessions.Create(ctx, session.CreateParams{ContextID: DefaultContext, IsEphemeral: true})
	require.NoError(t, err)
	require.NoError(t, first.Sessions.SetCurrent(ctx, DefaultContext, current.ID))
	saved, err := first.Sessions.Create(ctx, session.CreateParams{ContextID: DefaultContext, IsEphemeral: true})
	require.NoError(t, err)
	require.NoError(t, first.Sessions.Save(ctx, saved.ID, "keep-me"))
	require.NoError(t, first.Close())

	time.Sleep(5 * time.Millisecond)
	second := newTestRuntime(t, cfg, Options{})

	_, err = second.Sessions.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = second.Sessions.Get(ctx, current.ID)
	assert.NoError(t, err, "the current session survives cleanup")
	_, err = second.Sessions.Get(ctx, saved.ID)
	assert.NoError(t, err, "saved sessions survive cleanup")
}

func TestSyncReportDryRun(t *testing.T) {
	cfg := testConfig(t)
	projectDir := t.TempDir()
	pcfg := cfg.Providers["claude"]
	pcfg.ProjectDir = projectDir
	cfg.Providers["claude"] = pcfg

	rt := newTestRuntime(t, cfg, Options{})

	report, err := rt.SyncReport(context.Background(), "claude", staticsync.Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	_, statErr := os.Stat(filepath.Join(projectDir, ".mcp.json"))
	assert.True(t, os.IsNotExist(statErr), "dry run writes nothing")

	_, err = rt.SyncReport(context.Background(), "legacy", staticsync.Options{})
	assert.Error(t, err, "disabled providers cannot sync")
}
