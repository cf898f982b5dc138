package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv(EnvHome, home)
	path := filepath.Join(home, "perlica.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return home
}

func TestLoad_MissingDefaultFileYieldsDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvHome, home)
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, home, cfg.Home)
	assert.Equal(t, 16, cfg.Runtime.MaxToolCalls)
	assert.Equal(t, "jsonl", cfg.Runtime.Logs.Format)
	assert.True(t, cfg.RequirePairing())
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestLoad_RejectsLegacyProviderKeys(t *testing.T) {
	for _, key := range []string{"backend", "fallback"} {
		t.Run(key, func(t *testing.T) {
			home := writeConfig(t, `{"providers":{"claude":{"enabled":true,"`+key+`":"x"}}}`)
			_ = home
			_, err := Load("")
			require.Error(t, err)
			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Contains(t, cerr.Key, key)
		})
	}
}

func TestLoad_ProviderDefaults(t *testing.T) {
	writeConfig(t, `{
		"runtime": {"default_provider": "claude"},
		"providers": {
			"claude":   {"enabled": true, "adapter_command": "claude-acp"},
			"opencode": {"enabled": true, "adapter_command": "opencode", "acp_request_timeout_sec": 120}
		}
	}`)

	cfg, err := Load("")
	require.NoError(t, err)

	claude := cfg.Providers["claude"]
	assert.Equal(t, "claude", claude.Dialect)
	assert.Equal(t, 60, claude.ConnectTimeoutSec)
	assert.Equal(t, 300, claude.RequestTimeoutSec)
	assert.Equal(t, "local", claude.ToolExecutionMode)
	assert.Equal(t, "degrade", claude.InjectionFailurePolicy)
	assert.Equal(t, int64(500), claude.Backoff.InitialMS)

	oc := cfg.Providers["opencode"]
	assert.Equal(t, "opencode", oc.Dialect)
	assert.Equal(t, 120, oc.RequestTimeoutSec)

	assert.Equal(t, "claude", cfg.Service.Provider)
}

func TestLoad_InvalidLogsFallBackWithWarnings(t *testing.T) {
	writeConfig(t, `{"runtime":{"logs":{"format":"xml","max_files":-1,"redaction":"sometimes"}}}`)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "jsonl", cfg.Runtime.Logs.Format)
	assert.Equal(t, 5, cfg.Runtime.Logs.MaxFiles)
	assert.Equal(t, "default", cfg.Runtime.Logs.Redaction)
	assert.Len(t, cfg.Warnings, 3)
}

func TestConfig_ProviderLookup(t *testing.T) {
	writeConfig(t, `{"providers":{"claude":{"enabled":true},"off":{"enabled":false}}}`)

	cfg, err := Load("")
	require.NoError(t, err)

	_, err = cfg.Provider("claude")
	require.NoError(t, err)

	_, err = cfg.Provider("off")
	require.Error(t, err)

	_, err = cfg.Provider("ghost")
	require.Error(t, err)
}

func TestConfig_ContextWindow(t *testing.T) {
	writeConfig(t, `{"runtime":{"provider_context_windows":{"claude":180000}}}`)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 180000, cfg.ContextWindow("claude"))
	assert.Equal(t, 200000, cfg.ContextWindow("other"))
}

func TestConfig_ProviderManagedMode(t *testing.T) {
	writeConfig(t, `{"providers":{"claude":{"enabled":true,"tool_execution_mode":"provider_managed"}}}`)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Providers["claude"].ProviderManaged())
}
