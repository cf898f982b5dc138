package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable that overrides the config
// file location. EnvHome overrides the perlica home directory.
const (
	EnvConfigPath = "PERLICA_CONFIG"
	EnvHome       = "PERLICA_HOME"
)

// Legacy provider keys from the pre-ACP configuration format. Their presence
// fails the load so stale configs are fixed instead of silently ignored.
var legacyProviderKeys = []string{"backend", "fallback"}

// Error describes a configuration problem the operator has to fix.
type Error struct {
	Path   string
	Key    string
	Reason string
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config %s: key %q: %s", e.Path, e.Key, e.Reason)
	}
	return fmt.Sprintf("config %s: %s", e.Path, e.Reason)
}

// BackoffConfig shapes the retry delay between transport attempts.
type BackoffConfig struct {
	InitialMS int64   `json:"initial_ms"`
	MaxMS     int64   `json:"max_ms"`
	Factor    float64 `json:"factor"`
	Jitter    float64 `json:"jitter"`
}

// MCPServerConfig describes one MCP server perlica injects into providers
// that read an MCP registry file at startup.
type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// LogsConfig controls the JSONL debug log sink.
type LogsConfig struct {
	Enabled      bool   `json:"enabled"`
	Format       string `json:"format"`    // only "jsonl" is valid
	MaxFileBytes int64  `json:"max_file_bytes"`
	MaxFiles     int    `json:"max_files"`
	Redaction    string `json:"redaction"` // "none" or "default"
}

// RuntimeConfig holds the knobs consumed by the runner and runtime wiring.
type RuntimeConfig struct {
	DefaultProvider        string                     `json:"default_provider"`
	MaxToolCalls           int                        `json:"max_tool_calls"`
	ContextBudgetRatio     float64                    `json:"context_budget_ratio"`
	MaxSummaryAttempts     int                        `json:"max_summary_attempts"`
	ProviderContextWindows map[string]int             `json:"provider_context_windows"`
	SkillsDir              string                     `json:"skills_dir"`
	SystemPromptPath       string                     `json:"system_prompt_path"`
	MCPServers             map[string]MCPServerConfig `json:"mcp_servers"`
	Logs                   LogsConfig                 `json:"logs"`
}

// ProviderConfig describes one ACP provider adapter subprocess.
type ProviderConfig struct {
	Enabled bool   `json:"enabled"`
	Dialect string `json:"dialect"` // "claude" or "opencode"; defaults from the provider id

	AdapterCommand      string            `json:"adapter_command"`
	AdapterArgs         []string          `json:"adapter_args"`
	AdapterEnv          map[string]string `json:"adapter_env"`
	AdapterEnvAllowlist []string          `json:"adapter_env_allowlist"`
	ProjectDir          string            `json:"project_dir"`

	ConnectTimeoutSec     int           `json:"acp_connect_timeout_sec"`
	RequestTimeoutSec     int           `json:"acp_request_timeout_sec"`
	MaxRetries            int           `json:"acp_max_retries"`
	Backoff               BackoffConfig `json:"acp_backoff"`
	CircuitBreakerEnabled bool          `json:"acp_circuit_breaker_enabled"`

	SupportsMCPConfig      bool   `json:"supports_mcp_config"`
	SupportsSkillConfig    bool   `json:"supports_skill_config"`
	ToolExecutionMode      string `json:"tool_execution_mode"` // "local" or "provider_managed"
	InjectionFailurePolicy string `json:"injection_failure_policy"` // "degrade" or "fail"
}

// ProviderManaged reports whether the provider executes tools on its own
// side, which disables local dispatch for its sessions.
func (p ProviderConfig) ProviderManaged() bool {
	return p.ToolExecutionMode == "provider_managed"
}

// ServiceConfig holds the messaging-bridge settings.
type ServiceConfig struct {
	Channel           string `json:"channel"`
	Provider          string `json:"provider"` // falls back to runtime.default_provider
	AllowedContact    string `json:"allowed_contact"`
	RequirePairing    *bool  `json:"require_pairing"`
	HealthIntervalSec int    `json:"health_interval_sec"`
	AckText           string `json:"ack_text"`
	MaxPairingChats   int    `json:"max_pairing_chats"`
}

// Config is the top-level configuration for perlica.
type Config struct {
	Runtime   RuntimeConfig             `json:"runtime"`
	Providers map[string]ProviderConfig `json:"providers"`
	Service   ServiceConfig             `json:"service"`

	// Home is the resolved perlica home directory; set by Load, never read
	// from the file.
	Home string `json:"-"`

	// Warnings collects non-fatal normalization notes (e.g. invalid log
	// settings replaced by defaults) for the caller to log.
	Warnings []string `json:"-"`
}

// DefaultHome resolves the perlica home directory from PERLICA_HOME,
// defaulting to ~/.perlica.
func DefaultHome() string {
	if h := os.Getenv(EnvHome); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".perlica"
	}
	return filepath.Join(home, ".perlica")
}

// Default returns a Config populated with defaults only.
func Default(home string) *Config {
	return &Config{
		Runtime: RuntimeConfig{

			MaxToolCalls:           16,
			ContextBudgetRatio:     0.8,
			MaxSummaryAttempts:     2,
			ProviderContextWindows: map[string]int{},
			SkillsDir:              filepath.Join(home, "skills"),
			MCPServers:             map[string]MCPServerConfig{},
			Logs: LogsConfig{
				Enabled:      true,
				Format:       "jsonl",
				MaxFileBytes: 10 << 20,
				MaxFiles:     5,
				Redaction:    "default",
			},
		},
		Providers: map[string]ProviderConfig{},
		Service: ServiceConfig{
			Channel:           "imessage",
			HealthIntervalSec: 15,
			AckText:           "Got it, working on it…",
			MaxPairingChats:   5,
		},
		Home: home,
	}
}

// Load reads the JSON config file and returns the parsed Config. The path is
// taken from the argument, then PERLICA_CONFIG, then <home>/perlica.json. A
// missing file at the default path yields defaults; a missing file at an
// explicitly requested path is an error.
func Load(path string) (*Config, error) {
	home := DefaultHome()
	explicit := path != ""
	if !explicit {
		if p := os.Getenv(EnvConfigPath); p != "" {
			path = p
			explicit = true
		} else {
			path = filepath.Join(home, "perlica.json")
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return Default(home), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := rejectLegacyKeys(path, data); err != nil {
		return nil, err
	}

	cfg := Default(home)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.normalize(path)
	return cfg, nil
}

// rejectLegacyKeys fails the load when any provider block still carries the
// pre-ACP keys.
func rejectLegacyKeys(path string, data []byte) error {
	var raw struct {
		Providers map[string]map[string]json.RawMessage `json:"providers"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	for id, block := range raw.Providers {
		for _, key := range legacyProviderKeys {
			if _, ok := block[key]; ok {
				return &Error{
					Path:   path,
					Key:    fmt.Sprintf("providers.%s.%s", id, key),
					Reason: "legacy key is no longer supported; configure an ACP adapter instead",
				}
			}
		}
	}
	return nil
}

// normalize fills per-provider defaults and replaces invalid log settings
// with defaults, recording a warning for each replacement.
func (c *Config) normalize(path string) {
	if c.Runtime.MaxToolCalls <= 0 {
		c.Runtime.MaxToolCalls = 16
	}
	if c.Runtime.ContextBudgetRatio <= 0 || c.Runtime.ContextBudgetRatio > 1 {
		c.Runtime.ContextBudgetRatio = 0.8
	}
	if c.Runtime.MaxSummaryAttempts <= 0 {
		c.Runtime.MaxSummaryAttempts = 2
	}
	if c.Runtime.SkillsDir == "" {
		c.Runtime.SkillsDir = filepath.Join(c.Home, "skills")
	}

	logs := &c.Runtime.Logs
	if logs.Format != "jsonl" {
		if logs.Format != "" {
			c.warn("runtime.logs.format %q is not supported, using jsonl", logs.Format)
		}
		logs.Format = "jsonl"
	}
	if logs.MaxFileBytes <= 0 {
		if logs.MaxFileBytes < 0 {
			c.warn("runtime.logs.max_file_bytes must be positive, using default")
		}
		logs.MaxFileBytes = 10 << 20
	}
	if logs.MaxFiles <= 0 {
		if logs.MaxFiles < 0 {
			c.warn("runtime.logs.max_files must be positive, using default")
		}
		logs.MaxFiles = 5
	}
	switch logs.Redaction {
	case "none", "default":
	case "":
		logs.Redaction = "default"
	default:
		c.warn("runtime.logs.redaction %q is unknown, using default", logs.Redaction)
		logs.Redaction = "default"
	}

	for id, p := range c.Providers {
		c.Providers[id] = normalizeProvider(id, p)
	}

	if c.Service.Provider == "" {
		c.Service.Provider = c.Runtime.DefaultProvider
	}
	if c.Service.HealthIntervalSec <= 0 {
		c.Service.HealthIntervalSec = 15
	}
	if c.Service.MaxPairingChats <= 0 {
		c.Service.MaxPairingChats = 5
	}
	if c.Service.AckText == "" {
		c.Service.AckText = "Got it, working on it…"
	}
	_ = path
}

func normalizeProvider(id string, p ProviderConfig) ProviderConfig {
	if p.Dialect == "" {
		switch id {
		case "opencode":
			p.Dialect = "opencode"
		default:
			p.Dialect = "claude"
		}
	}
	if p.ConnectTimeoutSec <= 0 {
		p.ConnectTimeoutSec = 60
	}
	if p.RequestTimeoutSec <= 0 {
		p.RequestTimeoutSec = 300
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Backoff.InitialMS <= 0 {
		p.Backoff.InitialMS = 500
	}
	if p.Backoff.MaxMS <= 0 {
		p.Backoff.MaxMS = 10_000
	}
	if p.Backoff.Factor <= 1 {
		p.Backoff.Factor = 2
	}
	if p.Backoff.Jitter < 0 || p.Backoff.Jitter > 1 {
		p.Backoff.Jitter = 0.1
	}
	switch p.ToolExecutionMode {
	case "local", "provider_managed":
	default:
		p.ToolExecutionMode = "local"
	}
	switch p.InjectionFailurePolicy {
	case "degrade", "fail":
	default:
		p.InjectionFailurePolicy = "degrade"
	}
	return p
}

func (c *Config) warn(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// Provider returns the configuration for id, which must exist and be enabled.
func (c *Config) Provider(id string) (ProviderConfig, error) {
	p, ok := c.Providers[id]
	if !ok {
		return ProviderConfig{}, &Error{Key: "providers." + id, Reason: "provider is not configured"}
	}
	if !p.Enabled {
		return ProviderConfig{}, &Error{Key: "providers." + id, Reason: "provider is disabled"}
	}
	return p, nil
}

// ContextWindow returns the configured context window for a provider,
// defaulting to 200k tokens.
func (c *Config) ContextWindow(providerID string) int {
	if w, ok := c.Runtime.ProviderContextWindows[providerID]; ok && w > 0 {
		return w
	}
	return 200_000
}

// RequirePairing reports whether the service bridge demands pairing before
// accepting a contact. Defaults to true.
func (c *Config) RequirePairing() bool {
	if c.Service.RequirePairing == nil {
		return true
	}
	return *c.Service.RequirePairing
}

// ContextsDir is where per-context stores live.
func (c *Config) ContextsDir() string { return filepath.Join(c.Home, "contexts") }

// ContextDir is the directory for one context's databases.
func (c *Config) ContextDir(contextID string) string {
	return filepath.Join(c.ContextsDir(), contextID)
}

// ServiceDir holds pairing and binding state files.
func (c *Config) ServiceDir() string { return filepath.Join(c.Home, "service") }

// LogsDir holds the JSONL debug logs.
func (c *Config) LogsDir() string { return filepath.Join(c.Home, "logs") }
