// Command perlica is the local agent CLI: one-shot chat turns, the
// messaging-service bridge, and operator commands for sessions, approvals,
// the event log, pairing, and provider static sync.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/perlica/perlica/internal/config"
	"github.com/perlica/perlica/internal/logging"
	"github.com/perlica/perlica/internal/runtime"
)

// app carries what every subcommand needs once the root PersistentPreRunE
// has run: the loaded config and the fanout logger.
type app struct {
	configPath string
	contextID  string
	verbose    bool

	cfg *config.Config
	log *slog.Logger

	debugLog *logging.FileHandler // nil when the debug log is disabled
}

func newApp() *app {
	return &app{log: slog.New(slog.NewTextHandler(os.Stderr, nil))}
}

// init loads the config and swaps in the real logger. Called from the root
// PersistentPreRunE so every command sees the same setup.
func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	console := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})

	handler := slog.Handler(console)
	if cfg.Runtime.Logs.Enabled {
		fh, err := logging.NewFileHandler(filepath.Join(cfg.LogsDir(), "perlica.log"), logging.FileHandlerOptions{
			MaxFileBytes: cfg.Runtime.Logs.MaxFileBytes,
			MaxFiles:     cfg.Runtime.Logs.MaxFiles,
			Redact:       cfg.Runtime.Logs.Redaction != "none",
		})
		if err != nil {
			return fmt.Errorf("opening debug log: %w", err)
		}
		a.debugLog = fh
		handler = logging.NewFanout(console, fh)
	}

	a.log = slog.New(handler)
	for _, w := range cfg.Warnings {
		a.log.Warn("config normalized", "detail", w)
	}
	return nil
}

func (a *app) shutdown() {
	if a.debugLog != nil {
		_ = a.debugLog.Close()
	}
}

// openRuntime wires the per-context stores and coordinators. Callers own
// the returned runtime and must Close it.
func (a *app) openRuntime(ctx context.Context) (*runtime.Runtime, error) {
	return runtime.New(ctx, *a.cfg, runtime.Options{ContextID: a.contextID}, a.log)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "perlica",
		Short: "Local agent that drives LLM providers over ACP",
		Long: `Perlica drives an external LLM provider subprocess over ACP to converse
and, with approval, run tools on this machine. State lives under the
perlica home directory (default ~/.perlica): per-context event logs,
sessions, and approval policies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"Config file path (default $PERLICA_CONFIG, then <home>/perlica.json)")
	root.PersistentFlags().StringVar(&a.contextID, "context", runtime.DefaultContext,
		"Context id; each context has its own stores")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false,
		"Debug-level console logging")

	root.AddCommand(
		newChatCmd(a),
		newServeCmd(a),
		newSessionsCmd(a),
		newApprovalsCmd(a),
		newEventsCmd(a),
		newPairCmd(a),
		newSyncCmd(a),
	)
	return root
}
