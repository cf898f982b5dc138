// Package shelltool implements the built-in shell command tool. It runs
// only when dispatched; direct calls are refused so policy and approval
// can never be bypassed.
package shelltool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/perlica/perlica/internal/approval"
	"github.com/perlica/perlica/internal/tool"
)

// Name is the registry name of the shell tool.
const Name = "shell.exec"

const defaultTimeout = 60 * time.Second

// Tool runs shell commands through "sh -c".
type Tool struct {
	// WorkDir is the command working directory; empty inherits the
	// process working directory.
	WorkDir string
	// Timeout bounds one command; zero means the 60s default.
	Timeout time.Duration

	log *slog.Logger
}

func New(logger *slog.Logger) *Tool {
	return &Tool{log: logger.With("component", "shelltool")}
}

func (t *Tool) Name() string        { return Name }
func (t *Tool) Description() string { return "Run a shell command and return its output." }

func (t *Tool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cmd": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
			},
		},
		"required": []string{"cmd"},
	}
}

// RiskTier is the baseline; the policy engine escalates per command.
func (t *Tool) RiskTier() approval.RiskTier { return approval.RiskLow }

// Execute runs the command. Refusals and command failures are returned as
// results, not errors; the dispatcher owns the error channel.
func (t *Tool) Execute(ctx context.Context, call tool.Call) (tool.Result, error) {
	if !tool.DispatchActive(ctx) {
		t.log.Warn("direct shell execution refused", "call_id", call.ID)
		return tool.Result{
			CallID: call.ID,
			OK:     false,
			Error:  tool.ReasonDirectExecutionForbidden,
		}, nil
	}

	cmdText := commandText(call.Arguments)
	if strings.TrimSpace(cmdText) == "" {
		return tool.Result{CallID: call.ID, OK: false, Error: "missing cmd argument"}, nil
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", cmdText)
	cmd.Dir = t.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	t.log.Debug("shell command finished",
		"call_id", call.ID, "duration_ms", time.Since(start).Milliseconds(), "ok", err == nil)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := tool.Result{
		CallID: call.ID,
		OK:     err == nil,
		Output: stdout.String(),
		Artifacts: map[string]any{
			"exit_code": exitCode,
		},
	}
	if stderr.Len() > 0 {
		result.Artifacts["stderr"] = stderr.String()
	}
	if err != nil {
		result.Error = commandError(runCtx, err, timeout, &stderr)
	}
	return result, nil
}

func commandText(args map[string]any) string {
	for _, key := range []string{"cmd", "command"} {
		if v, ok := args[key].(string); ok {
			return v
		}
	}
	return ""
}

func commandError(ctx context.Context, err error, timeout time.Duration, stderr *bytes.Buffer) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("command timed out after %s", timeout)
	}
	msg := err.Error()
	if stderr.Len() > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(stderr.String()))
	}
	return msg
}
