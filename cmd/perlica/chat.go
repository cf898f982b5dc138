package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/perlica/perlica/internal/interaction"
	"github.com/perlica/perlica/internal/runner"
)

func newChatCmd(a *app) *cobra.Command {
	var (
		sessionRef string
		providerID string
		assumeYes  bool
	)

	cmd := &cobra.Command{
		Use:   "chat [prompt...]",
		Short: "Run one turn against a provider",
		Long: `Send one prompt through the runner and print the assistant reply.
Without --session the current session is reused, or an ephemeral one is
created. Tool calls that need approval prompt on the terminal unless
--yes grants everything for this run.`,
		Example: `  perlica chat "summarize the git log"
  perlica chat --session work --provider claude "continue"
  git diff | perlica chat --yes "review this diff"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				piped, err := readPipedStdin()
				if err != nil {
					return err
				}
				prompt = piped
			}
			if prompt == "" {
				return fmt.Errorf("a prompt is required (argument or piped stdin)")
			}
			return runChat(cmd.Context(), a, prompt, sessionRef, providerID, assumeYes)
		},
	}

	cmd.Flags().StringVar(&sessionRef, "session", "", "Session id prefix or name (default: current session)")
	cmd.Flags().StringVar(&providerID, "provider", "", "Provider id (default: session lock, then runtime.default_provider)")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Approve every tool call in this run")
	return cmd
}

func runChat(parent context.Context, a *app, prompt, sessionRef, providerID string, assumeYes bool) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := a.openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	in := runner.Input{
		Text:       prompt,
		SessionRef: sessionRef,
		ProviderID: providerID,
		AssumeYes:  assumeYes,
	}
	if !assumeYes {
		in.Resolver = newInteractiveResolver(os.Stdin, os.Stderr)
	}

	type runResult struct {
		out runner.Outcome
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		out, err := rt.Runner.Run(ctx, in)
		done <- runResult{out: out, err: err}
	}()

	// Provider-side permission questions surface as pending interactions
	// while the run is in flight; answer them from the terminal.
	stdin := bufio.NewReader(os.Stdin)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case res := <-done:
			if res.err != nil {
				return res.err
			}
			printOutcome(os.Stdout, os.Stderr, res.out)
			return nil
		case <-ticker.C:
			req, ok := rt.Interactions.Pending()
			if !ok {
				continue
			}
			if err := answerInteraction(ctx, rt.Interactions, stdin, os.Stderr, req); err != nil {
				a.log.Warn("answering provider question failed", "error", err)
			}
		}
	}
}

// answerInteraction prompts for one provider question and submits the reply.
func answerInteraction(ctx context.Context, c *interaction.Coordinator, stdin *bufio.Reader, out io.Writer, req interaction.Request) error {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s %s\n", color.MagentaString("provider asks:"), req.Question)
	for i, opt := range req.Options {
		fmt.Fprintf(out, "  [%d] %s\n", i+1, opt)
	}
	if req.AllowCustomInput {
		fmt.Fprintln(out, "  (or type a custom answer)")
	}
	fmt.Fprint(out, color.CyanString("answer: "))

	line, err := readLineContext(ctx, stdin)
	if err != nil {
		return err
	}
	res := c.SubmitAnswer(ctx, strings.TrimSpace(line), "cli")
	if !res.Accepted {
		fmt.Fprintln(out, color.YellowString(res.Message))
	}
	return nil
}

func readLineContext(ctx context.Context, r *bufio.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.ReadString('\n')
		ch <- result{line: line, err: err}
	}()
	select {
	case res := <-ch:
		if res.err != nil && res.line == "" {
			return "", res.err
		}
		return res.line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func printOutcome(stdout, stderr io.Writer, out runner.Outcome) {
	if out.AssistantText != "" {
		fmt.Fprintln(stdout, out.AssistantText)
	}
	dim := color.New(color.Faint)
	dim.Fprintf(stderr, "session %s  run %s  provider %s  finish %s",
		shortID(out.SessionID), shortID(out.RunID), out.ProviderID, out.FinishReason)
	if out.ToolCalls > 0 {
		dim.Fprintf(stderr, "  tools %d", out.ToolCalls)
	}
	if total := out.Usage.InputTokens + out.Usage.OutputTokens; total > 0 {
		dim.Fprintf(stderr, "  tokens %d", total)
	}
	if out.Compacted {
		dim.Fprint(stderr, "  compacted")
	}
	fmt.Fprintln(stderr)
}

func readPipedStdin() (string, error) {
	info, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return "", nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
