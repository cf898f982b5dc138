package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/perlica/perlica/internal/approval"
	"github.com/perlica/perlica/internal/policy"
)

// interactiveResolver answers approval prompts on the terminal. Persisting
// decisions ([a]/[d]) is handled by the dispatcher via Decision.PersistPolicy.
type interactiveResolver struct {
	in  *bufio.Reader
	out io.Writer
}

func newInteractiveResolver(in io.Reader, out io.Writer) *interactiveResolver {
	return &interactiveResolver{in: bufio.NewReader(in), out: out}
}

func (r *interactiveResolver) Resolve(ctx context.Context, p policy.Prompt) (policy.Decision, error) {
	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "%s %s  %s\n",
		color.YellowString("approval needed:"),
		color.New(color.Bold).Sprint(p.ToolName),
		tierLabel(p.RiskTier))
	if args := formatArguments(p.Arguments); args != "" {
		fmt.Fprintln(r.out, args)
	}
	fmt.Fprintln(r.out, "  [y] allow once   [n] deny once   [a] always allow   [d] always deny")

	for {
		fmt.Fprint(r.out, color.CyanString("approve? "))
		line, err := r.readLine(ctx)
		if err != nil {
			return policy.Decision{}, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return policy.Decision{Allow: true}, nil
		case "n", "no", "":
			return policy.Decision{Allow: false, Reason: "denied by user"}, nil
		case "a", "always":
			return policy.Decision{Allow: true, PersistPolicy: approval.PolicyAlwaysAllow}, nil
		case "d", "never":
			return policy.Decision{Allow: false, Reason: "denied by user", PersistPolicy: approval.PolicyAlwaysDeny}, nil
		default:
			fmt.Fprintln(r.out, "please answer y, n, a, or d")
		}
	}
}

// readLine reads one line off stdin without blocking past ctx cancellation.
func (r *interactiveResolver) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.in.ReadString('\n')
		ch <- result{line: line, err: err}
	}()
	select {
	case res := <-ch:
		if res.err != nil && res.line == "" {
			return "", fmt.Errorf("reading approval answer: %w", res.err)
		}
		return res.line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func tierLabel(tier approval.RiskTier) string {
	switch tier {
	case approval.RiskHigh:
		return color.RedString("risk: %s", tier)
	case approval.RiskMedium:
		return color.YellowString("risk: %s", tier)
	default:
		return color.GreenString("risk: %s", tier)
	}
}

func formatArguments(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	for _, key := range []string{"cmd", "command"} {
		if cmd, ok := args[key].(string); ok && len(args) <= 2 {
			return "  $ " + cmd
		}
	}
	b, err := json.MarshalIndent(args, "  ", "  ")
	if err != nil {
		return fmt.Sprintf("  %v", args)
	}
	return "  " + string(b)
}
