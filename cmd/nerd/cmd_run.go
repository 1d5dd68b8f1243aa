package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nerdkernel/internal/mangle"
	"nerdkernel/internal/system"
	"nerdkernel/internal/types"
)

var (
	factsFile string
	cycles    int
)

// runCmd evaluates cycles over a fact file with the stub shard.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run perception cycles over a fact file and print the decisions",
	Long: `Boots the kernel with the workspace policy, asserts the facts from
--facts at the first boundary, and runs --cycles cycles. Shards are stubbed:
every delegation is answered by an echo shard, so the run shows what the
policy decides and how the retry and campaign loops react.

Example:
  nerd run --facts intent.mg --cycles 3`,
	RunE: runCycles,
}

func init() {
	for _, c := range []*cobra.Command{runCmd, queryCmd, whyCmd} {
		c.Flags().StringVarP(&factsFile, "facts", "f", "", "File of ground facts to assert before the first cycle")
		c.Flags().IntVarP(&cycles, "cycles", "n", 1, "Number of cycles to run")
	}
}

// offlineSession boots a Cortex without hot reload or learnings, asserts
// factsFile and runs n cycles, waiting for shards between cycles.
func offlineSession(ctx context.Context, factsFile string, n int, explain bool) (*system.Cortex, []*system.Result, error) {
	if n < 1 {
		return nil, nil, fmt.Errorf("--cycles must be at least 1, got %d", n)
	}
	ws := resolveWorkspace()
	cfg, err := loadConfig(ws)
	if err != nil {
		return nil, nil, err
	}
	cfg.Kernel.WatchRules = false
	cfg.Kernel.Explain = cfg.Kernel.Explain || explain

	var facts []types.Fact
	if factsFile != "" {
		data, err := os.ReadFile(factsFile)
		if err != nil {
			return nil, nil, err
		}
		if facts, err = mangle.ParseFacts(factsFile, string(data)); err != nil {
			return nil, nil, err
		}
	}

	cx, err := system.BootCortex(ctx, ws, cfg, system.WithoutRuleWatcher(), system.WithoutLearnedStore())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to boot cortex: %w", err)
	}
	cx.Kernel.Queue().Assert("cli", facts...)
	logger.Debug("Facts queued", zap.Int("facts", len(facts)), zap.String("file", factsFile))

	results := make([]*system.Result, 0, n)
	for i := 0; i < n; i++ {
		res, err := cx.Controller.Cycle(ctx)
		if err != nil {
			_ = cx.Close()
			return nil, nil, err
		}
		if err := cx.Dispatcher.Wait(); err != nil {
			logger.Warn("Shard error", zap.Error(err))
		}
		results = append(results, res)
	}
	return cx, results, nil
}

func runCycles(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	cx, results, err := offlineSession(ctx, factsFile, cycles, false)
	if err != nil {
		return err
	}
	defer cx.Close()

	out := cmd.OutOrStdout()
	for _, res := range results {
		printResult(out, res)
	}
	if d, ok := cx.Kernel.Decisions().DelegateTask(); ok {
		fmt.Fprintf(out, "%s %s %q\n", titleStyle.Render("pending delegation:"), d.ShardType, d.Description)
	}
	return nil
}

func printResult(out io.Writer, res *system.Result) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", titleStyle.Render(fmt.Sprintf("Cycle %d", res.Cycle)),
		mutedStyle.Render(fmt.Sprintf("(%v, %d derived, %d strata)", res.Duration.Round(100_000), res.Stats.Derived, res.Stats.Strata)))

	next := mutedStyle.Render("none")
	if res.HasNext {
		next = res.NextAction.String()
	}
	fmt.Fprintf(&sb, "next action: %s\n", next)

	var allowed, denied []string
	for _, v := range res.Verdicts {
		if v.Denied() {
			denied = append(denied, fmt.Sprintf("%s (%s)", v.Action, strings.Join(v.Reasons, ", ")))
		} else {
			allowed = append(allowed, v.Action.String())
		}
	}
	writeList(&sb, "final", allowed, okStyle.Render)
	writeList(&sb, "denied", denied, errorStyle.Render)
	writeList(&sb, "dispatched", res.Dispatched, nil)
	writeList(&sb, "cancelled", res.Cancelled, nil)
	writeList(&sb, "blocked", res.Blocked, warnStyle.Render)
	writeList(&sb, "replanned", res.Replanned, nil)
	writeList(&sb, "clarify", valueStrings(res.Clarify), warnStyle.Render)

	esc := make([]string, 0, len(res.Escalations))
	for _, f := range res.Escalations {
		esc = append(esc, f.String())
	}
	writeList(&sb, "escalations", esc, errorStyle.Render)

	fmt.Fprintln(out, sectionStyle.Render(strings.TrimRight(sb.String(), "\n")))
}

func writeList(sb *strings.Builder, label string, items []string, style func(...string) string) {
	if len(items) == 0 {
		return
	}
	text := strings.Join(items, ", ")
	if style != nil {
		text = style(text)
	}
	fmt.Fprintf(sb, "%s: %s\n", label, text)
}

func valueStrings(vs []types.Value) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.String())
	}
	return out
}
