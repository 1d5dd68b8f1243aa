package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nerdkernel/internal/core"
	"nerdkernel/internal/mangle"
)

// queryCmd prints every fact of a predicate after evaluation.
var queryCmd = &cobra.Command{
	Use:   "query [predicate]",
	Short: "Query facts after evaluating the policy",
	Long: `Runs --cycles cycles over --facts and prints every fact of the
predicate, base or derived.

Example:
  nerd query next_action --facts intent.mg
  nerd query permission_denied -f actions.mg`,
	Args: cobra.ExactArgs(1),
	RunE: queryFacts,
}

// whyCmd explains a derived fact
var whyCmd = &cobra.Command{
	Use:   "why [fact]",
	Short: "Explain why a fact holds",
	Long: `Shows the derivation (proof tree) of a fact down to the base facts it
rests on, rendered as markdown.

Examples:
  nerd why 'next_action(/delegate_coder)' --facts intent.mg
  nerd why 'permission_denied(/a1, "Dangerous Action")' -f actions.mg`,
	Args: cobra.ExactArgs(1),
	RunE: runWhy,
}

var whyPlain bool

func init() {
	whyCmd.Flags().BoolVar(&whyPlain, "plain", false, "Print the proof tree as ASCII instead of markdown")
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	base := cmd.Context()
	if base == nil {
		base = context.Background()
	}
	return context.WithTimeout(base, timeout)
}

func queryFacts(cmd *cobra.Command, args []string) error {
	predicate := args[0]
	logger.Info("Querying facts", zap.String("predicate", predicate))

	ctx, cancel := commandContext(cmd)
	defer cancel()

	cx, _, err := offlineSession(ctx, factsFile, cycles, false)
	if err != nil {
		return err
	}
	defer cx.Close()

	out := cmd.OutOrStdout()
	facts := cx.Kernel.Database().Facts(predicate)
	if len(facts) == 0 {
		fmt.Fprintf(out, "No facts found for predicate '%s'\n", predicate)
		return nil
	}

	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Facts for '%s' (%d):", predicate, len(facts))))
	for _, fact := range facts {
		fmt.Fprintf(out, "  %s\n", fact.String())
	}
	return nil
}

func runWhy(cmd *cobra.Command, args []string) error {
	fact, err := mangle.ParseFact(args[0])
	if err != nil {
		return fmt.Errorf("invalid fact: %w", err)
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	cx, _, err := offlineSession(ctx, factsFile, cycles, true)
	if err != nil {
		return err
	}
	defer cx.Close()

	out := cmd.OutOrStdout()
	tree, err := cx.Kernel.Database().Explain(fact)
	if errors.Is(err, core.ErrNoDerivation) {
		fmt.Fprintln(out, warnStyle.Render(err.Error()))
		return nil
	}
	if err != nil {
		return err
	}

	if whyPlain {
		fmt.Fprint(out, tree.RenderASCII())
		return nil
	}
	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return err
	}
	rendered, err := renderer.Render(tree.RenderMarkdown())
	if err != nil {
		return err
	}
	fmt.Fprint(out, rendered)
	return nil
}
