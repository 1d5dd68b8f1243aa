package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"nerdkernel/internal/core"
)

var strataRules bool

// strataCmd prints the stratification of the workspace policy.
var strataCmd = &cobra.Command{
	Use:   "strata",
	Short: "Print the stratification of the policy",
	Long: `Compiles the workspace policy (embedded defaults, kernel.policy_dir and
kernel.learned_dir) and prints each stratum in evaluation order with the
predicates it defines.`,
	Args: cobra.NoArgs,
	RunE: runStrata,
}

func init() {
	strataCmd.Flags().BoolVar(&strataRules, "rules", false, "Also list the rules of each stratum")
}

func runStrata(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}
	prog, err := core.LoadPolicy(resolvePath(ws, cfg.Kernel.PolicyDir), resolvePath(ws, cfg.Kernel.LearnedDir))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, s := range prog.Strata() {
		fmt.Fprintf(out, "%s %s\n", titleStyle.Render(fmt.Sprintf("stratum %d", s.Index)),
			mutedStyle.Render(fmt.Sprintf("(%d rules)", len(s.Rules))))
		fmt.Fprintf(out, "  %s\n", strings.Join(s.Predicates, ", "))
		if strataRules {
			for _, r := range s.Rules {
				fmt.Fprintf(out, "    %s %s\n", mutedStyle.Render(r.Name+":"), r.String())
			}
		}
	}
	return nil
}
