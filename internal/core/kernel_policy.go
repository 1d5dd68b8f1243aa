package core

import (
	"fmt"
	"sort"

	"nerdkernel/internal/core/defaults"
	"nerdkernel/internal/logging"
	"nerdkernel/internal/mangle"
	"nerdkernel/internal/types"
)

// =============================================================================
// POLICY MANAGEMENT
// =============================================================================

// PolicySources collects the rule sources in load order: the embedded
// defaults, operator rules from policyDir, and learned rules from
// learnedDir. Empty or missing directories contribute nothing.
func PolicySources(policyDir, learnedDir string) ([]mangle.Source, error) {
	srcs, err := mangle.LoadFS(defaults.PolicyFS, defaults.PolicyDir, false)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded policy: %w", err)
	}
	if policyDir != "" {
		extra, err := mangle.LoadDir(policyDir, false)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, extra...)
	}
	if learnedDir != "" {
		learned, err := mangle.LoadDir(learnedDir, true)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, learned...)
	}
	return srcs, nil
}

// LoadPolicy compiles the full rule set. Any diagnostic rejects it.
func LoadPolicy(policyDir, learnedDir string) (*mangle.Program, error) {
	srcs, err := PolicySources(policyDir, learnedDir)
	if err != nil {
		return nil, err
	}
	prog, err := mangle.Compile(srcs...)
	if err != nil {
		return nil, err
	}
	logging.Kernel("Policy loaded: %d sources, %d rules, %d strata", len(srcs), len(prog.Rules), len(prog.Strata()))
	return prog, nil
}

// ParamFacts renders policy parameter overrides as policy_param facts.
// Names are normalized to /name constants.
func ParamFacts(params map[string]int64) []types.Fact {
	names := make([]string, 0, len(params))
	for n := range params {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]types.Fact, 0, len(names))
	for _, n := range names {
		out = append(out, types.NewFact("policy_param", types.Name(n), types.Int(params[n])))
	}
	return out
}

// Param reads the effective value of a policy parameter.
func (db *Database) Param(name string) (int64, bool) {
	for f := range db.Query("param", map[int]types.Value{0: types.Name(name)}) {
		if n, ok := f.Args[1].IntValue(); ok {
			return n, true
		}
	}
	return 0, false
}
