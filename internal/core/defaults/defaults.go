// Package defaults provides the embedded default policy for nerdkernel.
//
// The policy is a set of Mangle rule files compiled at startup:
//
//   - params.mg        tunable thresholds and their config overrides
//   - intent.mg        intent routing, clarification, TDD loop, commit gate, health
//   - activation.mg    context activation scoring and selection
//   - constitution.mg  the permission gate and appeals
//   - campaign.mg      phase and task sequencing
//   - verification.mg  the verification retry loop
//
// Usage:
//
//	srcs, err := mangle.LoadFS(defaults.PolicyFS, defaults.PolicyDir, false)
package defaults

import (
	"embed"
	"io/fs"
	"sort"
)

// PolicyDir is the directory inside PolicyFS that holds the rule files.
const PolicyDir = "policy"

// PolicyFS contains the default rule files.
//
//go:embed policy/*.mg
var PolicyFS embed.FS

// PolicyFiles lists the embedded rule files in load order.
func PolicyFiles() []string {
	entries, err := fs.ReadDir(PolicyFS, PolicyDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}
