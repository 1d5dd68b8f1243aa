package context

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"nerdkernel/internal/types"
)

// =============================================================================
// Fact Serialization
// =============================================================================
// Serializes selected facts to Mangle notation for prompt injection.

// FactSerializer handles serialization of facts to Mangle text.
type FactSerializer struct {
	includeComments  bool
	maxLineLength    int
	groupByPredicate bool
}

// NewFactSerializer creates a new serializer with default options.
func NewFactSerializer() *FactSerializer {
	return &FactSerializer{
		includeComments:  true,
		maxLineLength:    120,
		groupByPredicate: true,
	}
}

// WithComments enables/disables comment generation.
func (fs *FactSerializer) WithComments(include bool) *FactSerializer {
	fs.includeComments = include
	return fs
}

// WithGrouping enables/disables grouping facts by predicate.
func (fs *FactSerializer) WithGrouping(group bool) *FactSerializer {
	fs.groupByPredicate = group
	return fs
}

// SerializeFacts converts a slice of facts to Mangle notation.
func (fs *FactSerializer) SerializeFacts(facts []types.Fact) string {
	if len(facts) == 0 {
		return ""
	}
	if fs.groupByPredicate {
		return fs.serializeGrouped(facts)
	}
	return fs.serializeFlat(facts)
}

func (fs *FactSerializer) serializeFlat(facts []types.Fact) string {
	var sb strings.Builder
	for _, f := range facts {
		sb.WriteString(fs.line(f))
		sb.WriteString("\n")
	}
	return sb.String()
}

// serializeGrouped keeps the input order within a predicate and orders the
// groups by predicateSortOrder.
func (fs *FactSerializer) serializeGrouped(facts []types.Fact) string {
	groups := make(map[string][]types.Fact)
	var predicateOrder []string
	for _, f := range facts {
		if _, exists := groups[f.Predicate]; !exists {
			predicateOrder = append(predicateOrder, f.Predicate)
		}
		groups[f.Predicate] = append(groups[f.Predicate], f)
	}

	sort.SliceStable(predicateOrder, func(i, j int) bool {
		return predicateSortOrder(predicateOrder[i]) < predicateSortOrder(predicateOrder[j])
	})

	var sb strings.Builder
	for _, pred := range predicateOrder {
		predFacts := groups[pred]
		if fs.includeComments && len(predFacts) > 1 {
			fmt.Fprintf(&sb, "# %s (%d facts)\n", pred, len(predFacts))
		}
		for _, f := range predFacts {
			sb.WriteString(fs.line(f))
			sb.WriteString("\n")
		}
		if fs.includeComments {
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (fs *FactSerializer) line(f types.Fact) string {
	s := f.String() + "."
	if fs.maxLineLength > 0 && len(s) > fs.maxLineLength {
		return fs.truncateFact(f)
	}
	return s
}

const maxArgRunes = 50

// truncateFact shortens long arguments for display. Strings stay quoted.
func (fs *FactSerializer) truncateFact(f types.Fact) string {
	args := make([]string, 0, len(f.Args))
	for _, arg := range f.Args {
		argStr := arg.String()
		if utf8.RuneCountInString(argStr) > maxArgRunes {
			if arg.Kind() == types.KindString {
				argStr = types.String(clip(arg.Text(), maxArgRunes-5) + "...").String()
			} else {
				argStr = clip(argStr, maxArgRunes-3) + "..."
			}
		}
		args = append(args, argStr)
	}
	return fmt.Sprintf("%s(%s).", f.Predicate, strings.Join(args, ", "))
}

// clip keeps the first n runes of s.
func clip(s string, n int) string {
	i := 0
	for j := range s {
		if i == n {
			return s[:j]
		}
		i++
	}
	return s
}

// SerializeSelection renders a selection, optionally annotating each fact
// with its activation score.
func (fs *FactSerializer) SerializeSelection(sel Selection, includeScores bool) string {
	if !includeScores || !fs.includeComments {
		facts := make([]types.Fact, len(sel.Entries))
		for i, e := range sel.Entries {
			facts[i] = e.Fact
		}
		return fs.SerializeFacts(facts)
	}
	var sb strings.Builder
	for _, e := range sel.Entries {
		fmt.Fprintf(&sb, "# score: %d", e.Score)
		if e.High {
			sb.WriteString(" (high)")
		}
		sb.WriteString("\n")
		sb.WriteString(fs.line(e.Fact))
		sb.WriteString("\n")
	}
	return sb.String()
}

// predicateSortOrder returns a sort order for predicates.
// Lower numbers appear first.
func predicateSortOrder(pred string) int {
	order := map[string]int{
		"user_intent":        1,
		"focus_resolution":   2,
		"diagnostic":         10,
		"test_state":         11,
		"file_topology":      20,
		"modified":           21,
		"symbol_graph":       22,
		"dependency_link":    23,
		"campaign":           30,
		"campaign_phase":     31,
		"campaign_task":      32,
		"task_artifact":      33,
		"learned_preference": 40,
		"learned_constraint": 41,
		"knowledge_link":     42,
	}
	if o, ok := order[pred]; ok {
		return o
	}
	return 100
}
