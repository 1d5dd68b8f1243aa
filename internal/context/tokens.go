package context

import (
	"unicode/utf8"

	"nerdkernel/internal/types"
)

// =============================================================================
// Token Counting Utilities
// =============================================================================
// Token estimates for the context handed to a shard. The heuristic assumes
// roughly four characters per token.

// TokenCounter provides token counting functionality.
type TokenCounter struct {
	charsPerToken int
}

// NewTokenCounter creates a new token counter with default calibration.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{charsPerToken: 4}
}

// CountString estimates tokens in a string.
func (tc *TokenCounter) CountString(s string) int {
	if s == "" {
		return 0
	}
	return utf8.RuneCountInString(s) / tc.charsPerToken
}

// CountFact estimates tokens for a single fact.
func (tc *TokenCounter) CountFact(f types.Fact) int {
	// Predicate name + parentheses + dot = ~4 tokens minimum
	tokens := 4 + tc.CountString(f.Predicate)

	for _, arg := range f.Args {
		switch arg.Kind() {
		case types.KindName:
			tokens += 1 + len(arg.Text())/4
		case types.KindString:
			tokens += tc.CountString(arg.Text()) + 2 // quotes
		case types.KindInt:
			tokens += 2
		default:
			tokens++
		}
	}
	return tokens
}

// CountFacts estimates tokens for a slice of facts.
func (tc *TokenCounter) CountFacts(facts []types.Fact) int {
	total := 0
	for _, f := range facts {
		total += tc.CountFact(f)
	}
	return total
}
