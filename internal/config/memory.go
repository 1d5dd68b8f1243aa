package config

// ActivationConfig configures spreading activation and context selection.
type ActivationConfig struct {
	// Threshold is the score a fact must exceed to become a context_atom.
	Threshold int `yaml:"threshold" validate:"gte=0,lte=100"`
	// HighThreshold marks injectable context as high priority.
	HighThreshold int `yaml:"high_threshold" validate:"gtefield=Threshold"`
	// ContextPredicates lists EDB predicates eligible for context injection.
	// Empty means every non-bookkeeping predicate.
	ContextPredicates []string `yaml:"context_predicates"`
	// ContextBudget caps the facts injected per shard assignment.
	ContextBudget int `yaml:"context_budget" validate:"gte=1"`
}

// DefaultActivationConfig returns the default activation settings.
func DefaultActivationConfig() ActivationConfig {
	return ActivationConfig{
		Threshold:     30,
		HighThreshold: 80,
		ContextBudget: 50,
	}
}
