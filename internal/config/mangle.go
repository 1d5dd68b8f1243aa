package config

// KernelConfig configures rule loading and the fixpoint evaluator.
type KernelConfig struct {
	// PolicyDir overrides the embedded default policy when set.
	PolicyDir string `yaml:"policy_dir"`
	// LearnedDir holds rules promoted from experience. They may only emit candidate actions.
	LearnedDir      string `yaml:"learned_dir"`
	MaxDerivedFacts int    `yaml:"max_derived_facts" validate:"gte=1000"`
	// Explain records the first derivation of every derived fact.
	Explain    bool `yaml:"explain"`
	WatchRules bool `yaml:"watch_rules"`
}
