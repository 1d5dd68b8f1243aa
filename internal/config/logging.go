package config

import "nerdkernel/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string          `yaml:"format" validate:"omitempty,oneof=json text"`
	DebugMode  bool            `yaml:"debug_mode"` // Master toggle - false = no file logging (production)
	Categories map[string]bool `yaml:"categories"` // Per-category toggles
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Returns false if debug_mode is false (production mode).
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.DebugMode {
		return false
	}
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}

// Options converts the config into logging initialization options.
func (c *LoggingConfig) Options(workspace string) logging.Options {
	return logging.Options{
		Workspace:  workspace,
		DebugMode:  c.DebugMode,
		Level:      c.Level,
		JSON:       c.Format == "json",
		Categories: c.Categories,
	}
}
