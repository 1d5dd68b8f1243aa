package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all policy kernel configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name" validate:"required"`
	Version string `yaml:"version"`

	// Rule compilation and evaluation
	Kernel KernelConfig `yaml:"kernel"`

	// Activation and context selection
	Activation ActivationConfig `yaml:"activation"`

	// Campaign scheduling
	Campaign CampaignConfig `yaml:"campaign"`

	// Verification loop
	Verification VerificationConfig `yaml:"verification"`

	// OODA cycle driver and shard dispatch
	Cycle CycleConfig `yaml:"cycle"`

	// Learnings store (persistence collaborator)
	Store StoreConfig `yaml:"store"`

	// HTTP decision API
	API APIConfig `yaml:"api"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// CampaignConfig configures the campaign scheduler.
type CampaignConfig struct {
	MaxRetries             int    `yaml:"max_retries" validate:"gte=0"`
	ReplanFailureThreshold int    `yaml:"replan_failure_threshold" validate:"gte=1"`
	AutoReplan             bool   `yaml:"auto_replan"`
	CampaignsDir           string `yaml:"campaigns_dir"`
	RetryBackoff           string `yaml:"retry_backoff" validate:"duration"`
}

// VerificationConfig configures the verification/retry loop.
type VerificationConfig struct {
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1,lte=10"`
}

// StoreConfig configures the SQLite learnings store.
type StoreConfig struct {
	// Driver is "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
	Driver string `yaml:"driver" validate:"oneof=sqlite3 sqlite"`
	Path   string `yaml:"path"`
}

// APIConfig configures the HTTP decision API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "nerdkernel",
		Version: "0.3.0",

		Kernel: KernelConfig{
			PolicyDir:       "",
			LearnedDir:      ".nerd/mangle/learned",
			MaxDerivedFacts: 500000,
			Explain:         false,
			WatchRules:      true,
		},

		Activation: DefaultActivationConfig(),

		Campaign: CampaignConfig{
			MaxRetries:             3,
			ReplanFailureThreshold: 3,
			AutoReplan:             true,
			CampaignsDir:           ".nerd/campaigns",
			RetryBackoff:           "5s",
		},

		Verification: VerificationConfig{
			MaxAttempts: 3,
		},

		Cycle: DefaultCycleConfig(),

		Store: StoreConfig{
			Driver: "sqlite3",
			Path:   ".nerd/learnings.db",
		},

		API: APIConfig{
			Enabled: false,
			Addr:    "127.0.0.1:7777",
		},

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			DebugMode: false,
		},
	}
}

// DefaultConfigPath returns the workspace-relative config location.
func DefaultConfigPath(workspace string) string {
	return filepath.Join(workspace, ".nerd", "config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Defaults if config file doesn't exist
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies NERD_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("NERD_POLICY_DIR"); dir != "" {
		c.Kernel.PolicyDir = dir
	}
	if dir := os.Getenv("NERD_LEARNED_DIR"); dir != "" {
		c.Kernel.LearnedDir = dir
	}
	if driver := os.Getenv("NERD_STORE_DRIVER"); driver != "" {
		c.Store.Driver = driver
	}
	if path := os.Getenv("NERD_STORE_PATH"); path != "" {
		c.Store.Path = path
	}
	if addr := os.Getenv("NERD_API_ADDR"); addr != "" {
		c.API.Addr = addr
		c.API.Enabled = true
	}
	if v := os.Getenv("NERD_ACTIVATION_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Activation.Threshold = n
		}
	}
	if v := os.Getenv("NERD_DEBUG"); v != "" {
		c.Logging.DebugMode = v == "1" || strings.EqualFold(v, "true")
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, err := time.ParseDuration(s)
		return err == nil
	})
	return v
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetRetryBackoff returns the campaign retry backoff as a duration.
func (c *Config) GetRetryBackoff() time.Duration {
	return parseDuration(c.Campaign.RetryBackoff, 5*time.Second)
}
