// Package config loads and validates metaboliq configuration.
// Configuration lives in a single YAML file; environment variables
// prefixed METABOLIQ_ override individual fields at load time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all metaboliq configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Context budget thresholds
	Budget BudgetConfig `yaml:"budget"`

	// Kernel loop settings
	Kernel KernelConfig `yaml:"kernel"`

	// Model boundary configuration
	Model ModelConfig `yaml:"model"`

	// Erasure engine defaults
	Erasure ErasureConfig `yaml:"erasure"`

	// Workspace persistence
	Workspace WorkspaceConfig `yaml:"workspace"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BudgetConfig configures the working-context token budget.
// SoftLimit is the cleanup threshold; HardLimit is the safety cutoff.
// SoftLimit must be strictly less than HardLimit.
type BudgetConfig struct {
	SoftLimit int `yaml:"soft_limit"`
	HardLimit int `yaml:"hard_limit"`

	// ResponseReserve is the token allowance counted against the budget
	// for the next model response.
	ResponseReserve int `yaml:"response_reserve"`

	// IdentityOverhead is a fixed token cost for the snapshot framing
	// around the identity block (role scaffolding, tool schemas),
	// counted on top of the block's own size estimate.
	IdentityOverhead int `yaml:"identity_overhead"`

	// CharsPerToken calibrates the size estimator (default 4.0).
	CharsPerToken float64 `yaml:"chars_per_token"`
}

// KernelConfig configures the kernel loop state machine.
type KernelConfig struct {
	// MaxSteps caps loop iterations. Must be positive; a run that
	// reaches the cap terminates with StepLimitReached.
	MaxSteps int `yaml:"max_steps"`

	// ModelCallTimeout bounds a single model call.
	ModelCallTimeout string `yaml:"model_call_timeout"`

	// ModelRetries is the retry count for timed-out or malformed
	// model responses before the failure turns fatal.
	ModelRetries int `yaml:"model_retries"`
}

// ModelConfig configures the external model client.
type ModelConfig struct {
	Provider string `yaml:"provider"` // openai-compatible
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
}

// ErasureConfig configures threshold-triggered garbage collection.
type ErasureConfig struct {
	// Policy selects the default target ordering: oldest_first or tag_priority.
	Policy string `yaml:"policy"`

	// MinReclaim is the minimum token count a collection pass tries to
	// free before stopping.
	MinReclaim int `yaml:"min_reclaim"`

	// SummaryCapChars caps the size of a generated summary block.
	SummaryCapChars int `yaml:"summary_cap_chars"`
}

// WorkspaceConfig configures durable persistence.
type WorkspaceConfig struct {
	// Path is the workspace root directory.
	Path string `yaml:"path"`

	// DatabasePath is the SQLite file for durable notes and identity.
	DatabasePath string `yaml:"database_path"`

	// IdentityKey is the workspace key holding the identity document.
	IdentityKey string `yaml:"identity_key"`

	// WatchExternalWrites warns when another process touches the
	// workspace while a session owns it.
	WatchExternalWrites bool `yaml:"watch_external_writes"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`   // empty = stderr

	// JournalPath is the append-only audit journal file. Unlike logs,
	// the journal is always written.
	JournalPath string `yaml:"journal_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "metaboliq",
		Version: "0.3.0",

		Budget: BudgetConfig{
			SoftLimit:        96000,
			HardLimit:        128000,
			ResponseReserve:  8192,
			IdentityOverhead: 1024,
			CharsPerToken:    4.0,
		},

		Kernel: KernelConfig{
			MaxSteps:         200,
			ModelCallTimeout: "120s",
			ModelRetries:     2,
		},

		Model: ModelConfig{
			Provider: "openai",
			Model:    "gpt-4o",
			BaseURL:  "",
		},

		Erasure: ErasureConfig{
			Policy:          "oldest_first",
			MinReclaim:      4096,
			SummaryCapChars: 4000,
		},

		Workspace: WorkspaceConfig{
			Path:                ".metaboliq",
			DatabasePath:        ".metaboliq/workspace.db",
			IdentityKey:         "identity",
			WatchExternalWrites: true,
		},

		Logging: LoggingConfig{
			Level:       "info",
			Format:      "console",
			JournalPath: ".metaboliq/journal.jsonl",
		},
	}
}

// Load loads configuration from a YAML file.
// Missing file returns defaults; environment overrides always apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
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

// Validate checks invariants the rest of the system depends on.
func (c *Config) Validate() error {
	if c.Budget.SoftLimit <= 0 || c.Budget.HardLimit <= 0 {
		return fmt.Errorf("budget limits must be positive (soft=%d hard=%d)", c.Budget.SoftLimit, c.Budget.HardLimit)
	}
	if c.Budget.SoftLimit >= c.Budget.HardLimit {
		return fmt.Errorf("budget soft_limit (%d) must be below hard_limit (%d)", c.Budget.SoftLimit, c.Budget.HardLimit)
	}
	if c.Budget.CharsPerToken <= 0 {
		c.Budget.CharsPerToken = 4.0
	}
	if c.Kernel.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive, got %d", c.Kernel.MaxSteps)
	}
	if c.Kernel.ModelRetries < 0 {
		return fmt.Errorf("model_retries must be >= 0, got %d", c.Kernel.ModelRetries)
	}
	switch c.Erasure.Policy {
	case "", "oldest_first", "tag_priority":
	default:
		return fmt.Errorf("unknown erasure policy %q", c.Erasure.Policy)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Model.APIKey = key
	}
	if key := os.Getenv("METABOLIQ_API_KEY"); key != "" {
		c.Model.APIKey = key
	}
	if url := os.Getenv("METABOLIQ_BASE_URL"); url != "" {
		c.Model.BaseURL = url
	}
	if m := os.Getenv("METABOLIQ_MODEL"); m != "" {
		c.Model.Model = m
	}
	if path := os.Getenv("METABOLIQ_WORKSPACE"); path != "" {
		c.Workspace.Path = path
		c.Workspace.DatabasePath = filepath.Join(path, "workspace.db")
		c.Logging.JournalPath = filepath.Join(path, "journal.jsonl")
	}
}

// GetModelCallTimeout returns the model call timeout as a duration.
func (c *Config) GetModelCallTimeout() time.Duration {
	d, err := time.ParseDuration(c.Kernel.ModelCallTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}
