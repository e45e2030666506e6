// Package config loads per-project orchestrator configuration from
// .kanloop/config.yml. A missing file yields defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"kanloop/internal/verify"
)

// Duration is a yaml-parseable time.Duration ("5m", "90s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// StepConfig is one configured verification step.
type StepConfig struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// LoopConfig bounds the unattended loop.
type LoopConfig struct {
	// MaxRuns caps agent runs per loop invocation (0 = unlimited).
	MaxRuns int `yaml:"max_runs"`

	// MaxCost caps cumulative cost in USD per loop invocation (0 = unlimited).
	MaxCost float64 `yaml:"max_cost"`
}

// Config is the project configuration.
type Config struct {
	// DefaultModel is used when a feature does not pin a model.
	DefaultModel string `yaml:"default_model"`

	// UseWorktrees controls branch-isolated runs (default true).
	UseWorktrees *bool `yaml:"use_worktrees"`

	// MaxRetries bounds resume retries when an agent ends without a
	// terminal result.
	MaxRetries int `yaml:"max_retries"`

	// StepTimeout bounds each verification step.
	StepTimeout Duration `yaml:"step_timeout"`

	// Verify overrides the verification step sequence.
	Verify []StepConfig `yaml:"verify"`

	Loop LoopConfig `yaml:"loop"`
}

// DefaultMaxRetries is the bounded-retry policy knob for resumes. Preserved
// as a policy default, not a derived invariant.
const DefaultMaxRetries = 3

// Path returns the config file location for a project.
func Path(projectPath string) string {
	return filepath.Join(projectPath, ".kanloop", "config.yml")
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MaxRetries:  DefaultMaxRetries,
		StepTimeout: Duration(verify.DefaultStepTimeout),
	}
}

// Load reads the project config, applying defaults for missing values.
// A missing file is not an error.
func Load(projectPath string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path(projectPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = Duration(verify.DefaultStepTimeout)
	}
	return cfg, nil
}

// WorktreesEnabled reports whether runs should use worktrees (default true).
func (c Config) WorktreesEnabled() bool {
	if c.UseWorktrees == nil {
		return true
	}
	return *c.UseWorktrees
}

// VerifySteps returns the configured verification sequence, or the default
// when none is configured.
func (c Config) VerifySteps() []verify.Step {
	if len(c.Verify) == 0 {
		return verify.DefaultSteps()
	}
	steps := make([]verify.Step, 0, len(c.Verify))
	for _, s := range c.Verify {
		steps = append(steps, verify.Step{Name: s.Name, Command: s.Command})
	}
	return steps
}
