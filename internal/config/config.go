package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/l3aro/go-deflat/pkg/deflat"
	"github.com/l3aro/go-deflat/pkg/mir"
	"github.com/l3aro/go-deflat/pkg/pathfind"
)

// Config holds all configuration for deflat
type Config struct {
	// Maturity is assumed for graphs whose task does not carry one. Empty
	// keeps the maturity stored in the graph.
	Maturity string `yaml:"maturity" env:"DEFLAT_MATURITY"`

	// DispatcherPolicy is "tolerate" or "abort".
	DispatcherPolicy string `yaml:"dispatcher_policy" env:"DEFLAT_DISPATCHER_POLICY"`

	// Path finder budgets. Zero keeps the value derived from the maturity.
	PredDepth       int `yaml:"pred_depth" env:"DEFLAT_PRED_DEPTH"`
	MaxValues       int `yaml:"max_values" env:"DEFLAT_MAX_VALUES"`
	MaxSteps        int `yaml:"max_steps" env:"DEFLAT_MAX_STEPS"`
	EmulationBudget int `yaml:"emulation_budget" env:"DEFLAT_EMULATION_BUDGET"`
	EmulationSteps  int `yaml:"emulation_steps" env:"DEFLAT_EMULATION_STEPS"`

	// HTTP driver
	Listen         string `yaml:"listen" env:"DEFLAT_LISTEN"`
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"DEFLAT_TIMEOUT"`
	ErrorsDir      string `yaml:"errors_dir" env:"DEFLAT_ERRORS_DIR"`
	CacheSize      int    `yaml:"cache_size" env:"DEFLAT_CACHE_SIZE"`
	CacheFile      string `yaml:"cache_file" env:"DEFLAT_CACHE_FILE"`

	// Logging
	Verbose  bool `yaml:"verbose" env:"DEFLAT_VERBOSE"`
	JSONLogs bool `yaml:"json_logs" env:"DEFLAT_JSON_LOGS"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DispatcherPolicy: "tolerate",
		Listen:           ":10000",
		TimeoutSeconds:   60,
		ErrorsDir:        "errors",
		CacheSize:        128,
	}
}

// GlobalConfigFilePath returns the global config file path (~/.deflat/config.yaml)
func GlobalConfigFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".deflat", "config.yaml")
	}
	return filepath.Join(home, ".deflat", "config.yaml")
}

// ProjectConfigFilePath returns the project-level config file path (./.deflat/config.yaml)
func ProjectConfigFilePath() string {
	return filepath.Join(".deflat", "config.yaml")
}

// Load reads configuration, each layer overriding the previous one:
// defaults, the global file, the project file, then environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range []string{GlobalConfigFilePath(), ProjectConfigFilePath()} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads configuration from a specific YAML file path
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(path); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the specified YAML file path.
// It creates parent directories if they don't exist.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// OBPO_TIMEOUT is read when DEFLAT_TIMEOUT is unset.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEFLAT_MATURITY"); v != "" {
		cfg.Maturity = v
	}
	if v := os.Getenv("DEFLAT_DISPATCHER_POLICY"); v != "" {
		cfg.DispatcherPolicy = v
	}
	intVar := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if i := parseInt(v); i > 0 {
				*dst = i
			}
		}
	}
	intVar("DEFLAT_PRED_DEPTH", &cfg.PredDepth)
	intVar("DEFLAT_MAX_VALUES", &cfg.MaxValues)
	intVar("DEFLAT_MAX_STEPS", &cfg.MaxSteps)
	intVar("DEFLAT_EMULATION_BUDGET", &cfg.EmulationBudget)
	intVar("DEFLAT_EMULATION_STEPS", &cfg.EmulationSteps)
	intVar("DEFLAT_CACHE_SIZE", &cfg.CacheSize)
	if os.Getenv("DEFLAT_TIMEOUT") != "" {
		intVar("DEFLAT_TIMEOUT", &cfg.TimeoutSeconds)
	} else {
		intVar("OBPO_TIMEOUT", &cfg.TimeoutSeconds)
	}
	if v := os.Getenv("DEFLAT_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DEFLAT_ERRORS_DIR"); v != "" {
		cfg.ErrorsDir = v
	}
	if v := os.Getenv("DEFLAT_CACHE_FILE"); v != "" {
		cfg.CacheFile = v
	}
	if v := os.Getenv("DEFLAT_VERBOSE"); v != "" {
		cfg.Verbose = parseBool(v)
	}
	if v := os.Getenv("DEFLAT_JSON_LOGS"); v != "" {
		cfg.JSONLogs = parseBool(v)
	}
}

// Validate checks that the configuration has valid required fields
func (c *Config) Validate() error {
	if c.Maturity != "" {
		if _, err := mir.ParseMaturity(c.Maturity); err != nil {
			return fmt.Errorf("maturity: %w", err)
		}
	}
	if _, err := deflat.ParsePolicy(c.DispatcherPolicy); err != nil {
		return fmt.Errorf("dispatcher_policy must be 'tolerate' or 'abort', got %q", c.DispatcherPolicy)
	}
	for name, v := range map[string]int{
		"pred_depth":       c.PredDepth,
		"max_values":       c.MaxValues,
		"max_steps":        c.MaxSteps,
		"emulation_budget": c.EmulationBudget,
		"emulation_steps":  c.EmulationSteps,
		"cache_size":       c.CacheSize,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative", name)
		}
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	return nil
}

// Policy returns the parsed dispatcher policy.
func (c *Config) Policy() deflat.Policy {
	p, _ := deflat.ParsePolicy(c.DispatcherPolicy)
	return p
}

// MaturityLevel returns the configured maturity, or 0 when unset.
func (c *Config) MaturityLevel() mir.Maturity {
	if c.Maturity == "" {
		return 0
	}
	m, _ := mir.ParseMaturity(c.Maturity)
	return m
}

// Budget returns the path finder budget for a graph at maturity m, with the
// configured non-zero values taking precedence.
func (c *Config) Budget(m mir.Maturity) pathfind.Budget {
	b := pathfind.BudgetFor(m)
	override := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	override(&b.PredDepth, c.PredDepth)
	override(&b.MaxValues, c.MaxValues)
	override(&b.MaxSteps, c.MaxSteps)
	override(&b.EmulationRuns, c.EmulationBudget)
	override(&b.EmulationSteps, c.EmulationSteps)
	return b
}

// Options returns the run options for a graph at maturity m.
func (c *Config) Options(m mir.Maturity) deflat.Options {
	return deflat.Options{Policy: c.Policy(), Budget: c.Budget(m)}
}

// Timeout returns the per-request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// parseInt attempts to parse a string as int
func parseInt(s string) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return 0
	}
	return i
}
