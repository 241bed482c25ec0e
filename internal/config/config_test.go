package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/l3aro/go-deflat/pkg/deflat"
	"github.com/l3aro/go-deflat/pkg/mir"
	"github.com/l3aro/go-deflat/pkg/pathfind"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		got      interface{}
		expected interface{}
	}{
		{"Maturity", cfg.Maturity, ""},
		{"DispatcherPolicy", cfg.DispatcherPolicy, "tolerate"},
		{"Listen", cfg.Listen, ":10000"},
		{"TimeoutSeconds", cfg.TimeoutSeconds, 60},
		{"ErrorsDir", cfg.ErrorsDir, "errors"},
		{"CacheSize", cfg.CacheSize, 128},
		{"EmulationBudget", cfg.EmulationBudget, 0},
		{"Verbose", cfg.Verbose, false},
		{"JSONLogs", cfg.JSONLogs, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("DefaultConfig().%s = %v, want %v", tt.name, tt.got, tt.expected)
			}
		})
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		errContains string
	}{
		{"defaults", func(*Config) {}, ""},
		{"named maturity", func(c *Config) { c.Maturity = "glbopt1" }, ""},
		{"numeric maturity", func(c *Config) { c.Maturity = "4" }, ""},
		{"bad maturity", func(c *Config) { c.Maturity = "mmat_weird" }, "maturity"},
		{"abort policy", func(c *Config) { c.DispatcherPolicy = "abort" }, ""},
		{"bad policy", func(c *Config) { c.DispatcherPolicy = "ignore" }, "dispatcher_policy"},
		{"negative budget", func(c *Config) { c.EmulationBudget = -1 }, "emulation_budget must be non-negative"},
		{"negative cache", func(c *Config) { c.CacheSize = -5 }, "cache_size"},
		{"zero timeout", func(c *Config) { c.TimeoutSeconds = 0 }, "timeout_seconds must be positive"},
		{"no listen", func(c *Config) { c.Listen = "" }, "listen address is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errContains == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.errContains)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		envVars     map[string]string
		checkCfg    func(*testing.T, *Config)
		errContains string
	}{
		{
			name: "full file",
			configYAML: `
maturity: calls
dispatcher_policy: abort
pred_depth: 6
emulation_budget: 32
listen: 127.0.0.1:9000
timeout_seconds: 15
errors_dir: /tmp/deflat-errors
cache_size: 8
json_logs: true
`,
			checkCfg: func(t *testing.T, cfg *Config) {
				if cfg.MaturityLevel() != mir.MaturityCalls {
					t.Errorf("MaturityLevel() = %v, want calls", cfg.MaturityLevel())
				}
				if cfg.Policy() != deflat.PolicyAbort {
					t.Errorf("Policy() = %v, want abort", cfg.Policy())
				}
				if cfg.PredDepth != 6 || cfg.EmulationBudget != 32 {
					t.Errorf("budgets = %d/%d, want 6/32", cfg.PredDepth, cfg.EmulationBudget)
				}
				if cfg.Listen != "127.0.0.1:9000" {
					t.Errorf("Listen = %v", cfg.Listen)
				}
				if cfg.Timeout() != 15*time.Second {
					t.Errorf("Timeout() = %v, want 15s", cfg.Timeout())
				}
				if cfg.ErrorsDir != "/tmp/deflat-errors" || cfg.CacheSize != 8 || !cfg.JSONLogs {
					t.Errorf("unexpected driver settings: %+v", cfg)
				}
			},
		},
		{
			name:       "partial file keeps defaults",
			configYAML: "verbose: true\n",
			checkCfg: func(t *testing.T, cfg *Config) {
				if !cfg.Verbose {
					t.Error("Verbose = false, want true")
				}
				if cfg.Listen != ":10000" || cfg.TimeoutSeconds != 60 {
					t.Errorf("defaults lost: %+v", cfg)
				}
			},
		},
		{
			name:       "env wins over file",
			configYAML: "timeout_seconds: 15\nlisten: :1\n",
			envVars:    map[string]string{"DEFLAT_TIMEOUT": "90", "DEFLAT_LISTEN": ":2"},
			checkCfg: func(t *testing.T, cfg *Config) {
				if cfg.TimeoutSeconds != 90 || cfg.Listen != ":2" {
					t.Errorf("got timeout %d listen %s, want 90 :2", cfg.TimeoutSeconds, cfg.Listen)
				}
			},
		},
		{
			name:        "invalid yaml",
			configYAML:  "listen: [unclosed",
			errContains: "failed to parse config file",
		},
		{
			name:        "invalid values",
			configYAML:  "dispatcher_policy: explode\n",
			errContains: "dispatcher_policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.configYAML), 0644); err != nil {
				t.Fatal(err)
			}

			cfg, err := LoadFromFile(path)
			if tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("LoadFromFile() error = %v, want containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadFromFile() error = %v", err)
			}
			tt.checkCfg(t, cfg)
		})
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadFromFile(missing) error = nil")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(*testing.T, *Config)
	}{
		{
			name:    "legacy timeout",
			envVars: map[string]string{"OBPO_TIMEOUT": "120"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.TimeoutSeconds != 120 {
					t.Errorf("TimeoutSeconds = %d, want 120", cfg.TimeoutSeconds)
				}
			},
		},
		{
			name:    "own timeout wins over legacy",
			envVars: map[string]string{"OBPO_TIMEOUT": "120", "DEFLAT_TIMEOUT": "30"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.TimeoutSeconds != 30 {
					t.Errorf("TimeoutSeconds = %d, want 30", cfg.TimeoutSeconds)
				}
			},
		},
		{
			name:    "non-numeric ignored",
			envVars: map[string]string{"DEFLAT_CACHE_SIZE": "lots"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.CacheSize != 128 {
					t.Errorf("CacheSize = %d, want 128", cfg.CacheSize)
				}
			},
		},
		{
			name: "strings and flags",
			envVars: map[string]string{
				"DEFLAT_MATURITY":          "glbopt2",
				"DEFLAT_DISPATCHER_POLICY": "abort",
				"DEFLAT_ERRORS_DIR":        "/var/deflat",
				"DEFLAT_CACHE_FILE":        "/var/deflat/cache",
				"DEFLAT_VERBOSE":           "yes",
				"DEFLAT_JSON_LOGS":         "1",
				"DEFLAT_MAX_VALUES":        "8",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Maturity != "glbopt2" || cfg.DispatcherPolicy != "abort" {
					t.Errorf("got %q/%q", cfg.Maturity, cfg.DispatcherPolicy)
				}
				if cfg.ErrorsDir != "/var/deflat" || cfg.CacheFile != "/var/deflat/cache" {
					t.Errorf("got %q/%q", cfg.ErrorsDir, cfg.CacheFile)
				}
				if !cfg.Verbose || !cfg.JSONLogs || cfg.MaxValues != 8 {
					t.Errorf("flags not applied: %+v", cfg)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg := DefaultConfig()
			applyEnvOverrides(cfg)
			tt.check(t, cfg)
		})
	}
}

func TestConfigBudget(t *testing.T) {
	cfg := DefaultConfig()
	if got, want := cfg.Budget(mir.MaturityCalls), pathfind.BudgetFor(mir.MaturityCalls); got != want {
		t.Errorf("Budget() = %+v, want %+v", got, want)
	}

	cfg.EmulationBudget = 7
	cfg.MaxSteps = 99
	got := cfg.Budget(mir.MaturityGlbopt1)
	if got.EmulationRuns != 7 || got.MaxSteps != 99 || got.MaxValues != 64 {
		t.Errorf("Budget() = %+v", got)
	}

	opts := cfg.Options(mir.MaturityGlbopt1)
	if opts.Budget != got || opts.Policy != deflat.PolicyTolerate {
		t.Errorf("Options() = %+v", opts)
	}
}

func TestParseInt(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"0", 0},
		{"60", 60},
		{"invalid", 0},
		{"", 0},
		{"10.5", 10},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseInt(tt.input); got != tt.expected {
				t.Errorf("parseInt(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestConfigSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Maturity = "locopt"
	cfg.ErrorsDir = "dumps"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if *loaded != *cfg {
		t.Errorf("round trip = %+v, want %+v", loaded, cfg)
	}
}
