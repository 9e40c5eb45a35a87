// Package config loads tabula's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "tabula.yaml"

// Config holds all tabula configuration.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Registry RegistryConfig `yaml:"registry"`
	Executor ExecutorConfig `yaml:"executor"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Repair   RepairConfig   `yaml:"repair"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LLMConfig selects the generator backend.
type LLMConfig struct {
	Provider    string  `yaml:"provider" validate:"omitempty,oneof=ollama openai gemini"` // empty = detect from env
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url" validate:"omitempty,url"`
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	Timeout     string  `yaml:"timeout" validate:"duration"`
}

// RegistryConfig bounds the structural table summaries.
type RegistryConfig struct {
	MaxColumns int `yaml:"max_columns" validate:"gt=0"`
	MaxRows    int `yaml:"max_rows" validate:"gte=0"`
	MaxUniques int `yaml:"max_uniques" validate:"gte=0"`
}

// ExecutorConfig configures sequence execution.
type ExecutorConfig struct {
	ValidateColumns bool `yaml:"validate_columns"`
	// RepairSteps lets the generator rewrite a failing step once.
	RepairSteps bool `yaml:"repair_steps"`
}

// SandboxConfig configures generated code runs.
type SandboxConfig struct {
	Timeout        string   `yaml:"timeout" validate:"duration"`
	AllowedImports []string `yaml:"allowed_imports,omitempty" validate:"dive,required"`
}

// RepairConfig bounds the repair loop.
type RepairConfig struct {
	MaxAttempts           int  `yaml:"max_attempts" validate:"gte=1,lte=10"`
	TraceLimit            int  `yaml:"trace_limit" validate:"gte=100"`
	SimplifyOnLastAttempt bool `yaml:"simplify_on_last_attempt"`
}

// PipelineConfig configures session orchestration.
type PipelineConfig struct {
	ValidationRetries int  `yaml:"validation_retries" validate:"gte=0,lte=5"`
	CodeFallback      bool `yaml:"code_fallback"`
	SummaryRows       int  `yaml:"summary_rows" validate:"gt=0"`
	// BatchConcurrency bounds concurrent sessions in batch mode.
	BatchConcurrency int `yaml:"batch_concurrency" validate:"gt=0"`
}

// LoggingConfig configures the zap sink.
type LoggingConfig struct {
	Level      string          `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string          `yaml:"format" validate:"oneof=json text"`
	File       string          `yaml:"file"`
	Categories map[string]bool `yaml:"categories,omitempty"` // per-category toggles, missing = enabled
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty = disabled
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Temperature: 0.1,
			Timeout:     "120s",
		},
		Registry: RegistryConfig{
			MaxColumns: 8,
			MaxRows:    2,
			MaxUniques: 10,
		},
		Executor: ExecutorConfig{
			ValidateColumns: true,
		},
		Sandbox: SandboxConfig{
			Timeout: "10s",
		},
		Repair: RepairConfig{
			MaxAttempts:           3,
			TraceLimit:            1000,
			SimplifyOnLastAttempt: true,
		},
		Pipeline: PipelineConfig{
			ValidationRetries: 1,
			CodeFallback:      true,
			SummaryRows:       8,
			BatchConcurrency:  4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
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

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("TABULA_LLM_PROVIDER"); p != "" {
		c.LLM.Provider = strings.ToLower(p)
	}
	if m := os.Getenv("TABULA_LLM_MODEL"); m != "" {
		c.LLM.Model = m
	}

	// API keys only apply to their own provider; with no provider set the
	// first key found selects it.
	keys := []struct{ provider, env string }{
		{"openai", "OPENAI_API_KEY"},
		{"gemini", "GEMINI_API_KEY"},
	}
	for _, k := range keys {
		key := os.Getenv(k.env)
		if key == "" {
			continue
		}
		if c.LLM.Provider == "" {
			c.LLM.Provider = k.provider
		}
		if c.LLM.Provider == k.provider && c.LLM.APIKey == "" {
			c.LLM.APIKey = key
		}
	}

	if host := os.Getenv("OLLAMA_HOST"); host != "" && (c.LLM.Provider == "" || c.LLM.Provider == "ollama") {
		if !strings.Contains(host, "://") {
			host = "http://" + host
		}
		c.LLM.BaseURL = host
	}
}

// GetLLMTimeout returns the generator timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetSandboxTimeout returns the per-run sandbox timeout as a duration.
func (c *Config) GetSandboxTimeout() time.Duration {
	return parseDuration(c.Sandbox.Timeout, 10*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		d, err := time.ParseDuration(s)
		return err == nil && d > 0
	})
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// IsCategoryEnabled reports whether a log category is on.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	enabled, ok := c.Categories[category]
	return !ok || enabled
}
