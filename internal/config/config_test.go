package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"TABULA_LLM_PROVIDER", "TABULA_LLM_MODEL", "OLLAMA_HOST", "OPENAI_API_KEY", "GEMINI_API_KEY"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 8, cfg.Registry.MaxColumns)
	assert.Equal(t, 2, cfg.Registry.MaxRows)
	assert.Equal(t, 10, cfg.Registry.MaxUniques)
	assert.Equal(t, 3, cfg.Repair.MaxAttempts)
	assert.Equal(t, 1000, cfg.Repair.TraceLimit)
	assert.Equal(t, 1, cfg.Pipeline.ValidationRetries)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "tabula.yaml")

	cfg := DefaultConfig()
	cfg.LLM.Provider = "openai"
	cfg.LLM.APIKey = "sk-file"
	cfg.Repair.MaxAttempts = 5
	cfg.Sandbox.AllowedImports = []string{"fmt", "math"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "tabula.yaml")
	require.NoError(t, os.WriteFile(path, []byte("repair:\n  max_attempts: 2\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Repair.MaxAttempts)
	assert.Equal(t, 1000, cfg.Repair.TraceLimit)
	assert.Equal(t, "10s", cfg.Sandbox.Timeout)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabula.yaml")
	require.NoError(t, os.WriteFile(path, []byte("repair: [unclosed"), 0644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestEnvOverrides(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		file     string
		provider string
		apiKey   string
		baseURL  string
		model    string
	}{
		{
			name:     "openai key selects provider",
			env:      map[string]string{"OPENAI_API_KEY": "sk-env"},
			provider: "openai",
			apiKey:   "sk-env",
		},
		{
			name:     "openai wins over gemini",
			env:      map[string]string{"OPENAI_API_KEY": "sk-env", "GEMINI_API_KEY": "g-env"},
			provider: "openai",
			apiKey:   "sk-env",
		},
		{
			name:     "explicit provider takes its own key",
			env:      map[string]string{"TABULA_LLM_PROVIDER": "Gemini", "OPENAI_API_KEY": "sk-env", "GEMINI_API_KEY": "g-env"},
			provider: "gemini",
			apiKey:   "g-env",
		},
		{
			name:     "file key is kept",
			env:      map[string]string{"OPENAI_API_KEY": "sk-env"},
			file:     "llm:\n  provider: openai\n  api_key: sk-file\n",
			provider: "openai",
			apiKey:   "sk-file",
		},
		{
			name:     "ollama host gets a scheme",
			env:      map[string]string{"OLLAMA_HOST": "gpu-box:11434", "TABULA_LLM_MODEL": "qwen2.5-coder"},
			provider: "",
			baseURL:  "http://gpu-box:11434",
			model:    "qwen2.5-coder",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), "tabula.yaml")
			if tt.file != "" {
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0644))
			}
			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, tt.provider, cfg.LLM.Provider)
			assert.Equal(t, tt.apiKey, cfg.LLM.APIKey)
			assert.Equal(t, tt.baseURL, cfg.LLM.BaseURL)
			assert.Equal(t, tt.model, cfg.LLM.Model)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad provider", func(c *Config) { c.LLM.Provider = "bard" }, "Config.LLM.Provider"},
		{"bad timeout", func(c *Config) { c.Sandbox.Timeout = "soon" }, "Config.Sandbox.Timeout"},
		{"negative timeout", func(c *Config) { c.LLM.Timeout = "-1s" }, "Config.LLM.Timeout"},
		{"zero attempts", func(c *Config) { c.Repair.MaxAttempts = 0 }, "Config.Repair.MaxAttempts"},
		{"zero columns", func(c *Config) { c.Registry.MaxColumns = 0 }, "Config.Registry.MaxColumns"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "Config.Logging.Level"},
		{"bad base url", func(c *Config) { c.LLM.BaseURL = "not a url" }, "Config.LLM.BaseURL"},
		{"empty import", func(c *Config) { c.Sandbox.AllowedImports = []string{"fmt", ""} }, "Config.Sandbox.AllowedImports[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 120*time.Second, cfg.GetLLMTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetSandboxTimeout())

	cfg.Sandbox.Timeout = "250ms"
	assert.Equal(t, 250*time.Millisecond, cfg.GetSandboxTimeout())
	cfg.Sandbox.Timeout = "garbage"
	assert.Equal(t, 10*time.Second, cfg.GetSandboxTimeout())
}

func TestLoggingCategories(t *testing.T) {
	lc := LoggingConfig{Categories: map[string]bool{"sandbox": false}}
	assert.False(t, lc.IsCategoryEnabled("sandbox"))
	assert.True(t, lc.IsCategoryEnabled("executor"))
}
