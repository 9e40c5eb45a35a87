package llm

import (
	"context"
	"fmt"
	"os"
	"time"

	"tabula/internal/logging"
	"tabula/internal/metrics"
)

// Config selects and configures a backend.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	Timeout     time.Duration
}

// DetectProvider picks a provider when none is configured.
// Priority: OPENAI_API_KEY > GEMINI_API_KEY > local Ollama.
func DetectProvider() (Provider, string) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return ProviderOpenAI, key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		return ProviderGemini, key
	}
	return ProviderOllama, ""
}

// NewClient builds the Client described by cfg.
func NewClient(ctx context.Context, cfg Config) (Client, error) {
	var (
		provider Provider
		err      error
	)
	if cfg.Provider == "" {
		var key string
		provider, key = DetectProvider()
		if cfg.APIKey == "" {
			cfg.APIKey = key
		}
	} else if provider, err = ParseProvider(cfg.Provider); err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryLLM).Info("using provider=%s model=%s", provider, cfg.Model)
	switch provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		return NewOpenAIClient(OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: float32(cfg.Temperature),
			Timeout:     cfg.Timeout,
		})
	case ProviderGemini:
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv("GEMINI_API_KEY")
		}
		return NewGeminiClient(ctx, GeminiConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: float32(cfg.Temperature),
			Timeout:     cfg.Timeout,
		})
	case ProviderOllama:
		base := cfg.BaseURL
		if base == "" {
			base = os.Getenv("OLLAMA_HOST")
		}
		return NewOllamaClient(OllamaConfig{
			BaseURL:     base,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		}), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
}

// Instrumented records latency and outcome of every call on m and logs
// failures.
type Instrumented struct {
	next     Client
	provider string
	metrics  *metrics.Metrics
}

// Instrument wraps c. m may be nil.
func Instrument(c Client, provider string, m *metrics.Metrics) *Instrumented {
	return &Instrumented{next: c, provider: provider, metrics: m}
}

func (i *Instrumented) Complete(ctx context.Context, prompt string) (string, error) {
	return i.CompleteWithSystem(ctx, "", prompt)
}

func (i *Instrumented) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	out, err := i.next.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	d := time.Since(start)
	i.metrics.ObserveLLM(i.provider, err == nil, d)
	if err != nil {
		logging.LLMError("%s call failed after %v: %v", i.provider, d, err)
		return "", err
	}
	logging.LLMDebug("%s call took %v, response_len=%d", i.provider, d, len(out))
	return out, nil
}
