// Package llm is the boundary to the external text generator. Planning,
// sequence compilation, summaries and code repair all go through Client; the
// rest of tabula never sees a provider SDK.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout bounds one generator call when no timeout is configured.
const DefaultTimeout = 2 * time.Minute

// Client generates text from a prompt.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Provider names a supported backend.
type Provider string

const (
	ProviderOllama Provider = "ollama"
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

var (
	// ErrEmptyCompletion is returned when a backend answers without text.
	ErrEmptyCompletion = errors.New("empty completion")

	// ErrUnknownProvider is returned by the factory for unsupported names.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrMissingAPIKey is returned when a hosted provider has no key.
	ErrMissingAPIKey = errors.New("missing API key")
)

// ParseProvider normalizes a provider name.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderOllama, ProviderOpenAI, ProviderGemini:
		return p, nil
	case "":
		return ProviderOllama, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// Func adapts a function to Client. Complete passes an empty system prompt.
type Func func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

func (f Func) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, "", prompt)
}

func (f Func) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}

// callContext bounds a generator call by d. A shorter deadline already on ctx
// still wins.
func callContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
