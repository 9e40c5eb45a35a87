package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"tabula/internal/logging"
)

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float32
	// BaseURL overrides the API endpoint.
	BaseURL string
	// Timeout bounds each call; DefaultTimeout when zero.
	Timeout time.Duration
}

// GeminiClient generates content through the Gemini API.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float32
	timeout     time.Duration
}

// NewGeminiClient creates a GeminiClient.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrMissingAPIKey)
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{client: client, model: cfg.Model, temperature: cfg.Temperature, timeout: cfg.Timeout}, nil
}

// Complete sends a single user turn.
func (g *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	return g.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a user turn with an optional system instruction.
func (g *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	gc := &genai.GenerateContentConfig{Temperature: genai.Ptr(g.temperature)}
	if systemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}
	contents := []*genai.Content{genai.NewContentFromText(userPrompt, genai.RoleUser)}

	ctx, cancel := callContext(ctx, g.timeout)
	defer cancel()

	logging.LLMDebug("gemini request: model=%s prompt_len=%d", g.model, len(userPrompt))
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, gc)
	if err != nil {
		return "", fmt.Errorf("gemini generate content failed: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
