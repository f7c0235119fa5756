package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/sleuth/internal/observability"
)

// GenerateOptions tunes a single completion. Zero values defer to the
// provider's defaults.
type GenerateOptions struct {
	Temperature *float64
	MaxTokens   int
	Model       string
}

// Float returns a pointer to v, for GenerateOptions.Temperature.
func Float(v float64) *float64 {
	return &v
}

// Provider produces a text completion for a prompt. Implementations may fail
// with network, timeout or rate-limit errors; callers own the retry policy.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

func (f ProviderFunc) Name() string { return "func" }

func (f ProviderFunc) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return f(ctx, prompt, opts)
}

// Profile describes one configured provider endpoint.
type Profile struct {
	ID            string
	Provider      string // "openai", "anthropic", "gemini"
	Model         string
	APIKey        string
	BaseURL       string
	Priority      int
	RatePerSecond float64
	Burst         int
}

// NewFromProfile builds a metered, optionally rate-limited provider for p.
func NewFromProfile(p Profile) (Provider, error) {
	if p.APIKey == "" {
		return nil, fmt.Errorf("profile %s: api key is required", p.ID)
	}

	var provider Provider
	switch strings.ToLower(p.Provider) {
	case "openai":
		provider = NewOpenAIProvider(p.APIKey, p.Model, p.BaseURL)
	case "anthropic":
		provider = NewAnthropicProvider(p.APIKey, p.Model, p.BaseURL)
	case "gemini":
		provider = NewGeminiProvider(p.APIKey, p.Model, p.BaseURL)
	default:
		return nil, fmt.Errorf("profile %s: unsupported provider %q", p.ID, p.Provider)
	}

	return NewRateLimited(Instrument(provider), p.RatePerSecond, p.Burst), nil
}

type metered struct {
	inner Provider
}

// Instrument records call counts and latency for p.
func Instrument(p Provider) Provider {
	return &metered{inner: p}
}

func (m *metered) Name() string { return m.inner.Name() }

func (m *metered) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	start := time.Now()
	out, err := m.inner.Generate(ctx, prompt, opts)
	observability.RecordLLMCall(m.inner.Name(), time.Since(start), err == nil)
	return out, err
}
