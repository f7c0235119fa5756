package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxSummaryInputChars = 12000

// Summarizer condenses a raw tool payload into short text relevant to query.
type Summarizer interface {
	Summarize(ctx context.Context, rawOutput any, query string) (string, error)
}

// LLMSummarizer summarizes through a Provider.
type LLMSummarizer struct {
	provider Provider
	maxChars int
	opts     GenerateOptions
}

// NewSummarizer returns a Summarizer asking for at most maxChars characters.
func NewSummarizer(provider Provider, maxChars int, opts GenerateOptions) *LLMSummarizer {
	if maxChars <= 0 {
		maxChars = 500
	}
	return &LLMSummarizer{provider: provider, maxChars: maxChars, opts: opts}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, rawOutput any, query string) (string, error) {
	payload, err := Render(rawOutput)
	if err != nil {
		return "", err
	}
	if utf8.RuneCountInString(payload) > maxSummaryInputChars {
		payload = string([]rune(payload)[:maxSummaryInputChars])
	}

	prompt := fmt.Sprintf(
		"Summarize the tool output below in at most %d characters. Keep only facts that help answer the question.\n\nQuestion: %s\n\nTool output:\n%s",
		s.maxChars, query, payload,
	)

	out, err := s.provider.Generate(ctx, prompt, s.opts)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Render turns an arbitrary payload into text: strings pass through,
// everything else is JSON encoded.
func Render(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
