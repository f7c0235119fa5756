package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultGeminiModel   = "gemini-1.5-flash"
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// GeminiProvider calls the Gemini generateContent REST endpoint.
type GeminiProvider struct {
	client  *resty.Client
	apiKey  string
	model   string
	baseURL string
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func NewGeminiProvider(apiKey, model, baseURL string) *GeminiProvider {
	if model == "" {
		model = defaultGeminiModel
	}
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}

	client := resty.New().
		SetTimeout(60*time.Second).
		SetHeader("Content-Type", "application/json")

	return &GeminiProvider{
		client:  client,
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
	}
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	model := p.model
	if opts.Model != "" {
		model = opts.Model
	}

	generation := map[string]interface{}{}
	if opts.Temperature != nil {
		generation["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		generation["maxOutputTokens"] = opts.MaxTokens
	}

	body := map[string]interface{}{
		"contents": []map[string]interface{}{{
			"parts": []map[string]interface{}{{"text": prompt}},
		}},
		"generationConfig": generation,
	}

	var result geminiResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("x-goog-api-key", p.apiKey).
		SetBody(body).
		SetResult(&result).
		Post(p.baseURL + "/models/" + model + ":generateContent")
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}
	if response.IsError() {
		return "", fmt.Errorf("gemini api error: status %d: %s", response.StatusCode(), response.String())
	}

	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini returned no content")
	}

	text := ""
	for _, part := range result.Candidates[0].Content.Parts {
		text += part.Text
	}
	return text, nil
}
