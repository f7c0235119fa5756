package coretools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/harun/sleuth/pkg/toolregistry"
)

const (
	defaultHTTPTimeout  = 20 * time.Second
	defaultMaxBodyBytes = 200000
	userAgent           = "sleuth/1.0"
)

// PayloadReader reads stashed tool output back by id.
type PayloadReader interface {
	Load(id string) (any, bool)
}

// Options configures core tool registration.
type Options struct {
	Store        PayloadReader
	HTTPTimeout  time.Duration
	MaxBodyBytes int
	HTTPClient   *resty.Client    // optional; built from HTTPTimeout when nil
	Now          func() time.Time // optional; defaults to time.Now
}

// RegisterCoreTools registers the built-in research tools.
func RegisterCoreTools(registry *toolregistry.Registry, opts Options) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = defaultHTTPTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = resty.New().
			SetTimeout(opts.HTTPTimeout).
			SetHeader("User-Agent", userAgent)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	tools := []toolregistry.ToolDefinition{
		httpFetchTool(opts),
		currentTimeTool(opts),
		askUserTool(),
	}
	if opts.Store != nil {
		tools = append(tools, stashReadTool(opts))
	}

	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.ID, err)
		}
	}
	return nil
}

func httpFetchTool(opts Options) toolregistry.ToolDefinition {
	return toolregistry.ToolDefinition{
		ID:          "http_fetch",
		Description: "Fetch a URL over HTTP(S) with GET and return the response body.",
		Parameters: []toolregistry.Parameter{
			{Name: "url", Type: "string", Description: "Absolute http or https URL", Required: true},
			{Name: "max_bytes", Type: "number", Description: fmt.Sprintf("Maximum body bytes to return (default %d)", opts.MaxBodyBytes), Required: false, Default: opts.MaxBodyBytes},
		},
		Timeout: opts.HTTPTimeout + time.Second,
		Handler: func(ctx context.Context, call toolregistry.ToolCall, _ toolregistry.ExecutionContext) (toolregistry.ToolResult, error) {
			raw, _ := call.Args["url"].(string)
			target, err := url.Parse(strings.TrimSpace(raw))
			if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
				return toolregistry.Failed(call, fmt.Sprintf("invalid url %q: must be an absolute http or https URL", raw)), nil
			}

			maxBytes := opts.MaxBodyBytes
			if v, ok := call.Args["max_bytes"].(float64); ok && v > 0 && int(v) < maxBytes {
				maxBytes = int(v)
			}

			resp, err := opts.HTTPClient.R().SetContext(ctx).Get(target.String())
			if err != nil {
				return toolregistry.Failed(call, fmt.Sprintf("fetch %s: %v", target, err)), nil
			}
			if resp.StatusCode() >= http.StatusBadRequest {
				return toolregistry.Failed(call, fmt.Sprintf("fetch %s: HTTP %d", target, resp.StatusCode())), nil
			}

			body := resp.Body()
			truncated := len(body) > maxBytes
			if truncated {
				body = body[:maxBytes]
			}

			return toolregistry.Succeeded(call, map[string]interface{}{
				"url":          target.String(),
				"status":       resp.StatusCode(),
				"content_type": resp.Header().Get("Content-Type"),
				"body":         string(body),
				"truncated":    truncated,
			}), nil
		},
	}
}

func stashReadTool(opts Options) toolregistry.ToolDefinition {
	return toolregistry.ToolDefinition{
		ID:          "stash_read",
		Description: "Read the full output of an earlier step by its data id.",
		Parameters: []toolregistry.Parameter{
			{Name: "data_id", Type: "string", Description: "Data id from the gathered data list", Required: true},
		},
		Handler: func(_ context.Context, call toolregistry.ToolCall, _ toolregistry.ExecutionContext) (toolregistry.ToolResult, error) {
			id, _ := call.Args["data_id"].(string)
			payload, ok := opts.Store.Load(strings.TrimSpace(id))
			if !ok {
				return toolregistry.Failed(call, fmt.Sprintf("no stashed data for id %q (expired, evicted or never stored)", id)), nil
			}
			return toolregistry.Succeeded(call, payload), nil
		},
	}
}

func currentTimeTool(opts Options) toolregistry.ToolDefinition {
	return toolregistry.ToolDefinition{
		ID:          "current_time",
		Description: "Return the current date and time, optionally in an IANA time zone.",
		Parameters: []toolregistry.Parameter{
			{Name: "timezone", Type: "string", Description: "IANA zone such as Europe/Berlin (default UTC)", Required: false},
		},
		Handler: func(_ context.Context, call toolregistry.ToolCall, _ toolregistry.ExecutionContext) (toolregistry.ToolResult, error) {
			zone, _ := call.Args["timezone"].(string)
			if zone == "" {
				zone = "UTC"
			}
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return toolregistry.Failed(call, fmt.Sprintf("unknown timezone %q", zone)), nil
			}

			now := opts.Now().In(loc)
			return toolregistry.Succeeded(call, map[string]interface{}{
				"time":     now.Format(time.RFC3339),
				"timezone": zone,
				"weekday":  now.Weekday().String(),
				"unix":     now.Unix(),
			}), nil
		},
	}
}

func askUserTool() toolregistry.ToolDefinition {
	return toolregistry.ToolDefinition{
		ID:          "ask_user",
		Description: "Ask the user a question when only they can provide the missing information.",
		Parameters: []toolregistry.Parameter{
			{Name: "question", Type: "string", Description: "The question to ask", Required: true},
		},
		Handler: func(_ context.Context, call toolregistry.ToolCall, _ toolregistry.ExecutionContext) (toolregistry.ToolResult, error) {
			question, _ := call.Args["question"].(string)
			return toolregistry.ToolResult{
				Call:         call,
				Status:       toolregistry.StatusNeedsUserInput,
				ErrorMessage: strings.TrimSpace(question),
			}, nil
		},
	}
}
