package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/sleuth/pkg/toolregistry"
)

// extractJSON returns the JSON object embedded in an LLM response, which
// may be wrapped in a fenced code block or surrounded by prose.
func extractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return "", fmt.Errorf("empty response")
	}

	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object found")
	}
	return s[start : end+1], nil
}

func decodeJSON(text string, v any) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func parseRouterDecision(text string) (RouterDecision, error) {
	var out RouterDecision
	if err := decodeJSON(text, &out); err != nil {
		return RouterDecision{}, err
	}

	route := Route(strings.ToLower(strings.TrimSpace(string(out.Route))))
	switch route {
	case RouteSimple, RouteComplex, RouteClarify, RouteEnd:
		out.Route = route
	default:
		return RouterDecision{}, fmt.Errorf("unknown route %q", out.Route)
	}
	return out, nil
}

func parseReflection(text string) (Reflection, error) {
	var out Reflection
	if err := decodeJSON(text, &out); err != nil {
		return Reflection{}, err
	}

	decision := Decision(strings.ToUpper(strings.TrimSpace(string(out.Decision))))
	switch decision {
	case DecisionContinue, DecisionFinish, DecisionRequestHuman:
		out.Decision = decision
	default:
		return Reflection{}, fmt.Errorf("unknown decision %q", out.Decision)
	}
	return out, nil
}

type plannedCall struct {
	PluginID    string                 `json:"plugin_id"`
	Args        map[string]interface{} `json:"args"`
	Description string                 `json:"description"`
}

func parseToolCall(text string) (toolregistry.ToolCall, error) {
	var planned plannedCall
	if err := decodeJSON(text, &planned); err != nil {
		return toolregistry.ToolCall{}, err
	}
	planned.PluginID = strings.TrimSpace(planned.PluginID)
	if planned.PluginID == "" {
		return toolregistry.ToolCall{}, fmt.Errorf("plugin_id is missing")
	}
	if planned.Args == nil {
		planned.Args = map[string]interface{}{}
	}
	return toolregistry.ToolCall{
		PluginID:    planned.PluginID,
		Args:        planned.Args,
		Description: planned.Description,
	}, nil
}
