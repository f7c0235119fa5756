package toolregistry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownTool is matched by every UnknownToolError.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrDuplicateTool is returned when a plugin id is registered twice.
	ErrDuplicateTool = errors.New("duplicate tool")
	// ErrInvalidArgs is returned when call arguments fail schema validation.
	ErrInvalidArgs = errors.New("invalid tool arguments")
)

// Status is the outcome of a tool execution.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusError          Status = "error"
	StatusNeedsUserInput Status = "needs_user_input"
)

// ToolCall is a single planned tool invocation.
type ToolCall struct {
	PluginID    string                 `json:"plugin_id"`
	Args        map[string]interface{} `json:"args"`
	StepID      string                 `json:"step_id"`
	Description string                 `json:"description"`
}

// ToolResult is the outcome of one ToolCall.
type ToolResult struct {
	Call         ToolCall    `json:"call"`
	RawOutput    interface{} `json:"raw_output,omitempty"`
	Status       Status      `json:"status"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// Failed builds an error-status result for call.
func Failed(call ToolCall, message string) ToolResult {
	return ToolResult{Call: call, Status: StatusError, ErrorMessage: message}
}

// Succeeded builds a success-status result for call.
func Succeeded(call ToolCall, output interface{}) ToolResult {
	return ToolResult{Call: call, RawOutput: output, Status: StatusSuccess}
}

// ExecutionContext carries task-level information into handlers.
type ExecutionContext struct {
	TaskID  string
	Query   string
	Timeout time.Duration
}

// Handler executes a tool call. Expected failures should be reported as a
// StatusError result with a nil error; a non-nil error (or a panic) is
// reserved for conditions the handler could not anticipate.
type Handler func(ctx context.Context, call ToolCall, execCtx ExecutionContext) (ToolResult, error)

// Parameter describes one argument of a tool.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition is what plugins register.
type ToolDefinition struct {
	ID          string
	Description string
	Parameters  []Parameter
	Handler     Handler
	Timeout     time.Duration // overrides the registry default when > 0
}

// ToolSpec is the public description of a registered tool.
type ToolSpec struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	Parameters  []Parameter            `json:"parameters"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// UnknownToolError reports a call to an unregistered plugin id.
type UnknownToolError struct {
	PluginID string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %q", e.PluginID)
}

func (e *UnknownToolError) Is(target error) bool {
	return target == ErrUnknownTool
}
