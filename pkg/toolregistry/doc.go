// Package toolregistry is the dispatch table from plugin ids to tool handlers.
//
// Invariants:
// - Plugin ids are unique; a duplicate registration is a programming error.
// - Arguments are schema-validated before the handler runs.
// - An unregistered id produces ErrUnknownTool, never a result.
//
// Usage:
//
//	reg := toolregistry.New(toolregistry.Config{}, logger)
//	reg.MustRegister(toolregistry.ToolDefinition{
//		ID:          "echo",
//		Description: "Echo input",
//		Parameters:  []toolregistry.Parameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, call toolregistry.ToolCall, _ toolregistry.ExecutionContext) (toolregistry.ToolResult, error) {
//			return toolregistry.Succeeded(call, call.Args["text"]), nil
//		},
//	})
package toolregistry
