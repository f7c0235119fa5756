package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/sleuth/pkg/toolregistry"
)

// ToolCatalog describes the available tools to the planner.
type ToolCatalog interface {
	FormatForPrompt() string
}

// PlannerNode turns the request and gathered data into exactly one tool
// call. Malformed planner output fails the run.
type PlannerNode struct {
	llm   llmCaller
	tools ToolCatalog
}

func (n *PlannerNode) Name() string { return NodePlanner }

func (n *PlannerNode) Run(ctx context.Context, state SessionState) (Patch, error) {
	if strings.TrimSpace(state.OriginalQuery) == "" {
		return Patch{}, ErrEmptyQuery
	}

	call, err := generateParsed(ctx, n.llm, NodePlanner, plannerPrompt(state, n.tools.FormatForPrompt()), parseToolCall)
	if err != nil {
		return Patch{}, fmt.Errorf("planner: %w", err)
	}
	call.StepID = fmt.Sprintf("step-%d", len(state.DataStash)+1)

	return Patch{
		NextToolCall:      Some(&call),
		PendingToolResult: Clear[*toolregistry.ToolResult](),
		Reflection:        Clear[*Reflection](),
		LastError:         Clear[string](),
	}, nil
}
