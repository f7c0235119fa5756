package workflow

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/harun/sleuth/internal/tracing"
	"github.com/harun/sleuth/pkg/llm"
	"github.com/harun/sleuth/pkg/toolregistry"
)

const (
	noPendingToolCall   = "no pending tool call"
	noPendingToolResult = "no pending tool result"

	defaultSummaryMaxChars = 500
)

// ToolRunner executes planned tool calls.
type ToolRunner interface {
	Execute(ctx context.Context, call toolregistry.ToolCall, execCtx toolregistry.ExecutionContext) (toolregistry.ToolResult, error)
}

// PayloadStore keeps raw tool output out of the session state.
type PayloadStore interface {
	Save(payload any) (string, error)
}

// FailureReporter is told about tool failures, e.g. for auditing.
type FailureReporter interface {
	RecordToolFailure(ctx context.Context, taskID, tool, message string)
}

// ToolExecutorNode runs the pending tool call. Every failure, including an
// unknown tool or a panicking handler, becomes an error-status result.
type ToolExecutorNode struct {
	tools    ToolRunner
	reporter FailureReporter
	logger   zerolog.Logger
}

func (n *ToolExecutorNode) Name() string { return NodeToolExecutor }

func (n *ToolExecutorNode) Run(ctx context.Context, state SessionState) (Patch, error) {
	if state.NextToolCall == nil {
		return Patch{LastError: Some(noPendingToolCall)}, nil
	}

	call := *state.NextToolCall
	execCtx := toolregistry.ExecutionContext{
		TaskID: tracing.GetTaskID(ctx),
		Query:  state.OriginalQuery,
	}

	result, err := n.execute(ctx, call, execCtx)
	if err != nil {
		result = toolregistry.Failed(call, err.Error())
	}
	if result.Status == toolregistry.StatusError {
		logger := tracing.LoggerFromContext(ctx, n.logger)
		logger.Warn().
			Str("tool", call.PluginID).
			Str("step_id", call.StepID).
			Str("error", result.ErrorMessage).
			Msg("Tool step failed")
		if n.reporter != nil {
			n.reporter.RecordToolFailure(ctx, execCtx.TaskID, call.PluginID, result.ErrorMessage)
		}
	}
	result.Call = call

	return Patch{
		NextToolCall:      Clear[*toolregistry.ToolCall](),
		PendingToolResult: Some(&result),
	}, nil
}

func (n *ToolExecutorNode) execute(ctx context.Context, call toolregistry.ToolCall, execCtx toolregistry.ExecutionContext) (result toolregistry.ToolResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			n.logger.Error().Str("tool", call.PluginID).Str("stack", string(debug.Stack())).Msg("Tool dispatch panicked")
			err = fmt.Errorf("tool %s panicked: %v", call.PluginID, rec)
		}
	}()
	return n.tools.Execute(ctx, call, execCtx)
}

// StasherNode moves the pending tool output into the payload store and
// records exactly one DataReference for it.
type StasherNode struct {
	store      PayloadStore
	summarizer llm.Summarizer
	maxChars   int
	logger     zerolog.Logger
}

func (n *StasherNode) Name() string { return NodeStasher }

func (n *StasherNode) Run(ctx context.Context, state SessionState) (Patch, error) {
	if state.PendingToolResult == nil {
		return Patch{LastError: Some(noPendingToolResult)}, nil
	}
	res := *state.PendingToolResult
	logger := tracing.LoggerFromContext(ctx, n.logger)

	ref := DataReference{
		StepID:       res.Call.StepID,
		ToolName:     res.Call.PluginID,
		Status:       res.Status,
		ErrorMessage: res.ErrorMessage,
	}

	if res.RawOutput != nil {
		id, err := n.store.Save(res.RawOutput)
		if err != nil {
			logger.Warn().Err(err).Str("step_id", ref.StepID).Msg("Failed to stash tool output")
		} else {
			ref.DataID = id
		}
	}

	ref.Summary = n.summarize(ctx, res, state.OriginalQuery, logger)

	return Patch{
		DataStash:         []DataReference{ref},
		PendingToolResult: Clear[*toolregistry.ToolResult](),
	}, nil
}

func (n *StasherNode) summarize(ctx context.Context, res toolregistry.ToolResult, query string, logger zerolog.Logger) string {
	if n.summarizer != nil && res.RawOutput != nil {
		summary, err := n.summarizer.Summarize(ctx, res.RawOutput, query)
		switch {
		case err != nil:
			logger.Debug().Err(err).Msg("Summarizer failed, using fallback summary")
		case summary != "":
			return truncate(summary, n.limit())
		}
	}
	return fallbackSummary(res, n.limit())
}

func (n *StasherNode) limit() int {
	if n.maxChars <= 0 {
		return defaultSummaryMaxChars
	}
	return n.maxChars
}

// fallbackSummary is a deterministic rendering of the result; it cannot fail.
func fallbackSummary(res toolregistry.ToolResult, maxChars int) string {
	if res.RawOutput == nil {
		if res.ErrorMessage != "" {
			return truncate("error: "+res.ErrorMessage, maxChars)
		}
		return "(no output)"
	}

	text, err := llm.Render(res.RawOutput)
	if err != nil {
		text = fmt.Sprintf("%v", res.RawOutput)
	}
	if text == "" {
		return "(empty output)"
	}
	return truncate(text, maxChars)
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	if maxChars <= 3 {
		return string(runes[:maxChars])
	}
	return string(runes[:maxChars-3]) + "..."
}
