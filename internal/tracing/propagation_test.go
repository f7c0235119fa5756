package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestPropagateToSubQuery(t *testing.T) {
	parentCtx := context.Background()
	parentCtx = WithTraceID(parentCtx, "trace-123")
	parentCtx = WithRunID(parentCtx, "run-parent")
	parentCtx = WithTaskID(parentCtx, "parent-task")

	childCtx := PropagateToSubQuery(parentCtx, "child-task")

	if GetTraceID(childCtx) != "trace-123" {
		t.Error("Trace ID not propagated")
	}
	if GetRunID(childCtx) == "run-parent" || GetRunID(childCtx) == "" {
		t.Error("Run ID should be regenerated for sub-query")
	}
	if GetTaskID(childCtx) != "child-task" {
		t.Error("Task ID not updated")
	}
	if GetThreadID(childCtx) != "parent-task" {
		t.Error("Parent task should become the thread")
	}
}

func TestPropagateToSubQuery_GeneratesTrace(t *testing.T) {
	childCtx := PropagateToSubQuery(context.Background(), "child")

	if GetTraceID(childCtx) == "" {
		t.Error("Trace ID should be generated when missing")
	}
	if GetThreadID(childCtx) != "" {
		t.Error("No parent task means no thread")
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTaskID(WithTraceID(context.Background(), "trace-xyz"), "task-abc")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"trace-xyz"`) {
		t.Errorf("trace_id missing from %s", out)
	}
	if !strings.Contains(out, `"task_id":"task-abc"`) {
		t.Errorf("task_id missing from %s", out)
	}
	if strings.Contains(out, "run_id") {
		t.Errorf("run_id should be omitted when absent: %s", out)
	}
}
