package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToSubQuery derives the context for a fan-out sub-query. The
// trace ID is kept, the run ID is new and the parent task becomes the
// thread of the sub-query's task.
func PropagateToSubQuery(ctx context.Context, subTaskID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	newCtx := WithTraceID(ctx, traceID)
	newCtx = WithRunID(newCtx, NewRunID())
	if parent := GetTaskID(ctx); parent != "" {
		newCtx = WithThreadID(newCtx, parent)
	}
	return WithTaskID(newCtx, subTaskID)
}

// LoggerFromContext adds tracing fields present in ctx to baseLogger
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := baseLogger.With()

	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.TaskID != "" {
		lc = lc.Str("task_id", tc.TaskID)
	}
	if tc.ThreadID != "" {
		lc = lc.Str("thread_id", tc.ThreadID)
	}

	return lc.Logger()
}
