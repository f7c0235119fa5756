package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	TaskID    string                 `json:"task_id,omitempty"`
	Action    string                 `json:"action"` // e.g., "task_cancelled", "human_response"
	Status    string                 `json:"status"` // "success", "failure", "rejected"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger records operator-facing task interventions. It is owned by
// the component that constructs it; a nil *AuditLogger discards events.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	closer io.Closer
}

// NewAuditLogger writes audit events as JSON lines to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// OpenAuditLog appends audit events to the file at path.
func OpenAuditLog(path string) (*AuditLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	a := NewAuditLogger(file)
	a.closer = file
	return a, nil
}

// Record emits an audit event to the log and, when a span is active, as a
// span event.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.task_id", event.TaskID),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("task_id", event.TaskID).
		Str("action", event.Action).
		Str("status", event.Status)

	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

func (a *AuditLogger) RecordCancel(ctx context.Context, taskID, reason, status string) {
	a.Record(ctx, AuditEvent{
		Type:     "task",
		TaskID:   taskID,
		Action:   "task_cancelled",
		Status:   status,
		Metadata: map[string]interface{}{"reason": reason},
	})
}

func (a *AuditLogger) RecordHumanResponse(ctx context.Context, taskID string, length int, status string) {
	a.Record(ctx, AuditEvent{
		Type:     "task",
		TaskID:   taskID,
		Action:   "human_response",
		Status:   status,
		Metadata: map[string]interface{}{"length": length},
	})
}

func (a *AuditLogger) RecordToolFailure(ctx context.Context, taskID, tool, message string) {
	a.Record(ctx, AuditEvent{
		Type:     "tool",
		TaskID:   taskID,
		Action:   "execute:" + tool,
		Status:   "failure",
		Metadata: map[string]interface{}{"error": message},
	})
}
