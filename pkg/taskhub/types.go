package taskhub

import (
	"errors"
	"time"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTaskTerminal      = errors.New("task already finished")
	ErrWaitTimeout       = errors.New("timed out waiting for task")
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusRunning     Status = "RUNNING"
	StatusProcessing  Status = "PROCESSING"
	StatusHumanInLoop Status = "HUMAN_IN_LOOP"
	StatusCompleted   Status = "COMPLETED"
	StatusError       Status = "ERROR"
	StatusCancelled   Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:     {StatusRunning},
	StatusRunning:     {StatusProcessing, StatusHumanInLoop, StatusCompleted, StatusError},
	StatusProcessing:  {StatusHumanInLoop, StatusCompleted, StatusError},
	StatusHumanInLoop: {StatusProcessing, StatusError},
}

// CanTransition reports whether from -> to is allowed. Cancellation is
// allowed from every non-terminal status.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EventType classifies hub events.
type EventType string

const (
	EventStatus       EventType = "status"
	EventStep         EventType = "step"
	EventFinal        EventType = "final"
	EventHumanRequest EventType = "human_request"
	EventAck          EventType = "ack"
	EventCancelled    EventType = "cancelled"
	EventError        EventType = "error"
)

// Event is one entry of a task's event stream. Seq is assigned by the hub
// and increases by one per published event within a task.
type Event struct {
	Seq       int64                  `json:"seq"`
	TaskID    string                 `json:"task_id"`
	Type      EventType              `json:"type"`
	Status    Status                 `json:"status,omitempty"`
	Node      string                 `json:"node,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// TaskOptions seeds a task on creation. Non-empty fields also update an
// existing task.
type TaskOptions struct {
	ThreadID  string
	BaseQuery string
}

// TaskInfo is a read-only view of a task.
type TaskInfo struct {
	TaskID        string    `json:"task_id"`
	ThreadID      string    `json:"thread_id,omitempty"`
	BaseQuery     string    `json:"base_query,omitempty"`
	Status        Status    `json:"status"`
	Cancelled     bool      `json:"cancelled"`
	CancelReason  string    `json:"cancel_reason,omitempty"`
	HumanResponse string    `json:"human_response,omitempty"`
	HistoryLen    int       `json:"history_len"`
	Listeners     int       `json:"listeners"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
