package workflow

import (
	"github.com/harun/sleuth/pkg/toolregistry"
)

// Decision is the reflector's verdict after a tool step.
type Decision string

const (
	DecisionContinue     Decision = "CONTINUE"
	DecisionFinish       Decision = "FINISH"
	DecisionRequestHuman Decision = "REQUEST_HUMAN"
)

// Route is the router's classification of a query.
type Route string

const (
	RouteSimple  Route = "simple"
	RouteComplex Route = "complex"
	RouteClarify Route = "clarify"
	RouteEnd     Route = "end"
)

// Reflection is the reflector's decision and its reasoning.
type Reflection struct {
	Decision  Decision `json:"decision"`
	Reasoning string   `json:"reasoning"`
}

// RouterDecision is the router's route and its reasoning.
type RouterDecision struct {
	Route     Route  `json:"route"`
	Reasoning string `json:"reasoning"`
}

// DataReference points at a tool payload kept in the object store.
type DataReference struct {
	StepID       string              `json:"step_id"`
	ToolName     string              `json:"tool_name"`
	DataID       string              `json:"data_id,omitempty"`
	Summary      string              `json:"summary"`
	Status       toolregistry.Status `json:"status"`
	ErrorMessage string              `json:"error_message,omitempty"`
}

// SessionState is threaded through every node of a run.
type SessionState struct {
	OriginalQuery     string                   `json:"original_query"`
	ChatHistory       []string                 `json:"chat_history,omitempty"`
	DataStash         []DataReference          `json:"data_stash,omitempty"`
	NextToolCall      *toolregistry.ToolCall   `json:"next_tool_call,omitempty"`
	PendingToolResult *toolregistry.ToolResult `json:"pending_tool_result,omitempty"`
	Reflection        *Reflection              `json:"reflection,omitempty"`
	RouterDecision    *RouterDecision          `json:"router_decision,omitempty"`
	FinalReport       string                   `json:"final_report,omitempty"`
	HumanRequest      string                   `json:"human_request,omitempty"`
	LastError         string                   `json:"last_error,omitempty"`
}

// Optional marks a scalar patch field as present. A present zero value
// clears the field.
type Optional[T any] struct {
	Value T
	Set   bool
}

// Some returns a present Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Set: true}
}

// Clear returns a present Optional holding the zero value.
func Clear[T any]() Optional[T] {
	return Optional[T]{Set: true}
}

// Patch is a node's partial update to SessionState. Scalar fields
// overwrite when set; list fields append.
type Patch struct {
	OriginalQuery     Optional[string]
	ChatHistory       []string
	DataStash         []DataReference
	NextToolCall      Optional[*toolregistry.ToolCall]
	PendingToolResult Optional[*toolregistry.ToolResult]
	Reflection        Optional[*Reflection]
	RouterDecision    Optional[*RouterDecision]
	FinalReport       Optional[string]
	HumanRequest      Optional[string]
	LastError         Optional[string]
}

// Apply returns a copy of s with p merged in. s is not modified.
func (s SessionState) Apply(p Patch) SessionState {
	out := s

	out.ChatHistory = appendCopy(s.ChatHistory, p.ChatHistory)
	out.DataStash = appendCopy(s.DataStash, p.DataStash)

	if p.OriginalQuery.Set {
		out.OriginalQuery = p.OriginalQuery.Value
	}
	if p.NextToolCall.Set {
		out.NextToolCall = p.NextToolCall.Value
	}
	if p.PendingToolResult.Set {
		out.PendingToolResult = p.PendingToolResult.Value
	}
	if p.Reflection.Set {
		out.Reflection = p.Reflection.Value
	}
	if p.RouterDecision.Set {
		out.RouterDecision = p.RouterDecision.Value
	}
	if p.FinalReport.Set {
		out.FinalReport = p.FinalReport.Value
	}
	if p.HumanRequest.Set {
		out.HumanRequest = p.HumanRequest.Value
	}
	if p.LastError.Set {
		out.LastError = p.LastError.Value
	}
	return out
}

func appendCopy[T any](base, extra []T) []T {
	if len(extra) == 0 {
		return base
	}
	out := make([]T, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

// PrepareResume returns the state to re-enter a suspended run with: the
// human's text is appended to the chat history and the suspension fields
// are cleared.
func (s SessionState) PrepareResume(humanText string) SessionState {
	return s.Apply(Patch{
		ChatHistory:  []string{"human: " + humanText},
		HumanRequest: Clear[string](),
		FinalReport:  Clear[string](),
		LastError:    Clear[string](),
	})
}
