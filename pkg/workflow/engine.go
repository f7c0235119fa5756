package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/sleuth/internal/observability"
	"github.com/harun/sleuth/internal/tracing"
	"github.com/harun/sleuth/pkg/llm"
	"github.com/harun/sleuth/pkg/retry"
	"github.com/harun/sleuth/pkg/taskhub"
)

const (
	tracerName = "sleuth/workflow"

	// DefaultMaxSteps bounds node executions per run.
	DefaultMaxSteps = 25

	stepLimitTag = "[step limit exceeded]"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeSuspended         Outcome = "suspended"
	OutcomeCancelled         Outcome = "cancelled"
	OutcomeStepLimitExceeded Outcome = "step_limit_exceeded"
	OutcomeEnded             Outcome = "ended"
)

// Config tunes the engine.
type Config struct {
	MaxSteps        int     `json:"max_steps" mapstructure:"max_steps"`
	SummaryMaxChars int     `json:"summary_max_chars" mapstructure:"summary_max_chars"`
	Temperature     float64 `json:"temperature" mapstructure:"temperature"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxSteps:        DefaultMaxSteps,
		SummaryMaxChars: defaultSummaryMaxChars,
		Temperature:     0.2,
	}
}

// Tools is what the planner and tool executor need from a tool registry.
type Tools interface {
	ToolRunner
	ToolCatalog
}

// Hub receives step events and snapshots and answers cancellation polls.
// *taskhub.Hub implements it.
type Hub interface {
	PublishEvent(id string, ev taskhub.Event) error
	IsCancelled(id string) bool
	SaveSnapshot(id string, state []byte) error
}

// Deps are the collaborators the default nodes are built from.
type Deps struct {
	LLM        llm.Provider
	Tools      Tools
	Store      PayloadStore
	Summarizer llm.Summarizer
	Retry      *retry.Policy
	Failures   FailureReporter
	Logger     zerolog.Logger
}

// Result describes a finished or paused run.
type Result struct {
	Outcome      Outcome
	State        SessionState
	Steps        int
	FinalReport  string
	HumanRequest string
}

// Engine drives a SessionState through the node graph.
type Engine struct {
	cfg    Config
	hub    Hub
	nodes  map[string]Node
	logger zerolog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithNode replaces the node registered under node.Name().
func WithNode(node Node) Option {
	return func(e *Engine) {
		e.nodes[node.Name()] = node
	}
}

// New builds an engine with the default node set. hub may be nil, in which
// case no events or snapshots are emitted and runs are never cancelled.
func New(cfg Config, deps Deps, hub Hub, opts ...Option) (*Engine, error) {
	if deps.LLM == nil {
		return nil, errors.New("workflow: llm provider is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("workflow: tools are required")
	}
	if deps.Store == nil {
		return nil, errors.New("workflow: payload store is required")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.SummaryMaxChars <= 0 {
		cfg.SummaryMaxChars = defaultSummaryMaxChars
	}
	if hub == nil {
		hub = nopHub{}
	}

	logger := deps.Logger.With().Str("component", "workflow").Logger()
	caller := llmCaller{
		provider: deps.LLM,
		policy:   deps.Retry,
		opts:     llm.GenerateOptions{Temperature: llm.Float(cfg.Temperature)},
	}

	e := &Engine{
		cfg:    cfg,
		hub:    hub,
		logger: logger,
		nodes:  make(map[string]Node),
	}
	for _, n := range []Node{
		&RouterNode{llm: caller, logger: logger},
		&SimpleResponderNode{llm: caller},
		&PlannerNode{llm: caller, tools: deps.Tools},
		&ToolExecutorNode{tools: deps.Tools, reporter: deps.Failures, logger: logger},
		&StasherNode{store: deps.Store, summarizer: deps.Summarizer, maxChars: cfg.SummaryMaxChars, logger: logger},
		&ReflectorNode{llm: caller, logger: logger},
		&SynthesizerNode{llm: caller},
		WaitForHumanNode{},
	} {
		e.nodes[n.Name()] = n
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Run executes the graph from the router until a terminal node, a
// suspension, cancellation or the step budget. A node error aborts the run
// and is returned together with the state reached so far.
func (e *Engine) Run(ctx context.Context, taskID string, state SessionState) (Result, error) {
	if tracing.GetTaskID(ctx) == "" {
		ctx = tracing.WithTaskID(ctx, taskID)
	}
	logger := tracing.LoggerFromContext(ctx, e.logger)

	current := NodeRouter
	steps := 0

	for {
		if e.hub.IsCancelled(taskID) {
			return e.finish(logger, Result{Outcome: OutcomeCancelled, State: state, Steps: steps}), nil
		}
		if err := ctx.Err(); err != nil {
			observability.RecordRunOutcome("error")
			return Result{State: state, Steps: steps}, err
		}
		if steps >= e.cfg.MaxSteps {
			report := partialReport(state)
			state = state.Apply(Patch{FinalReport: Some(report)})
			logger.Warn().Int("steps", steps).Str("next", current).Msg("Step budget exhausted")
			return e.finish(logger, Result{Outcome: OutcomeStepLimitExceeded, State: state, Steps: steps, FinalReport: report}), nil
		}

		node, ok := e.nodes[current]
		if !ok {
			observability.RecordRunOutcome("error")
			return Result{State: state, Steps: steps}, fmt.Errorf("%w: %s", ErrUnknownNode, current)
		}

		patch, err := e.runNode(ctx, node, state)
		steps++
		if err != nil {
			observability.RecordRunOutcome("error")
			return Result{State: state, Steps: steps}, err
		}
		state = state.Apply(patch)
		e.afterNode(taskID, current, state, steps, logger)

		if e.hub.IsCancelled(taskID) {
			return e.finish(logger, Result{Outcome: OutcomeCancelled, State: state, Steps: steps}), nil
		}

		next, outcome := transition(current, state)
		switch outcome {
		case "":
			current = next
		case OutcomeEnded:
			reason := "Nothing to do."
			if state.RouterDecision != nil && state.RouterDecision.Reasoning != "" {
				reason = state.RouterDecision.Reasoning
			}
			state = state.Apply(Patch{FinalReport: Some(reason)})
			return e.finish(logger, Result{Outcome: outcome, State: state, Steps: steps, FinalReport: reason}), nil
		case OutcomeSuspended:
			return e.finish(logger, Result{Outcome: outcome, State: state, Steps: steps, HumanRequest: state.HumanRequest}), nil
		default:
			return e.finish(logger, Result{Outcome: outcome, State: state, Steps: steps, FinalReport: state.FinalReport}), nil
		}
	}
}

func (e *Engine) runNode(ctx context.Context, node Node, state SessionState) (patch Patch, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "workflow."+node.Name(),
		attribute.String("node", node.Name()),
		attribute.String("task_id", tracing.GetTaskID(ctx)),
	)
	start := time.Now()
	defer func() {
		observability.RecordNodeRun(node.Name(), time.Since(start), err == nil)
		tracing.EndSpan(span, err)
	}()

	return node.Run(ctx, state)
}

// afterNode is best effort: a hub failure never fails the run.
func (e *Engine) afterNode(taskID, nodeName string, state SessionState, steps int, logger zerolog.Logger) {
	if err := e.hub.PublishEvent(taskID, taskhub.Event{
		Type: taskhub.EventStep,
		Node: nodeName,
		Data: map[string]interface{}{"step": steps},
	}); err != nil {
		logger.Debug().Err(err).Str("node", nodeName).Msg("Step event not published")
	}

	snapshot, err := json.Marshal(state)
	if err != nil {
		logger.Warn().Err(err).Str("node", nodeName).Msg("Failed to encode state snapshot")
		return
	}
	if err := e.hub.SaveSnapshot(taskID, snapshot); err != nil {
		logger.Debug().Err(err).Str("node", nodeName).Msg("Snapshot not saved")
	}
}

func (e *Engine) finish(logger zerolog.Logger, res Result) Result {
	observability.RecordRunOutcome(string(res.Outcome))
	logger.Info().Str("outcome", string(res.Outcome)).Int("steps", res.Steps).Msg("Workflow run finished")
	return res
}

var staticEdges = map[string]string{
	NodePlanner:      NodeToolExecutor,
	NodeToolExecutor: NodeStasher,
	NodeStasher:      NodeReflector,
}

var terminalNodes = map[string]Outcome{
	NodeSimpleResponder: OutcomeCompleted,
	NodeSynthesizer:     OutcomeCompleted,
	NodeWaitForHuman:    OutcomeSuspended,
}

// transition returns either the next node or, for the end of a run, its outcome.
func transition(current string, state SessionState) (string, Outcome) {
	if next, ok := staticEdges[current]; ok {
		return next, ""
	}
	if outcome, ok := terminalNodes[current]; ok {
		return "", outcome
	}

	switch current {
	case NodeRouter:
		route := RouteComplex
		if state.RouterDecision != nil {
			route = state.RouterDecision.Route
		}
		switch route {
		case RouteSimple:
			return NodeSimpleResponder, ""
		case RouteClarify:
			return NodeWaitForHuman, ""
		case RouteEnd:
			return "", OutcomeEnded
		default:
			return NodePlanner, ""
		}
	case NodeReflector:
		decision := DecisionContinue
		if state.Reflection != nil {
			decision = state.Reflection.Decision
		}
		switch decision {
		case DecisionFinish:
			return NodeSynthesizer, ""
		case DecisionRequestHuman:
			return NodeWaitForHuman, ""
		default:
			return NodePlanner, ""
		}
	}
	return "", OutcomeEnded
}

// partialReport is built without any LLM call so it is always available.
func partialReport(state SessionState) string {
	var b strings.Builder
	b.WriteString(stepLimitTag)
	if state.FinalReport != "" {
		b.WriteString("\n")
		b.WriteString(state.FinalReport)
		return b.String()
	}
	if len(state.DataStash) == 0 {
		b.WriteString("\nNo findings were gathered before the step budget ran out.")
		return b.String()
	}
	b.WriteString("\nPartial findings:")
	for _, ref := range state.DataStash {
		fmt.Fprintf(&b, "\n- %s (%s, %s): %s", ref.StepID, ref.ToolName, ref.Status, ref.Summary)
	}
	return b.String()
}

type nopHub struct{}

func (nopHub) PublishEvent(string, taskhub.Event) error { return nil }
func (nopHub) IsCancelled(string) bool                  { return false }
func (nopHub) SaveSnapshot(string, []byte) error        { return nil }
