package workflow

import (
	"context"
	"fmt"
	"strings"
)

// SynthesizerNode writes the final report from the gathered data.
type SynthesizerNode struct {
	llm llmCaller
}

func (n *SynthesizerNode) Name() string { return NodeSynthesizer }

func (n *SynthesizerNode) Run(ctx context.Context, state SessionState) (Patch, error) {
	report, err := generateParsed(ctx, n.llm, NodeSynthesizer, synthesizerPrompt(state), nonEmpty)
	if err != nil {
		return Patch{}, fmt.Errorf("synthesizer: %w", err)
	}
	return Patch{FinalReport: Some(report)}, nil
}

// SimpleResponderNode answers requests the router judged not to need tools.
type SimpleResponderNode struct {
	llm llmCaller
}

func (n *SimpleResponderNode) Name() string { return NodeSimpleResponder }

func (n *SimpleResponderNode) Run(ctx context.Context, state SessionState) (Patch, error) {
	answer, err := generateParsed(ctx, n.llm, NodeSimpleResponder, simplePrompt(state), nonEmpty)
	if err != nil {
		return Patch{}, fmt.Errorf("simple responder: %w", err)
	}
	return Patch{FinalReport: Some(answer)}, nil
}

func nonEmpty(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty response")
	}
	return text, nil
}

const defaultHumanRequest = "Additional input is needed to continue. Please provide more detail."

// WaitForHumanNode exposes the question the run is blocked on.
type WaitForHumanNode struct{}

func (WaitForHumanNode) Name() string { return NodeWaitForHuman }

func (WaitForHumanNode) Run(_ context.Context, state SessionState) (Patch, error) {
	question := defaultHumanRequest
	switch {
	case state.RouterDecision != nil && state.RouterDecision.Route == RouteClarify && state.RouterDecision.Reasoning != "":
		question = state.RouterDecision.Reasoning
	case state.Reflection != nil && state.Reflection.Decision == DecisionRequestHuman && state.Reflection.Reasoning != "":
		question = state.Reflection.Reasoning
	}
	return Patch{HumanRequest: Some(question)}, nil
}
