package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/sleuth/internal/tracing"
	"github.com/harun/sleuth/pkg/toolregistry"
)

// ReflectorNode decides whether to keep gathering, finish or ask a human.
// A tool that reported needs_user_input short-circuits to REQUEST_HUMAN; an
// unparseable answer falls back to CONTINUE.
type ReflectorNode struct {
	llm    llmCaller
	logger zerolog.Logger
}

func (n *ReflectorNode) Name() string { return NodeReflector }

func (n *ReflectorNode) Run(ctx context.Context, state SessionState) (Patch, error) {
	if last, ok := lastReference(state); ok && last.Status == toolregistry.StatusNeedsUserInput {
		reason := last.ErrorMessage
		if reason == "" {
			reason = last.Summary
		}
		return Patch{Reflection: Some(&Reflection{Decision: DecisionRequestHuman, Reasoning: reason})}, nil
	}

	reflection, err := generateParsed(ctx, n.llm, NodeReflector, reflectorPrompt(state), parseReflection)
	if err != nil {
		var malformed *MalformedOutputError
		if !errors.As(err, &malformed) {
			return Patch{}, fmt.Errorf("reflector: %w", err)
		}
		logger := tracing.LoggerFromContext(ctx, n.logger)
		logger.Warn().Err(err).Msg("Reflector output malformed, defaulting to continue")
		reflection = Reflection{Decision: DecisionContinue, Reasoning: malformed.Error()}
	}

	return Patch{Reflection: Some(&reflection)}, nil
}

func lastReference(state SessionState) (DataReference, bool) {
	if len(state.DataStash) == 0 {
		return DataReference{}, false
	}
	return state.DataStash[len(state.DataStash)-1], true
}
