package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/sleuth/internal/tracing"
)

// RouterNode classifies the request. An unparseable answer falls back to
// the complex route so the run still makes progress.
type RouterNode struct {
	llm    llmCaller
	logger zerolog.Logger
}

func (n *RouterNode) Name() string { return NodeRouter }

func (n *RouterNode) Run(ctx context.Context, state SessionState) (Patch, error) {
	decision, err := generateParsed(ctx, n.llm, NodeRouter, routerPrompt(state), parseRouterDecision)
	if err != nil {
		var malformed *MalformedOutputError
		if !errors.As(err, &malformed) {
			return Patch{}, fmt.Errorf("router: %w", err)
		}
		logger := tracing.LoggerFromContext(ctx, n.logger)
		logger.Warn().Err(err).Msg("Router output malformed, defaulting to complex")
		decision = RouterDecision{Route: RouteComplex, Reasoning: malformed.Error()}
	}

	return Patch{RouterDecision: Some(&decision)}, nil
}
