package workflow

import (
	"context"

	"github.com/harun/sleuth/pkg/llm"
	"github.com/harun/sleuth/pkg/retry"
)

// Node names.
const (
	NodeRouter          = "router"
	NodeSimpleResponder = "simple_responder"
	NodePlanner         = "planner"
	NodeToolExecutor    = "tool_executor"
	NodeStasher         = "stasher"
	NodeReflector       = "reflector"
	NodeSynthesizer     = "synthesizer"
	NodeWaitForHuman    = "wait_for_human"
)

// Node is one step of the workflow. Run must not modify state; it returns
// the fields to change as a Patch.
type Node interface {
	Name() string
	Run(ctx context.Context, state SessionState) (Patch, error)
}

// llmCaller is the retry-wrapped LLM access shared by the decision nodes.
type llmCaller struct {
	provider llm.Provider
	policy   *retry.Policy
	opts     llm.GenerateOptions
}

func (c llmCaller) generate(ctx context.Context, op, prompt string) (string, error) {
	return retry.Do(ctx, c.policy, op, func(ctx context.Context) (string, error) {
		return c.provider.Generate(ctx, prompt, c.opts)
	})
}

// generateParsed retries transport failures and treats a parse failure as
// permanent so it surfaces on the first occurrence.
func generateParsed[T any](ctx context.Context, c llmCaller, op, prompt string, parse func(string) (T, error)) (T, error) {
	return retry.Do(ctx, c.policy, op, func(ctx context.Context) (T, error) {
		var zero T
		text, err := c.provider.Generate(ctx, prompt, c.opts)
		if err != nil {
			return zero, err
		}
		out, err := parse(text)
		if err != nil {
			return zero, retry.Permanent(&MalformedOutputError{Node: op, Err: err})
		}
		return out, nil
	})
}

// MalformedOutputError reports an LLM response a node could not parse.
type MalformedOutputError struct {
	Node string
	Err  error
}

func (e *MalformedOutputError) Error() string {
	return "unparseable " + e.Node + " response: " + e.Err.Error()
}

func (e *MalformedOutputError) Unwrap() []error {
	return []error{ErrMalformedOutput, e.Err}
}
