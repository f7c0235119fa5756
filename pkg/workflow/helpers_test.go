package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/harun/sleuth/pkg/llm"
	"github.com/harun/sleuth/pkg/objectstore"
	"github.com/harun/sleuth/pkg/retry"
	"github.com/harun/sleuth/pkg/toolregistry"
)

// scriptedLLM answers each node from its own queue of replies, keyed by the
// prompt's opening words. The last reply of a queue repeats.
type scriptedLLM struct {
	mu      sync.Mutex
	replies map[string][]string
	calls   map[string]int
}

var promptKeys = []struct{ prefix, node string }{
	{"Classify", NodeRouter},
	{"Plan the next", NodePlanner},
	{"Decide how", NodeReflector},
	{"Write the final", NodeSynthesizer},
	{"Answer the request", NodeSimpleResponder},
	{"Summarize", "summarizer"},
}

func newScriptedLLM(replies map[string][]string) *scriptedLLM {
	return &scriptedLLM{replies: replies, calls: make(map[string]int)}
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Generate(_ context.Context, prompt string, _ llm.GenerateOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node := "unknown"
	for _, k := range promptKeys {
		if strings.HasPrefix(prompt, k.prefix) {
			node = k.node
			break
		}
	}
	s.calls[node]++

	queue := s.replies[node]
	if len(queue) == 0 {
		return "", errors.New("no scripted reply for " + node)
	}
	reply := queue[0]
	if len(queue) > 1 {
		s.replies[node] = queue[1:]
	}
	return reply, nil
}

func (s *scriptedLLM) Calls(node string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[node]
}

func noWaitPolicy(maxRetries int) *retry.Policy {
	return retry.New(retry.Config{MaxRetries: maxRetries, InitialDelay: time.Millisecond, BackoffFactor: 2},
		retry.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
}

func echoRegistry(t *testing.T) *toolregistry.Registry {
	t.Helper()
	reg := toolregistry.New(toolregistry.Config{}, zerolog.Nop())
	require.NoError(t, reg.Register(toolregistry.ToolDefinition{
		ID:          "echo",
		Description: "Echo the text argument",
		Parameters:  []toolregistry.Parameter{{Name: "text", Type: "string", Description: "Text", Required: true}},
		Handler: func(_ context.Context, call toolregistry.ToolCall, _ toolregistry.ExecutionContext) (toolregistry.ToolResult, error) {
			return toolregistry.Succeeded(call, call.Args["text"]), nil
		},
	}))
	require.NoError(t, reg.Register(toolregistry.ToolDefinition{
		ID:          "ask_user",
		Description: "Needs the user to pick a region",
		Handler: func(_ context.Context, call toolregistry.ToolCall, _ toolregistry.ExecutionContext) (toolregistry.ToolResult, error) {
			return toolregistry.ToolResult{Call: call, Status: toolregistry.StatusNeedsUserInput, ErrorMessage: "which region?"}, nil
		},
	}))
	return reg
}

func newTestEngine(t *testing.T, provider llm.Provider, hub Hub, cfg Config, opts ...Option) (*Engine, *objectstore.Store) {
	t.Helper()
	store := objectstore.New(objectstore.Config{MaxItems: 100})
	engine, err := New(cfg, Deps{
		LLM:    provider,
		Tools:  echoRegistry(t),
		Store:  store,
		Retry:  noWaitPolicy(2),
		Logger: zerolog.Nop(),
	}, hub, opts...)
	require.NoError(t, err)
	return engine, store
}

func newCaller(provider llm.Provider) llmCaller {
	return llmCaller{provider: provider, policy: noWaitPolicy(2)}
}
