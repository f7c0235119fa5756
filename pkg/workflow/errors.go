package workflow

import "errors"

var (
	// ErrEmptyQuery is returned by the planner when there is nothing to plan for.
	ErrEmptyQuery = errors.New("original query is empty")
	// ErrMalformedOutput wraps LLM responses that could not be parsed.
	ErrMalformedOutput = errors.New("malformed llm output")
	// ErrUnknownNode is returned when the engine is asked to run a node it does not have.
	ErrUnknownNode = errors.New("unknown workflow node")
)
