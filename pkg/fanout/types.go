package fanout

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoQueries is returned when a request carries no sub-queries.
	ErrNoQueries = errors.New("no sub-queries provided")
	// ErrAllFailed is returned by the first and any strategies when no
	// sub-query succeeded.
	ErrAllFailed = errors.New("all sub-queries failed")
	// ErrAborted is returned by the abort on-fail policy.
	ErrAborted = errors.New("fan-out aborted")
)

// JoinStrategy decides when a fan-out is done and whether it succeeded.
type JoinStrategy string

const (
	// JoinAll waits for every sub-query.
	JoinAll JoinStrategy = "all"
	// JoinFirst returns on the first success and cancels the rest.
	JoinFirst JoinStrategy = "first"
	// JoinAny waits for every sub-query and succeeds if at least one did.
	JoinAny JoinStrategy = "any"
)

// OnFail decides what a sub-query failure does to its siblings.
type OnFail string

const (
	OnFailContinue OnFail = "continue"
	OnFailAbort    OnFail = "abort"
)

// Status is the outcome of a single sub-query.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// SubQuery is one independent question. A zero Timeout uses the request's
// DefaultTimeout.
type SubQuery struct {
	ID      string        `json:"id,omitempty"`
	Query   string        `json:"query"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Request is a batch of sub-queries.
type Request struct {
	Queries        []SubQuery    `json:"queries"`
	Join           JoinStrategy  `json:"join,omitempty"`
	OnFail         OnFail        `json:"on_fail,omitempty"`
	MaxConcurrency int           `json:"max_concurrency,omitempty"`
	DefaultTimeout time.Duration `json:"default_timeout,omitempty"`
}

// SubResult is the outcome of the sub-query at Index in the request.
type SubResult struct {
	Index    int           `json:"index"`
	ID       string        `json:"id"`
	Query    string        `json:"query"`
	Output   string        `json:"output,omitempty"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Response holds one SubResult per sub-query, in request order.
type Response struct {
	Results   []SubResult   `json:"results"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Winner    int           `json:"winner"` // index of the winning result for JoinFirst, else -1
	Duration  time.Duration `json:"duration"`
}

// Runner answers a single sub-query.
type Runner interface {
	RunSubQuery(ctx context.Context, query string) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, query string) (string, error)

func (f RunnerFunc) RunSubQuery(ctx context.Context, query string) (string, error) {
	return f(ctx, query)
}
