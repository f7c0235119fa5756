package fanout

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/sleuth/internal/observability"
	"github.com/harun/sleuth/internal/tracing"
)

const (
	DefaultMaxConcurrency = 4
	DefaultTimeout        = 2 * time.Minute
)

// Config holds executor-wide defaults, overridable per request.
type Config struct {
	MaxConcurrency int           `json:"max_concurrency" mapstructure:"max_concurrency"`
	DefaultTimeout time.Duration `json:"default_timeout" mapstructure:"default_timeout"`
}

// Executor runs independent sub-queries in parallel.
type Executor struct {
	runner Runner
	cfg    Config
	logger zerolog.Logger
}

// New creates an Executor backed by runner.
func New(runner Runner, cfg Config, logger zerolog.Logger) *Executor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	return &Executor{
		runner: runner,
		cfg:    cfg,
		logger: logger.With().Str("component", "fanout").Logger(),
	}
}

type indexedQuery struct {
	index int
	query SubQuery
}

// Execute runs every sub-query and aggregates the results in request
// order. The returned Response is non-nil whenever the request was valid,
// even alongside an error.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	if len(req.Queries) == 0 {
		return nil, ErrNoQueries
	}
	if req.Join == "" {
		req.Join = JoinAll
	}
	if req.OnFail == "" {
		req.OnFail = OnFailContinue
	}
	if req.Join != JoinAll && req.Join != JoinFirst && req.Join != JoinAny {
		return nil, fmt.Errorf("invalid join strategy: %s", req.Join)
	}
	if req.OnFail != OnFailAbort && req.OnFail != OnFailContinue {
		return nil, fmt.Errorf("invalid on-fail strategy: %s", req.OnFail)
	}
	if req.MaxConcurrency <= 0 {
		req.MaxConcurrency = e.cfg.MaxConcurrency
	}
	if req.DefaultTimeout <= 0 {
		req.DefaultTimeout = e.cfg.DefaultTimeout
	}

	ctx, span := tracing.StartSpan(ctx, "sleuth/fanout", "fanout.execute",
		attribute.Int("queries", len(req.Queries)),
		attribute.String("join", string(req.Join)),
		attribute.String("on_fail", string(req.OnFail)),
	)
	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Info().
		Int("queries", len(req.Queries)).
		Str("join", string(req.Join)).
		Str("on_fail", string(req.OnFail)).
		Int("max_concurrency", req.MaxConcurrency).
		Msg("Starting fan-out")

	start := time.Now()
	var (
		resp *Response
		err  error
	)
	if req.Join == JoinFirst {
		resp, err = e.executeFirst(ctx, req)
	} else {
		resp, err = e.executeAll(ctx, req)
	}
	resp.Duration = time.Since(start)
	tracing.EndSpan(span, err)

	logger.Info().
		Dur("duration", resp.Duration).
		Int("succeeded", resp.Succeeded).
		Int("failed", resp.Failed).
		Bool("success", err == nil).
		Msg("Fan-out completed")
	return resp, err
}

// executeAll serves both JoinAll and JoinAny; they differ only in how the
// aggregate is judged.
func (e *Executor) executeAll(ctx context.Context, req Request) (*Response, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var abortOnce sync.Once
	var abortErr error

	mapper := iter.Mapper[indexedQuery, SubResult]{MaxGoroutines: req.MaxConcurrency}
	results := mapper.Map(indexQueries(req.Queries), func(q *indexedQuery) SubResult {
		res := e.runOne(execCtx, q.index, q.query, req.DefaultTimeout)
		if res.Status != StatusSuccess && res.Status != StatusCancelled && req.OnFail == OnFailAbort {
			abortOnce.Do(func() {
				abortErr = fmt.Errorf("%w: sub-query %d (%s): %s", ErrAborted, res.Index, res.ID, res.Error)
				cancel()
			})
		}
		return res
	})

	resp := summarize(results, -1)
	if abortErr != nil {
		return resp, abortErr
	}
	if err := ctx.Err(); err != nil {
		return resp, err
	}
	if req.Join == JoinAny && resp.Succeeded == 0 {
		return resp, ErrAllFailed
	}
	return resp, nil
}

func (e *Executor) executeFirst(ctx context.Context, req Request) (*Response, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]SubResult, len(req.Queries))
	winner := -1
	var abortErr error
	var mu sync.Mutex

	p := pool.New().WithMaxGoroutines(req.MaxConcurrency)
	for _, q := range indexQueries(req.Queries) {
		q := q
		p.Go(func() {
			res := e.runOne(execCtx, q.index, q.query, req.DefaultTimeout)

			mu.Lock()
			defer mu.Unlock()
			results[q.index] = res
			switch {
			case res.Status == StatusSuccess && winner < 0 && abortErr == nil:
				winner = q.index
				cancel()
			case res.Status != StatusSuccess && res.Status != StatusCancelled && req.OnFail == OnFailAbort && winner < 0 && abortErr == nil:
				abortErr = fmt.Errorf("%w: sub-query %d (%s): %s", ErrAborted, res.Index, res.ID, res.Error)
				cancel()
			}
		})
	}
	p.Wait()

	resp := summarize(results, winner)
	switch {
	case winner >= 0:
		return resp, nil
	case abortErr != nil:
		return resp, abortErr
	case ctx.Err() != nil:
		return resp, ctx.Err()
	default:
		return resp, ErrAllFailed
	}
}

func (e *Executor) runOne(ctx context.Context, index int, q SubQuery, defaultTimeout time.Duration) SubResult {
	id := q.ID
	if id == "" {
		id = fmt.Sprintf("sub-%d", index)
	}
	res := SubResult{Index: index, ID: id, Query: q.Query}

	// Siblings cancelled before this one started never run.
	if ctx.Err() != nil {
		res.Status = StatusCancelled
		res.Error = ctx.Err().Error()
		observability.RecordFanoutResult(string(res.Status))
		return res
	}

	timeout := q.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	subCtx := tracing.PropagateToSubQuery(ctx, id)
	subCtx, span := tracing.StartSpan(subCtx, "sleuth/fanout", "fanout.sub_query",
		attribute.Int("index", index),
		attribute.String("sub_query_id", id),
	)
	subCtx, cancel := context.WithTimeout(subCtx, timeout)
	defer cancel()

	start := time.Now()
	out, err := e.safeRun(subCtx, q.Query)
	res.Duration = time.Since(start)

	switch {
	case err == nil:
		res.Status = StatusSuccess
		res.Output = out
	case ctx.Err() != nil:
		res.Status = StatusCancelled
		res.Error = err.Error()
	case errors.Is(subCtx.Err(), context.DeadlineExceeded):
		res.Status = StatusTimeout
		res.Error = fmt.Sprintf("timed out after %v", timeout)
	default:
		res.Status = StatusError
		res.Error = err.Error()
	}
	tracing.EndSpan(span, err)
	observability.RecordFanoutResult(string(res.Status))

	if res.Status != StatusSuccess {
		logger := tracing.LoggerFromContext(subCtx, e.logger)
		logger.Warn().
			Int("index", index).
			Str("status", string(res.Status)).
			Str("error", res.Error).
			Msg("Sub-query did not succeed")
	}
	return res
}

func (e *Executor) safeRun(ctx context.Context, query string) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error().Str("stack", string(debug.Stack())).Msg("Sub-query runner panicked")
			err = fmt.Errorf("sub-query panicked: %v", rec)
		}
	}()
	return e.runner.RunSubQuery(ctx, query)
}

func indexQueries(queries []SubQuery) []indexedQuery {
	out := make([]indexedQuery, len(queries))
	for i, q := range queries {
		out[i] = indexedQuery{index: i, query: q}
	}
	return out
}

func summarize(results []SubResult, winner int) *Response {
	resp := &Response{Results: results, Winner: winner}
	for _, r := range results {
		if r.Status == StatusSuccess {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	return resp
}
