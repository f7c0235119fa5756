package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sleuth/internal/observability"
)

// ErrRetryExhausted is matched by every ExhaustedError.
var ErrRetryExhausted = errors.New("retry exhausted")

// retriableKeywords are matched case-insensitively against error messages.
var retriableKeywords = []string{
	"timeout",
	"rate limit",
	"too many requests",
	"502",
	"503",
	"504",
	"connection",
	"network",
}

// Config configures a Policy.
type Config struct {
	MaxRetries    int           `json:"max_retries" mapstructure:"max_retries"`
	InitialDelay  time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
	BackoffFactor float64       `json:"backoff_factor" mapstructure:"backoff_factor"`
	MaxDelay      time.Duration `json:"max_delay" mapstructure:"max_delay"`
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      10 * time.Second,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy retries retriable failures with exponential backoff.
type Policy struct {
	cfg    Config
	sleep  SleepFunc
	logger zerolog.Logger
}

// Option customizes a Policy.
type Option func(*Policy)

// WithSleep replaces the wait between attempts.
func WithSleep(fn SleepFunc) Option {
	return func(p *Policy) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithLogger sets the logger used for retry notices.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Policy) {
		p.logger = logger
	}
}

// New creates a Policy. Negative retries are treated as zero and a
// backoff factor below 1 is raised to 1.
func New(cfg Config, opts ...Option) *Policy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if cfg.MaxDelay > 0 && cfg.InitialDelay > cfg.MaxDelay {
		cfg.InitialDelay = cfg.MaxDelay
	}

	p := &Policy{
		cfg:    cfg,
		sleep:  sleepContext,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Do invokes fn until it succeeds, fails with a non-retriable error, or the
// retry budget is spent. fn runs at most MaxRetries+1 times.
func Do[T any](ctx context.Context, p *Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p == nil {
		p = New(Config{})
	}

	delay := p.cfg.InitialDelay
	attempts := 0
	var lastErr error

	for {
		attempts++
		result, err := fn(ctx)
		if err == nil {
			if attempts > 1 {
				observability.RecordRetryOutcome(op, "recovered")
			}
			return result, nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		if !IsRetriable(err) {
			observability.RecordRetryOutcome(op, "permanent")
			return zero, unwrapPermanent(err)
		}

		if attempts > p.cfg.MaxRetries {
			break
		}

		observability.RecordRetryAttempt(op)
		p.logger.Info().
			Str("op", op).
			Int("attempt", attempts).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after error")

		if err := p.sleep(ctx, delay); err != nil {
			return zero, err
		}

		delay = nextDelay(delay, p.cfg.BackoffFactor, p.cfg.MaxDelay)
	}

	observability.RecordRetryOutcome(op, "exhausted")
	return zero, &ExhaustedError{Op: op, Attempts: attempts, Last: lastErr}
}

func nextDelay(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if max > 0 && next > max {
		return max
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsRetriable reports whether err is a transient failure worth retrying.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range retriableKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// ExhaustedError is returned when every attempt failed with a retriable error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("%s: retry exhausted after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrRetryExhausted, e.Last}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as never retriable, regardless of its message.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func unwrapPermanent(err error) error {
	var perm *permanentError
	if errors.As(err, &perm) && perm == err {
		return perm.err
	}
	return err
}
