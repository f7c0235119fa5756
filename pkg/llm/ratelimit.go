package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedProvider waits on a token bucket before each call.
type RateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps inner with a limiter allowing perSecond calls with
// the given burst. A non-positive rate returns inner unchanged.
func NewRateLimited(inner Provider, perSecond float64, burst int) Provider {
	if perSecond <= 0 {
		return inner
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (p *RateLimitedProvider) Name() string {
	return p.inner.Name()
}

func (p *RateLimitedProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%s: waiting for rate limiter: %w", p.inner.Name(), err)
	}
	return p.inner.Generate(ctx, prompt, opts)
}
