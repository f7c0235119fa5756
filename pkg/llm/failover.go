package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sleuth/internal/observability"
	"github.com/harun/sleuth/pkg/retry"
)

// ErrNoProviders is returned by a FailoverProvider with no members.
var ErrNoProviders = errors.New("no llm providers configured")

const defaultCooldown = time.Minute

// Member is one candidate of a FailoverProvider.
type Member struct {
	ID       string
	Priority int // lower runs first
	Provider Provider
}

type memberState struct {
	Member
	failures      int
	cooldownUntil time.Time
}

// FailoverProvider tries members in priority order. A member that fails
// with a transient error is put in cooldown for failures*cooldown and the
// next member is tried; a non-transient error is returned immediately.
type FailoverProvider struct {
	mu       sync.Mutex
	members  []*memberState
	cooldown time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// FailoverOption customizes a FailoverProvider.
type FailoverOption func(*FailoverProvider)

func WithCooldown(d time.Duration) FailoverOption {
	return func(f *FailoverProvider) {
		if d > 0 {
			f.cooldown = d
		}
	}
}

func WithFailoverClock(now func() time.Time) FailoverOption {
	return func(f *FailoverProvider) {
		if now != nil {
			f.now = now
		}
	}
}

func WithFailoverLogger(logger zerolog.Logger) FailoverOption {
	return func(f *FailoverProvider) {
		f.logger = logger.With().Str("component", "llm_failover").Logger()
	}
}

func NewFailover(members []Member, opts ...FailoverOption) *FailoverProvider {
	states := make([]*memberState, 0, len(members))
	for _, m := range members {
		if m.Provider == nil {
			continue
		}
		states = append(states, &memberState{Member: m})
	}
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].Priority < states[j].Priority
	})

	f := &FailoverProvider{
		members:  states,
		cooldown: defaultCooldown,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FailoverProvider) Name() string {
	return "failover"
}

func (f *FailoverProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	candidates := f.candidates()
	if len(candidates) == 0 {
		return "", ErrNoProviders
	}

	var lastErr error
	for _, m := range candidates {
		out, err := m.Provider.Generate(ctx, prompt, opts)
		if err == nil {
			f.markSuccess(m.ID)
			return out, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", err
		}

		f.logger.Warn().Str("profile", m.ID).Err(err).Msg("Provider failed")
		if !retry.IsRetriable(err) {
			return "", err
		}
		f.markFailure(m.ID)
	}

	return "", fmt.Errorf("all llm providers failed: %w", lastErr)
}

// candidates returns members not in cooldown, in priority order. When every
// member is cooling down the one that recovers soonest is returned alone.
func (f *FailoverProvider) candidates() []Member {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	var ready []Member
	var soonest *memberState
	for _, m := range f.members {
		if now.Before(m.cooldownUntil) {
			observability.SetProviderCooldown(m.ID, true)
			if soonest == nil || m.cooldownUntil.Before(soonest.cooldownUntil) {
				soonest = m
			}
			continue
		}
		observability.SetProviderCooldown(m.ID, false)
		ready = append(ready, m.Member)
	}

	if len(ready) == 0 && soonest != nil {
		f.logger.Debug().Str("profile", soonest.ID).Msg("All providers in cooldown, trying the soonest to recover")
		ready = append(ready, soonest.Member)
	}
	return ready
}

func (f *FailoverProvider) markSuccess(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.members {
		if m.ID == id {
			m.failures = 0
			m.cooldownUntil = time.Time{}
			observability.SetProviderCooldown(id, false)
			return
		}
	}
}

func (f *FailoverProvider) markFailure(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.members {
		if m.ID == id {
			m.failures++
			m.cooldownUntil = f.now().Add(time.Duration(m.failures) * f.cooldown)
			observability.SetProviderCooldown(id, true)
			return
		}
	}
}

// NewFromProfiles builds a FailoverProvider over every usable profile.
// Profiles that cannot be constructed are skipped and logged.
func NewFromProfiles(profiles []Profile, logger zerolog.Logger, opts ...FailoverOption) (*FailoverProvider, error) {
	members := make([]Member, 0, len(profiles))
	for _, p := range profiles {
		provider, err := NewFromProfile(p)
		if err != nil {
			logger.Warn().Str("profile", p.ID).Err(err).Msg("Skipping llm profile")
			continue
		}
		members = append(members, Member{ID: p.ID, Priority: p.Priority, Provider: provider})
	}
	if len(members) == 0 {
		return nil, ErrNoProviders
	}

	opts = append([]FailoverOption{WithFailoverLogger(logger)}, opts...)
	return NewFailover(members, opts...), nil
}
