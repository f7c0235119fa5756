package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	name string
	mu   sync.Mutex
	errs []error
	out  string
	hits int
}

func (s *scriptedProvider) Name() string { return s.name }

func (s *scriptedProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return s.out, nil
}

func TestFailover_PriorityOrder(t *testing.T) {
	primary := &scriptedProvider{name: "a", out: "from-a"}
	secondary := &scriptedProvider{name: "b", out: "from-b"}

	f := NewFailover([]Member{
		{ID: "b", Priority: 2, Provider: secondary},
		{ID: "a", Priority: 1, Provider: primary},
	})

	out, err := f.Generate(context.Background(), "q", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "from-a", out)
	assert.Equal(t, 0, secondary.hits)
}

func TestFailover_TransientErrorMovesOnAndCoolsDown(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	primary := &scriptedProvider{name: "a", errs: []error{errors.New("503 overloaded")}, out: "from-a"}
	secondary := &scriptedProvider{name: "b", out: "from-b"}

	f := NewFailover([]Member{
		{ID: "a", Priority: 1, Provider: primary},
		{ID: "b", Priority: 2, Provider: secondary},
	}, WithCooldown(time.Minute), WithFailoverClock(clock))

	out, err := f.Generate(context.Background(), "q", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "from-b", out)

	out, err = f.Generate(context.Background(), "q", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "from-b", out, "primary still cooling down")
	assert.Equal(t, 1, primary.hits)

	now = now.Add(2 * time.Minute)
	out, err = f.Generate(context.Background(), "q", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "from-a", out)
}

func TestFailover_PermanentErrorStops(t *testing.T) {
	bad := errors.New("invalid api key")
	primary := &scriptedProvider{name: "a", errs: []error{bad}}
	secondary := &scriptedProvider{name: "b", out: "from-b"}

	f := NewFailover([]Member{
		{ID: "a", Priority: 1, Provider: primary},
		{ID: "b", Priority: 2, Provider: secondary},
	})

	_, err := f.Generate(context.Background(), "q", GenerateOptions{})
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 0, secondary.hits)
}

func TestFailover_AllFailed(t *testing.T) {
	last := errors.New("connection refused")
	f := NewFailover([]Member{
		{ID: "a", Priority: 1, Provider: &scriptedProvider{name: "a", errs: []error{errors.New("timeout")}}},
		{ID: "b", Priority: 2, Provider: &scriptedProvider{name: "b", errs: []error{last}}},
	})

	_, err := f.Generate(context.Background(), "q", GenerateOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, last)
	assert.Contains(t, err.Error(), "all llm providers failed")
}

func TestFailover_AllCoolingDownTriesSoonest(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &scriptedProvider{name: "a", errs: []error{errors.New("timeout")}, out: "a-recovered"}
	f := NewFailover([]Member{{ID: "a", Provider: a}}, WithFailoverClock(func() time.Time { return now }))

	_, err := f.Generate(context.Background(), "q", GenerateOptions{})
	require.Error(t, err)

	out, err := f.Generate(context.Background(), "q", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a-recovered", out)
}

func TestFailover_NoMembers(t *testing.T) {
	_, err := NewFailover(nil).Generate(context.Background(), "q", GenerateOptions{})
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestNewFromProfile_Validation(t *testing.T) {
	_, err := NewFromProfile(Profile{ID: "x", Provider: "openai"})
	assert.Error(t, err, "missing key")

	_, err = NewFromProfile(Profile{ID: "x", Provider: "mystery", APIKey: "k"})
	assert.Error(t, err)

	p, err := NewFromProfile(Profile{ID: "x", Provider: "Gemini", APIKey: "k", RatePerSecond: 5})
	require.NoError(t, err)
	assert.Equal(t, "gemini", p.Name())
}
