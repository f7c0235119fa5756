package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestPolicy(cfg Config) (*Policy, *recordingSleeper) {
	rec := &recordingSleeper{}
	return New(cfg, WithSleep(rec.sleep)), rec
}

func TestDo_SucceedsAfterRetriableFailures(t *testing.T) {
	p, rec := newTestPolicy(Config{MaxRetries: 3, InitialDelay: 10 * time.Millisecond, BackoffFactor: 2, MaxDelay: time.Second})

	calls := 0
	result, err := Do(context.Background(), p, "test", func(ctx context.Context) (string, error) {
		calls++
		if calls <= 3 {
			return "", errors.New("503 service unavailable")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, rec.delays)
}

func TestDo_NonRetriableCalledOnce(t *testing.T) {
	p, rec := newTestPolicy(Config{MaxRetries: 5, InitialDelay: time.Millisecond, BackoffFactor: 2})

	calls := 0
	boom := errors.New("invalid api key")
	_, err := Do(context.Background(), p, "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
	assert.NotErrorIs(t, err, ErrRetryExhausted)
}

func TestDo_PermanentNeverRetried(t *testing.T) {
	p, _ := newTestPolicy(Config{MaxRetries: 5, InitialDelay: time.Millisecond})

	calls := 0
	malformed := errors.New("timeout field missing in response")
	_, err := Do(context.Background(), p, "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, Permanent(malformed)
	})

	require.ErrorIs(t, err, malformed)
	assert.Equal(t, 1, calls)
}

func TestDo_Exhausted(t *testing.T) {
	p, rec := newTestPolicy(Config{MaxRetries: 2, InitialDelay: 100 * time.Millisecond, BackoffFactor: 3, MaxDelay: 200 * time.Millisecond})

	calls := 0
	last := errors.New("connection reset by peer")
	_, err := Do(context.Background(), p, "fetch", func(ctx context.Context) (int, error) {
		calls++
		return 0, last
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.delays)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "fetch", exhausted.Op)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestDo_ZeroRetries(t *testing.T) {
	p, _ := newTestPolicy(Config{MaxRetries: 0})

	calls := 0
	_, err := Do(context.Background(), p, "once", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("rate limit hit")
	})

	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(Config{MaxRetries: 3, InitialDelay: time.Hour}, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}))

	calls := 0
	_, err := Do(ctx, p, "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("network unreachable")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_DefaultSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p := New(Config{MaxRetries: 3, InitialDelay: time.Minute, BackoffFactor: 2})
	start := time.Now()
	_, err := Do(ctx, p, "slow", func(ctx context.Context) (int, error) {
		return 0, errors.New("timeout talking to upstream")
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "dial failed" }
func (fakeNetErr) Timeout() bool   { return false }
func (fakeNetErr) Temporary() bool { return false }

func TestIsRetriable(t *testing.T) {
	var netErr net.Error = fakeNetErr{}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout keyword", errors.New("request Timeout"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"too many requests", errors.New("429 Too Many Requests"), true},
		{"bad gateway", errors.New("upstream returned 502"), true},
		{"unavailable", errors.New("status 503"), true},
		{"gateway timeout", errors.New("got 504"), true},
		{"connection", errors.New("connection refused"), true},
		{"network", errors.New("network is unreachable"), true},
		{"net.Error", fmt.Errorf("wrapped: %w", netErr), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"bad request", errors.New("400 bad request"), false},
		{"malformed json", errors.New("invalid character '}' looking for value"), false},
		{"permanent", Permanent(errors.New("timeout")), false},
		{"wrapped permanent", fmt.Errorf("planner: %w", Permanent(errors.New("503"))), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetriable(tt.err))
		})
	}
}

func TestNew_NormalizesConfig(t *testing.T) {
	p := New(Config{MaxRetries: -2, BackoffFactor: 0.5, InitialDelay: 5 * time.Second, MaxDelay: time.Second})
	cfg := p.Config()
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 1.0, cfg.BackoffFactor)
	assert.Equal(t, time.Second, cfg.InitialDelay)
}

func TestPermanentNil(t *testing.T) {
	assert.Nil(t, Permanent(nil))
}
