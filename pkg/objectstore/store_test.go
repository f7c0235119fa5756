package objectstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := New(Config{MaxItems: 10})

	id, err := s.Save(map[string]any{"a": 1})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, ok := s.Load(id)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": 1}, got)
}

func TestLoad_UnknownIDMisses(t *testing.T) {
	s := New(Config{})

	_, ok := s.Load("nope")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), s.Stats().Misses)
}

func TestCapacity_EvictsLeastRecentlyUsed(t *testing.T) {
	s := New(Config{MaxItems: 2})

	p1, err := s.Save("P1")
	require.NoError(t, err)
	p2, err := s.Save("P2")
	require.NoError(t, err)
	p3, err := s.Save("P3")
	require.NoError(t, err)

	_, ok := s.Load(p1)
	assert.False(t, ok)

	v, ok := s.Load(p2)
	assert.True(t, ok)
	assert.Equal(t, "P2", v)
	v, ok = s.Load(p3)
	assert.True(t, ok)
	assert.Equal(t, "P3", v)

	stats := s.Stats()
	assert.Equal(t, 2, stats.Items)
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestCapacity_LoadRefreshesRecency(t *testing.T) {
	s := New(Config{MaxItems: 2})

	p1, _ := s.Save("P1")
	p2, _ := s.Save("P2")

	_, ok := s.Load(p1)
	require.True(t, ok)

	p3, _ := s.Save("P3")

	_, ok = s.Load(p2)
	assert.False(t, ok, "P2 was least recently used")
	_, ok = s.Load(p1)
	assert.True(t, ok)
	_, ok = s.Load(p3)
	assert.True(t, ok)
}

func TestCapacity_NeverExceedsMaxItems(t *testing.T) {
	s := New(Config{MaxItems: 5})
	for i := 0; i < 50; i++ {
		_, err := s.Save(i)
		require.NoError(t, err)
		assert.LessOrEqual(t, s.Len(), 5)
	}
}

func TestTTL_ExpiresOnRead(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{MaxItems: 10, TTL: time.Minute}, WithClock(clock.Now))

	id, _ := s.Save("payload")
	clock.Advance(61 * time.Second)

	assert.Equal(t, 1, s.Len(), "no background sweep")

	_, ok := s.Load(id)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(1), s.Stats().Expirations)
}

func TestTTL_ReadRefreshesAccessTime(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{MaxItems: 10, TTL: time.Minute}, WithClock(clock.Now))

	id, _ := s.Save("payload")
	clock.Advance(40 * time.Second)
	_, ok := s.Load(id)
	require.True(t, ok)

	clock.Advance(40 * time.Second)
	_, ok = s.Load(id)
	assert.True(t, ok, "access time refreshed by previous load")
}

func TestTTL_ZeroDisablesExpiry(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{MaxItems: 10}, WithClock(clock.Now))

	id, _ := s.Save("payload")
	clock.Advance(24 * 365 * time.Hour)

	_, ok := s.Load(id)
	assert.True(t, ok)
	assert.Equal(t, 0, s.CleanupExpired())
}

func TestCleanupExpired(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{MaxItems: 10, TTL: time.Minute}, WithClock(clock.Now))

	old1, _ := s.Save("old1")
	_, _ = s.Save("old2")
	clock.Advance(45 * time.Second)
	fresh, _ := s.Save("fresh")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 2, s.CleanupExpired())
	assert.Equal(t, 1, s.Len())

	_, ok := s.Load(old1)
	assert.False(t, ok)
	_, ok = s.Load(fresh)
	assert.True(t, ok)
}

func TestClear(t *testing.T) {
	s := New(Config{MaxItems: 10})
	id, _ := s.Save("x")
	_, _ = s.Load(id)

	s.Clear()

	assert.Equal(t, 0, s.Len())
	_, ok := s.Load(id)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), s.Stats().Hits)
}

func TestSave_RegeneratesOnCollision(t *testing.T) {
	ids := []string{"dup", "dup", "unique"}
	i := 0
	s := New(Config{}, WithIDGenerator(func() (string, error) {
		id := ids[i]
		i++
		return id, nil
	}))

	first, err := s.Save(1)
	require.NoError(t, err)
	second, err := s.Save(2)
	require.NoError(t, err)

	assert.Equal(t, "dup", first)
	assert.Equal(t, "unique", second)
}

func TestSave_GiveUpAfterRepeatedCollisions(t *testing.T) {
	s := New(Config{}, WithIDGenerator(func() (string, error) { return "same", nil }))

	_, err := s.Save(1)
	require.NoError(t, err)
	_, err = s.Save(2)
	assert.Error(t, err)
}

func TestDefaultMaxItems(t *testing.T) {
	s := New(Config{MaxItems: 0})
	assert.Equal(t, DefaultMaxItems, s.Stats().MaxItems)
}

func TestConcurrentAccess(t *testing.T) {
	s := New(Config{MaxItems: 64, TTL: time.Hour})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id, err := s.Save(fmt.Sprintf("%d-%d", g, i))
				if err != nil {
					t.Error(err)
					return
				}
				s.Load(id)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Len(), 64)
}
