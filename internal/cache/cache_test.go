package cache

import (
	"context"
	"errors"
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

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2019, 6, 3, 8, 0, 0, 0, time.UTC)}
}

func TestCache_SetGet(t *testing.T) {
	clock := newClock()
	c := NewCache[string](WithClock[string](clock.Now))

	c.Set("a", "alpha", time.Minute, "test")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", v)

	clock.Advance(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok, "Stale entries should not be returned")
	assert.Equal(t, 1, c.Stats().StaleEntries, "Stale entries stay until cleaned up")

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	clock := newClock()
	c := NewCache[int](WithClock[int](clock.Now))

	c.Set("n", 42, 0, "test")
	clock.Advance(1000 * time.Hour)

	v, ok := c.Get("n")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestCache_EvictHook(t *testing.T) {
	clock := newClock()
	var evicted []string
	c := NewCache[int](
		WithClock[int](clock.Now),
		WithEvictHook(func(key string, value int) {
			evicted = append(evicted, key)
		}),
	)

	c.Set("a", 1, time.Minute, "test")
	c.Set("a", 2, time.Minute, "test")
	assert.Equal(t, []string{"a"}, evicted, "Replacing an entry evicts the old one")

	c.Set("b", 3, time.Hour, "test")
	c.Delete("b")
	assert.Equal(t, []string{"a", "b"}, evicted)

	c.Set("c", 4, time.Hour, "test")
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.CleanupStale())
	assert.Equal(t, []string{"a", "b", "a"}, evicted)

	c.Clear()
	assert.Equal(t, []string{"a", "b", "a", "c"}, evicted)
	assert.Equal(t, 0, c.Stats().TotalEntries)
}

func TestCache_GetOrLoad(t *testing.T) {
	c := NewCache[string]()
	calls := 0
	load := func() (string, error) {
		calls++
		return "loaded", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrLoad("k", time.Hour, "test", load)
			assert.NoError(t, err)
			assert.Equal(t, "loaded", v)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls, "Concurrent misses should load once")

	_, err := c.GetOrLoad("fails", time.Hour, "test", func() (string, error) {
		return "", errors.New("boom")
	})
	assert.Error(t, err)
	_, ok := c.Get("fails")
	assert.False(t, ok, "Failed loads are not cached")
}

func TestCache_Stats(t *testing.T) {
	clock := newClock()
	c := NewCache[int](WithClock[int](clock.Now))

	c.Set("old", 1, time.Minute, "test")
	clock.Advance(5 * time.Minute)
	c.Set("new", 2, time.Hour, "test")

	stats := c.Stats()
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 1, stats.FreshEntries)
	assert.Equal(t, 1, stats.StaleEntries)
	assert.True(t, stats.OldestEntry.Before(stats.NewestEntry))
}

func TestCache_StartPeriodicCleanup(t *testing.T) {
	c := NewCache[int]()
	c.Set("short", 1, time.Millisecond, "test")
	c.Set("long", 2, time.Hour, "test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartPeriodicCleanup(ctx, "test", 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return c.Stats().TotalEntries == 1
	}, time.Second, 5*time.Millisecond)
	_, ok := c.Get("long")
	assert.True(t, ok)
}

func TestCache_StartPeriodicCleanupIgnoresZeroInterval(t *testing.T) {
	clock := newClock()
	c := NewCache[int](WithClock[int](clock.Now))
	c.Set("a", 1, time.Minute, "test")
	clock.Advance(time.Hour)

	c.StartPeriodicCleanup(context.Background(), "test", 0)
	assert.Equal(t, 1, c.Stats().TotalEntries)
}

func TestMemoryCheckpoints(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryCheckpoints(0)

	done, err := m.IsPageDone(ctx, "run-1", 3)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, m.MarkPageDone(ctx, "run-1", 3))

	done, err = m.IsPageDone(ctx, "run-1", 3)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = m.IsPageDone(ctx, "run-2", 3)
	require.NoError(t, err)
	assert.False(t, done, "Checkpoints are scoped to a run key")

	m.Reset()
	done, _ = m.IsPageDone(ctx, "run-1", 3)
	assert.False(t, done)
}
