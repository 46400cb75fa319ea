package aggregator

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cacheProbe struct {
	mu       sync.Mutex
	outcomes map[string]int
	evicted  map[string]int
}

func (p *cacheProbe) options(capacity int, tti, ttl time.Duration, clk clock.Clock) CacheOptions {
	p.outcomes = map[string]int{}
	p.evicted = map[string]int{}
	return CacheOptions{
		Capacity: capacity,
		TTI:      tti,
		TTL:      ttl,
		Clock:    clk,
		OnLookup: func(o string) { p.mu.Lock(); p.outcomes[o]++; p.mu.Unlock() },
		OnEvict:  func(r string) { p.mu.Lock(); p.evicted[r]++; p.mu.Unlock() },
	}
}

func countingLoader(calls *atomic.Int32, value string) func(uint32) string {
	return func(uint32) string {
		calls.Add(1)
		return value
	}
}

func TestCacheLoadsOnceThenHits(t *testing.T) {
	var probe cacheProbe
	c, err := NewCache[uint32, string](probe.options(10, time.Minute, time.Hour, clock.NewMock()))
	require.NoError(t, err)

	var calls atomic.Int32
	assert.Equal(t, "nginx", c.Get(7, countingLoader(&calls, "nginx")))
	assert.Equal(t, "nginx", c.Get(7, countingLoader(&calls, "other")))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, probe.outcomes[OutcomeMiss])
	assert.Equal(t, 1, probe.outcomes[OutcomeHit])
}

func TestCacheCoalescesConcurrentMisses(t *testing.T) {
	c, err := NewCache[uint32, string](CacheOptions{Capacity: 10})
	require.NoError(t, err)

	const callers = 32
	var (
		calls   atomic.Int32
		release = make(chan struct{})
		started sync.WaitGroup
		done    sync.WaitGroup
		results = make([]string, callers)
	)
	load := func(uint32) string {
		calls.Add(1)
		<-release
		return "postgres"
	}

	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i] = c.Get(42, load)
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	done.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "postgres", r)
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	clk := clock.NewMock()
	var probe cacheProbe
	c, err := NewCache[uint32, string](probe.options(10, 5*time.Second, 10*time.Second, clk))
	require.NoError(t, err)

	var calls atomic.Int32
	load := countingLoader(&calls, "v")

	c.Get(1, load)
	// Keep the entry busy so only the absolute lifetime can end it.
	for i := 0; i < 2; i++ {
		clk.Add(4 * time.Second)
		c.Get(1, load)
	}
	assert.Equal(t, int32(1), calls.Load())

	clk.Add(2 * time.Second) // 10s since insertion
	c.Get(1, load)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, probe.evicted[EvictExpired])
}

func TestCacheExpiresWhenIdle(t *testing.T) {
	clk := clock.NewMock()
	var probe cacheProbe
	c, err := NewCache[uint32, string](probe.options(10, 5*time.Second, 10*time.Second, clk))
	require.NoError(t, err)

	var calls atomic.Int32
	load := countingLoader(&calls, "v")

	c.Get(1, load)
	clk.Add(4999 * time.Millisecond)
	c.Get(1, load)
	assert.Equal(t, int32(1), calls.Load())

	clk.Add(5 * time.Second)
	c.Get(1, load)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, probe.evicted[EvictIdle])
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	var probe cacheProbe
	c, err := NewCache[uint32, string](probe.options(2, 0, 0, clock.NewMock()))
	require.NoError(t, err)

	var calls atomic.Int32
	load := countingLoader(&calls, "v")

	c.Get(1, load)
	c.Get(2, load)
	c.Get(1, load) // 2 is now least recent
	c.Get(3, load)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 1, probe.evicted[EvictCapacity])

	c.Get(1, load)
	assert.Equal(t, int32(3), calls.Load(), "1 survived")
	c.Get(2, load)
	assert.Equal(t, int32(4), calls.Load(), "2 was evicted")
}

func TestCacheRejectsZeroCapacity(t *testing.T) {
	_, err := NewCache[uint32, string](CacheOptions{})
	assert.Error(t, err)
}
