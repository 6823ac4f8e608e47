package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dpup/jamalloc/internal/lib/allocation"
)

// NetworkLoader returns the raw segments of the road network
type NetworkLoader func() ([]allocation.NetworkSegment, error)

// NetworkCache keeps prepared road networks keyed by allocation options so
// the segment buffers are built once and shared across pages and runs
type NetworkCache struct {
	cache *Cache[*sharedNetwork]
	ttl   time.Duration
}

// sharedNetwork closes the network once it has been evicted and every
// borrower has released it
type sharedNetwork struct {
	network *allocation.Network
	mu      sync.Mutex
	refs    int
	evicted bool
}

func (s *sharedNetwork) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return false
	}
	s.refs++
	return true
}

func (s *sharedNetwork) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.evicted && s.refs == 0 {
		s.network.Close()
	}
}

func (s *sharedNetwork) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted = true
	if s.refs == 0 {
		s.network.Close()
	}
}

// NewNetworkCache creates a cache whose entries expire after ttl (0 = never)
func NewNetworkCache(ttl time.Duration) *NetworkCache {
	return newNetworkCache(ttl, time.Now)
}

func newNetworkCache(ttl time.Duration, now func() time.Time) *NetworkCache {
	return &NetworkCache{
		cache: NewCache[*sharedNetwork](
			WithEvictHook(func(_ string, s *sharedNetwork) { s.evict() }),
			WithClock[*sharedNetwork](now),
		),
		ttl: ttl,
	}
}

// NetworkKey identifies a prepared network by the options that shaped it
func NetworkKey(opts allocation.Options) string {
	return fmt.Sprintf("network:%g:%g:%t:%d", opts.SmallBuffer, opts.BigBuffer, opts.Directional, opts.SRID)
}

// Acquire returns the prepared network for the engine's options, building it
// with load on a miss. The release func must be called once the caller is
// done; the network stays valid until then even if the entry is evicted.
func (n *NetworkCache) Acquire(engine *allocation.Engine, load NetworkLoader) (*allocation.Network, func(), error) {
	key := NetworkKey(engine.Options())

	for {
		shared, err := n.cache.GetOrLoad(key, n.ttl, "road_network", func() (*sharedNetwork, error) {
			segments, err := load()
			if err != nil {
				return nil, fmt.Errorf("failed to load road network: %w", err)
			}
			network, err := engine.PrepareNetwork(segments)
			if err != nil {
				return nil, fmt.Errorf("failed to prepare road network: %w", err)
			}
			return &sharedNetwork{network: network}, nil
		})
		if err != nil {
			return nil, nil, err
		}

		if shared.acquire() {
			var once sync.Once
			return shared.network, func() { once.Do(shared.release) }, nil
		}
		// Evicted between lookup and acquire; load again
	}
}

// Invalidate drops every cached network, e.g. after the segments were reloaded
func (n *NetworkCache) Invalidate() {
	n.cache.Clear()
}

// CleanupStale evicts expired networks. A network still borrowed by a run
// is closed when that run releases it.
func (n *NetworkCache) CleanupStale() int {
	return n.cache.CleanupStale()
}

// StartPeriodicCleanup releases expired networks every interval until ctx is
// done, so their buffers do not outlive the TTL while no run asks for them
func (n *NetworkCache) StartPeriodicCleanup(ctx context.Context, interval time.Duration) {
	n.cache.StartPeriodicCleanup(ctx, "road_network", interval)
}

// Stats returns cache statistics
func (n *NetworkCache) Stats() Stats {
	return n.cache.Stats()
}
