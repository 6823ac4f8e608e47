package cache

import (
	"context"
	"fmt"
	"time"
)

// MemoryCheckpoints records completed pages of an allocation run in memory.
// It backs dry runs and tests; durable runs use the Postgres checkpoint table.
type MemoryCheckpoints struct {
	cache *Cache[time.Time]
	ttl   time.Duration
}

// NewMemoryCheckpoints creates a checkpoint store; entries older than ttl
// are forgotten (0 keeps them for the life of the process)
func NewMemoryCheckpoints(ttl time.Duration) *MemoryCheckpoints {
	return &MemoryCheckpoints{
		cache: NewCache[time.Time](),
		ttl:   ttl,
	}
}

func checkpointKey(runKey string, page int) string {
	return fmt.Sprintf("checkpoint:%s:%d", runKey, page)
}

// IsPageDone reports whether page of runKey was already allocated
func (m *MemoryCheckpoints) IsPageDone(ctx context.Context, runKey string, page int) (bool, error) {
	_, ok := m.cache.Get(checkpointKey(runKey, page))
	return ok, nil
}

// MarkPageDone records page of runKey as allocated
func (m *MemoryCheckpoints) MarkPageDone(ctx context.Context, runKey string, page int) error {
	m.cache.Set(checkpointKey(runKey, page), time.Now(), m.ttl, runKey)
	return nil
}

// Reset forgets every checkpoint
func (m *MemoryCheckpoints) Reset() {
	m.cache.Clear()
}
