package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/dpup/jamalloc/internal/cache"
	"github.com/dpup/jamalloc/internal/config"
	"github.com/dpup/jamalloc/internal/lib/allocation"
	"github.com/dpup/jamalloc/internal/lib/geo"
)

const testSRID = 32722

var windowStart = time.Date(2019, 6, 3, 7, 0, 0, 0, time.UTC)

// memoryStore is an in-memory Store
type memoryStore struct {
	*cache.MemoryCheckpoints

	mu       sync.Mutex
	segments []allocation.NetworkSegment
	jams     []allocation.JamEvent
	matches  map[string]allocation.Match

	segmentLoads int
	failPage     map[int]error
	pageSize     int
}

func newMemoryStore(segments []allocation.NetworkSegment, jams []allocation.JamEvent) *memoryStore {
	sorted := append([]allocation.JamEvent(nil), jams...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].StartTime.Equal(sorted[j].StartTime) {
			return sorted[i].StartTime.Before(sorted[j].StartTime)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return &memoryStore{
		MemoryCheckpoints: cache.NewMemoryCheckpoints(0),
		segments:          segments,
		jams:              sorted,
		matches:           make(map[string]allocation.Match),
		failPage:          make(map[int]error),
	}
}

func (s *memoryStore) LoadSegments(ctx context.Context) ([]allocation.NetworkSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segmentLoads++
	return s.segments, nil
}

func (s *memoryStore) inWindow(from, to time.Time) []allocation.JamEvent {
	var out []allocation.JamEvent
	for _, j := range s.jams {
		if !j.StartTime.Before(from) && j.StartTime.Before(to) {
			out = append(out, j)
		}
	}
	return out
}

func (s *memoryStore) CountJams(ctx context.Context, from, to time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inWindow(from, to)), nil
}

func (s *memoryStore) LoadJamPage(ctx context.Context, from, to time.Time, offset, limit int) ([]allocation.JamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pageSize > 0 {
		if err, ok := s.failPage[offset/s.pageSize]; ok {
			return nil, err
		}
	}

	all := s.inWindow(from, to)
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	// Callers receive copies so normalization does not leak back
	return append([]allocation.JamEvent(nil), all[offset:end]...), nil
}

func (s *memoryStore) SaveMatches(ctx context.Context, matches []allocation.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range matches {
		s.matches[fmt.Sprintf("%s/%d", m.JamID, m.SegmentID)] = m
	}
	return nil
}

func (s *memoryStore) LoadMatches(ctx context.Context, from, to time.Time) ([]allocation.Match, error) {
	var out []allocation.Match
	for _, m := range s.storedMatches() {
		if !m.JamStartTime.Before(from) && m.JamStartTime.Before(to) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memoryStore) storedMatches() []allocation.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]allocation.Match, 0, len(s.matches))
	for _, m := range s.matches {
		out = append(out, m)
	}
	return out
}

// grid builds n east-west streets 100m apart, each 1km long, plus one jam per
// street per minute, in lon/lat so the driver has to project them
func grid(t *testing.T, normalizer *geo.Normalizer, streets, minutes int) ([]allocation.NetworkSegment, []allocation.JamEvent) {
	t.Helper()
	const x0, y0 = 713000.0, 7087000.0

	var segments []allocation.NetworkSegment
	var jams []allocation.JamEvent
	for i := 0; i < streets; i++ {
		y := y0 + float64(i)*100
		segments = append(segments, allocation.NewSectionSegment(int64(i+1), fmt.Sprintf("Rua %d", i+1), 1000,
			geo.PlanarPoint{X: x0, Y: y}, geo.PlanarPoint{X: x0 + 500, Y: y}, geo.PlanarPoint{X: x0 + 1000, Y: y}, testSRID))

		points, err := normalizer.ToGeographic([]geo.PlanarPoint{{X: x0 + 200, Y: y}, {X: x0 + 400, Y: y}})
		require.NoError(t, err)
		for m := 0; m < minutes; m++ {
			jams = append(jams, allocation.JamEvent{
				ID:         fmt.Sprintf("jam-%d-%d", i, m),
				StartTime:  windowStart.Add(time.Duration(m) * time.Minute),
				Level:      3,
				Geographic: geo.NewGeographicLine(points),
			})
		}
	}

	// A jam far from every street
	far, err := normalizer.ToGeographic([]geo.PlanarPoint{{X: x0 - 5000, Y: y0}, {X: x0 - 4800, Y: y0}})
	require.NoError(t, err)
	jams = append(jams, allocation.JamEvent{ID: "far", StartTime: windowStart, Geographic: geo.NewGeographicLine(far)})

	return segments, jams
}

type driverFixture struct {
	store    *memoryStore
	driver   *BatchDriver
	networks *cache.NetworkCache
	window   Window
}

func newDriverFixture(t *testing.T, cfg config.BatchConfig) *driverFixture {
	t.Helper()

	normalizer, err := geo.NewNormalizer(geo.Projection{Zone: 22, South: true})
	require.NoError(t, err)
	t.Cleanup(normalizer.Close)

	engine, err := allocation.NewEngine(allocation.Options{SmallBuffer: 10, BigBuffer: 20, SRID: testSRID})
	require.NoError(t, err)

	segments, jams := grid(t, normalizer, 5, 6)
	store := newMemoryStore(segments, jams)
	store.pageSize = cfg.PageSize

	networks := cache.NewNetworkCache(time.Hour)
	t.Cleanup(networks.Invalidate)

	return &driverFixture{
		store:    store,
		driver:   NewBatchDriver(engine, networks, store, normalizer, cfg),
		networks: networks,
		window:   Window{From: windowStart, To: windowStart.Add(time.Hour)},
	}
}

func TestPaginate(t *testing.T) {
	assert.Nil(t, Paginate(0, 10))
	assert.Nil(t, Paginate(10, 0))
	assert.Equal(t, []Page{{Index: 0, Offset: 0, Limit: 10}}, Paginate(10, 10))
	assert.Equal(t, []Page{
		{Index: 0, Offset: 0, Limit: 4},
		{Index: 1, Offset: 4, Limit: 4},
		{Index: 2, Offset: 8, Limit: 2},
	}, Paginate(10, 4))
}

func TestWindow_Validate(t *testing.T) {
	assert.NoError(t, Window{From: windowStart, To: windowStart.Add(time.Minute)}.Validate())
	assert.Error(t, Window{From: windowStart, To: windowStart}.Validate())
	assert.Error(t, Window{From: windowStart, To: windowStart.Add(-time.Minute)}.Validate())
}

func TestBatchDriver_Run(t *testing.T) {
	f := newDriverFixture(t, config.BatchConfig{PageSize: 7, Parallelism: 3})

	stats, err := f.driver.Run(context.Background(), f.window)
	require.NoError(t, err)

	assert.Equal(t, 31, stats.Jams)
	assert.Equal(t, 5, stats.Pages)
	assert.Equal(t, 0, stats.PagesSkipped)
	assert.Equal(t, 1, stats.Unmatched, "The far away jam stays unmatched")
	assert.Equal(t, 30, stats.Matches())
	assert.Equal(t, 30, stats.MatchesByTier[allocation.TierWithin])

	matches := f.store.storedMatches()
	require.Len(t, matches, 30)
	for _, m := range matches {
		var street, minute int
		_, err := fmt.Sscanf(m.JamID, "jam-%d-%d", &street, &minute)
		require.NoError(t, err)
		assert.Equal(t, int64(street+1), m.SegmentID)
		assert.Equal(t, windowStart.Add(time.Duration(minute)*time.Minute), m.JamStartTime)
	}
}

func TestBatchDriver_ResumesFromCheckpoints(t *testing.T) {
	f := newDriverFixture(t, config.BatchConfig{PageSize: 10, Parallelism: 2})
	ctx := context.Background()

	first, err := f.driver.Run(ctx, f.window)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Pages)

	second, err := f.driver.Run(ctx, f.window)
	require.NoError(t, err)
	assert.Equal(t, 4, second.PagesSkipped, "Completed pages are skipped")
	assert.Equal(t, 0, second.Jams)
	assert.Equal(t, first.RunKey, second.RunKey)

	assert.Equal(t, 1, f.store.segmentLoads, "The prepared network is reused across runs")
	assert.Len(t, f.store.storedMatches(), 30)
}

func TestBatchDriver_PageFailure(t *testing.T) {
	t.Run("aborts by default", func(t *testing.T) {
		f := newDriverFixture(t, config.BatchConfig{PageSize: 10, Parallelism: 1})
		f.store.failPage[1] = errors.New("connection reset")

		_, err := f.driver.Run(context.Background(), f.window)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "page 1")
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("skips when configured", func(t *testing.T) {
		f := newDriverFixture(t, config.BatchConfig{PageSize: 10, Parallelism: 2, SkipFailedPages: true})
		f.store.failPage[1] = errors.New("connection reset")

		stats, err := f.driver.Run(context.Background(), f.window)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.PagesFailed)
		assert.Equal(t, 21, stats.Jams)

		// The failed page is retried on the next run
		delete(f.store.failPage, 1)
		stats, err = f.driver.Run(context.Background(), f.window)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.PagesSkipped)
		assert.Equal(t, 10, stats.Jams)
		assert.Len(t, f.store.storedMatches(), 30)
	})
}

func TestBatchDriver_InvalidJamFailsPage(t *testing.T) {
	f := newDriverFixture(t, config.BatchConfig{PageSize: 100, Parallelism: 1})
	f.store.jams = append(f.store.jams, allocation.JamEvent{
		ID:         "zzz-point",
		StartTime:  windowStart.Add(59 * time.Minute),
		Geographic: geom.NewPointFlat(geom.XY, []float64{-48.85, -26.31}).SetSRID(geo.WGS84SRID),
	})

	_, err := f.driver.Run(context.Background(), f.window)
	assert.ErrorIs(t, err, allocation.ErrInvalidGeometryKind)
}

func TestBatchDriver_EmptyWindow(t *testing.T) {
	f := newDriverFixture(t, config.BatchConfig{PageSize: 10, Parallelism: 1})

	stats, err := f.driver.Run(context.Background(), Window{From: windowStart.Add(-2 * time.Hour), To: windowStart})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pages)
	assert.Equal(t, 0, stats.Jams)

	_, err = f.driver.Run(context.Background(), Window{From: windowStart, To: windowStart})
	assert.Error(t, err)
}

func TestBatchDriver_RunKey(t *testing.T) {
	f := newDriverFixture(t, config.BatchConfig{PageSize: 10, Parallelism: 1})
	other := newDriverFixture(t, config.BatchConfig{PageSize: 20, Parallelism: 1})

	assert.Equal(t, f.driver.RunKey(f.window), f.driver.RunKey(f.window))
	assert.NotEqual(t, f.driver.RunKey(f.window), other.driver.RunKey(f.window), "Paging is part of the key")

	shifted := Window{From: f.window.From, To: f.window.To.Add(time.Minute)}
	assert.NotEqual(t, f.driver.RunKey(f.window), f.driver.RunKey(shifted))
}
