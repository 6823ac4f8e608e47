package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/twpayne/go-geom"
	"golang.org/x/sync/errgroup"

	"github.com/dpup/jamalloc/internal/cache"
	"github.com/dpup/jamalloc/internal/config"
	"github.com/dpup/jamalloc/internal/lib/allocation"
)

// SegmentSource loads the road network
type SegmentSource interface {
	LoadSegments(ctx context.Context) ([]allocation.NetworkSegment, error)
}

// JamSource pages through stored jams in a stable order
type JamSource interface {
	CountJams(ctx context.Context, from, to time.Time) (int, error)
	LoadJamPage(ctx context.Context, from, to time.Time, offset, limit int) ([]allocation.JamEvent, error)
}

// MatchSink persists allocation results; saving the same match twice must be harmless
type MatchSink interface {
	SaveMatches(ctx context.Context, matches []allocation.Match) error
}

// Checkpointer records completed pages so interrupted runs can resume
type Checkpointer interface {
	IsPageDone(ctx context.Context, runKey string, page int) (bool, error)
	MarkPageDone(ctx context.Context, runKey string, page int) error
}

// Store is everything a batch run reads from and writes to
type Store interface {
	SegmentSource
	JamSource
	MatchSink
	Checkpointer
}

// Projector reprojects lon/lat jam traces into the engine's planar frame
type Projector interface {
	ProjectGeometry(g geom.T) (geom.T, error)
}

// Window is a half-open [From, To) range of jam start times
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.From.UTC().Format(time.RFC3339), w.To.UTC().Format(time.RFC3339))
}

// Validate rejects empty and inverted windows
func (w Window) Validate() error {
	if !w.To.After(w.From) {
		return fmt.Errorf("invalid window %s: end must be after start", w)
	}
	return nil
}

// Page is one slice of a window's jams
type Page struct {
	Index  int
	Offset int
	Limit  int
}

// Paginate splits total items into pages of at most pageSize
func Paginate(total, pageSize int) []Page {
	if total <= 0 || pageSize <= 0 {
		return nil
	}
	pages := make([]Page, 0, (total+pageSize-1)/pageSize)
	for offset := 0; offset < total; offset += pageSize {
		limit := pageSize
		if offset+limit > total {
			limit = total - offset
		}
		pages = append(pages, Page{Index: len(pages), Offset: offset, Limit: limit})
	}
	return pages
}

// RunStats summarizes one batch run
type RunStats struct {
	RunKey        string                  `json:"run_key"`
	Window        Window                  `json:"window"`
	Pages         int                     `json:"pages"`
	PagesSkipped  int                     `json:"pages_skipped"`
	PagesFailed   int                     `json:"pages_failed"`
	Jams          int                     `json:"jams"`
	Unmatched     int                     `json:"unmatched"`
	MatchesByTier map[allocation.Tier]int `json:"matches_by_tier"`
	StartedAt     time.Time               `json:"started_at"`
	Duration      time.Duration           `json:"duration"`
}

// Matches returns the total number of matches across tiers
func (s *RunStats) Matches() int {
	total := 0
	for _, n := range s.MatchesByTier {
		total += n
	}
	return total
}

// BatchDriver allocates every jam in a time window, page by page, against a
// shared prepared network
type BatchDriver struct {
	engine    *allocation.Engine
	networks  *cache.NetworkCache
	store     Store
	projector Projector
	cfg       config.BatchConfig
}

// NewBatchDriver creates a new batch driver
func NewBatchDriver(engine *allocation.Engine, networks *cache.NetworkCache, store Store, projector Projector, cfg config.BatchConfig) *BatchDriver {
	if cfg.PageSize <= 0 {
		cfg.PageSize = config.DefaultConfig().Batch.PageSize
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &BatchDriver{
		engine:    engine,
		networks:  networks,
		store:     store,
		projector: projector,
		cfg:       cfg,
	}
}

// RunKey identifies a run for checkpointing; it changes whenever the window,
// the paging or the allocation options change
func (d *BatchDriver) RunKey(window Window) string {
	return fmt.Sprintf("%d-%d/%d/%s",
		window.From.UTC().Unix(), window.To.UTC().Unix(), d.cfg.PageSize, cache.NetworkKey(d.engine.Options()))
}

// Run allocates the jams of window. Completed pages are checkpointed and
// skipped on the next run with the same key. A failed page aborts the run
// unless SkipFailedPages is set, in which case it is counted and logged.
func (d *BatchDriver) Run(ctx context.Context, window Window) (*RunStats, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	stats := &RunStats{
		RunKey:        d.RunKey(window),
		Window:        window,
		MatchesByTier: make(map[allocation.Tier]int),
		StartedAt:     time.Now(),
	}

	network, release, err := d.networks.Acquire(d.engine, func() ([]allocation.NetworkSegment, error) {
		return d.store.LoadSegments(ctx)
	})
	if err != nil {
		return stats, err
	}
	defer release()

	total, err := d.store.CountJams(ctx, window.From, window.To)
	if err != nil {
		return stats, fmt.Errorf("failed to count jams: %w", err)
	}

	pages := Paginate(total, d.cfg.PageSize)
	stats.Pages = len(pages)

	logging.Infow(ctx, "Allocation run starting",
		"run_key", stats.RunKey, "window", window.String(), "jams", total,
		"pages", len(pages), "segments", network.Len())

	// Pages share one network context, so parallelism pays off in loading,
	// projecting and buffering jams and in saving matches, not in predicates
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Parallelism)

	for _, page := range pages {
		page := page
		g.Go(func() error {
			result, err := d.runPage(gctx, stats.RunKey, window, page, network)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				if d.cfg.SkipFailedPages && gctx.Err() == nil {
					stats.PagesFailed++
					logging.Warnw(gctx, "Allocation page failed, skipping",
						"run_key", stats.RunKey, "page", page.Index, "error", err)
					return nil
				}
				return fmt.Errorf("page %d: %w", page.Index, err)
			}

			if result.skipped {
				stats.PagesSkipped++
				return nil
			}
			stats.Jams += result.jams
			stats.Unmatched += result.unmatched
			for tier, n := range allocation.CountByTier(result.matches) {
				stats.MatchesByTier[tier] += n
			}
			return nil
		})
	}

	err = g.Wait()
	stats.Duration = time.Since(stats.StartedAt)

	if err != nil {
		logging.Errorw(ctx, "Allocation run failed", "run_key", stats.RunKey, "error", err)
		return stats, err
	}

	logging.Infow(ctx, "Allocation run completed",
		"run_key", stats.RunKey, "jams", stats.Jams, "matches", stats.Matches(),
		"unmatched", stats.Unmatched, "pages_skipped", stats.PagesSkipped,
		"pages_failed", stats.PagesFailed, "duration", stats.Duration)
	return stats, nil
}

type pageResult struct {
	skipped   bool
	jams      int
	unmatched int
	matches   []allocation.Match
}

func (d *BatchDriver) runPage(ctx context.Context, runKey string, window Window, page Page, network *allocation.Network) (*pageResult, error) {
	done, err := d.store.IsPageDone(ctx, runKey, page.Index)
	if err != nil {
		return nil, err
	}
	if done {
		return &pageResult{skipped: true}, nil
	}

	jams, err := d.store.LoadJamPage(ctx, window.From, window.To, page.Offset, page.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load jams: %w", err)
	}

	if err := d.normalize(jams); err != nil {
		return nil, err
	}

	matches, err := d.engine.Allocate(jams, network)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate: %w", err)
	}

	if err := d.store.SaveMatches(ctx, matches); err != nil {
		return nil, fmt.Errorf("failed to save matches: %w", err)
	}
	if err := d.store.MarkPageDone(ctx, runKey, page.Index); err != nil {
		return nil, fmt.Errorf("failed to checkpoint: %w", err)
	}

	return &pageResult{
		jams:      len(jams),
		unmatched: len(allocation.Unmatched(jams, matches)),
		matches:   matches,
	}, nil
}

// normalize fills in the planar trace of every jam that only has a lon/lat one
func (d *BatchDriver) normalize(jams []allocation.JamEvent) error {
	for i := range jams {
		if jams[i].Planar != nil {
			continue
		}
		if jams[i].Geographic == nil {
			return fmt.Errorf("jam %s: %w: missing geometry", jams[i].ID, allocation.ErrInvalidGeometryKind)
		}
		if d.projector == nil {
			return errors.New("no projector configured for geographic jams")
		}
		planar, err := d.projector.ProjectGeometry(jams[i].Geographic)
		if err != nil {
			return fmt.Errorf("jam %s: %w", jams[i].ID, err)
		}
		jams[i].Planar = planar
	}
	return nil
}
