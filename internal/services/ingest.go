package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/dpup/jamalloc/internal/clients/waze"
	"github.com/dpup/jamalloc/internal/lib/allocation"
	"github.com/dpup/jamalloc/internal/repository/postgres"
)

// FeedFetcher downloads the current traffic feed snapshot
type FeedFetcher interface {
	FetchFeed(ctx context.Context) (*waze.Feed, error)
}

// JamWriter stores jams, ignoring ones already stored
type JamWriter interface {
	SaveJams(ctx context.Context, jams []allocation.JamEvent) (int, error)
}

// SectionWriter stores road network sections
type SectionWriter interface {
	SaveSections(ctx context.Context, sections []postgres.Section) error
}

// IngestStats counts what one ingest pass stored
type IngestStats struct {
	Snapshots int
	Jams      int
	Inserted  int
	Skipped   int
}

// IngestService loads jams and road sections into the store
type IngestService struct {
	fetcher FeedFetcher
	jams    JamWriter
	timeout time.Duration
}

// NewIngestService creates a new ingest service; fetcher may be nil when only
// archives are imported
func NewIngestService(fetcher FeedFetcher, jams JamWriter, timeout time.Duration) *IngestService {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &IngestService{
		fetcher: fetcher,
		jams:    jams,
		timeout: timeout,
	}
}

// IngestFeed fetches the live feed once and stores its jams
func (s *IngestService) IngestFeed(ctx context.Context) (*IngestStats, error) {
	if s.fetcher == nil {
		return nil, fmt.Errorf("no feed configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	feed, err := s.fetcher.FetchFeed(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	return s.store(ctx, []*waze.Feed{feed})
}

// IngestArchive stores every snapshot of a raw archive dump
func (s *IngestService) IngestArchive(ctx context.Context, r io.Reader) (*IngestStats, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	feeds, err := waze.ParseArchive(data)
	if err != nil {
		return nil, err
	}
	return s.store(ctx, feeds)
}

func (s *IngestService) store(ctx context.Context, feeds []*waze.Feed) (*IngestStats, error) {
	stats := &IngestStats{}
	for _, feed := range feeds {
		stats.Snapshots++
		stats.Skipped += feed.Skipped
		if len(feed.Jams) == 0 {
			continue
		}
		inserted, err := s.jams.SaveJams(ctx, feed.Jams)
		if err != nil {
			return stats, fmt.Errorf("snapshot %s: %w", feed.StartTime.Format(time.RFC3339), err)
		}
		stats.Jams += len(feed.Jams)
		stats.Inserted += inserted
	}

	logging.Infow(ctx, "Jams ingested",
		"snapshots", stats.Snapshots, "jams", stats.Jams,
		"inserted", stats.Inserted, "skipped", stats.Skipped)
	return stats, nil
}

// ImportStats counts the outcome of a section import
type ImportStats struct {
	Sections int
	Skipped  int
}

// ImportSections reads a GeoJSON FeatureCollection of lon/lat LineStrings,
// projects each into the planar frame and stores it as a section. The
// section id comes from the feature's "id" property (or feature id) and the
// street name from "street" or "name". Features without a usable id or
// line geometry are skipped.
func ImportSections(ctx context.Context, r io.Reader, projector Projector, sections SectionWriter) (*ImportStats, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read sections: %w", err)
	}

	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse sections: %w", err)
	}

	stats := &ImportStats{}
	batch := make([]postgres.Section, 0, len(fc.Features))
	for i, feature := range fc.Features {
		id, ok := featureID(feature)
		if !ok {
			logging.Warnw(ctx, "Section without id, skipping", "feature", i)
			stats.Skipped++
			continue
		}

		line, ok := feature.Geometry.(*geom.LineString)
		if !ok {
			logging.Warnw(ctx, "Section is not a LineString, skipping", "id", id, "geometry", fmt.Sprintf("%T", feature.Geometry))
			stats.Skipped++
			continue
		}

		planar, err := projector.ProjectGeometry(line)
		if err != nil {
			return stats, fmt.Errorf("section %d: %w", id, err)
		}

		section, err := postgres.NewSectionFromLine(id, featureStreet(feature), planar.(*geom.LineString))
		if err != nil {
			return stats, fmt.Errorf("section %d: %w", id, err)
		}
		batch = append(batch, section)
	}

	if len(batch) > 0 {
		if err := sections.SaveSections(ctx, batch); err != nil {
			return stats, err
		}
	}
	stats.Sections = len(batch)

	logging.Infow(ctx, "Sections imported", "sections", stats.Sections, "skipped", stats.Skipped)
	return stats, nil
}

func featureID(f *geojson.Feature) (int64, bool) {
	switch v := f.Properties["id"].(type) {
	case float64:
		return int64(v), true
	case string:
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id, true
		}
	}
	if id, err := strconv.ParseInt(f.ID, 10, 64); err == nil {
		return id, true
	}
	return 0, false
}

func featureStreet(f *geojson.Feature) string {
	for _, key := range []string{"street", "name"} {
		if s, ok := f.Properties[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
