package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/dpup/jamalloc/internal/config"
	"github.com/dpup/jamalloc/internal/lib/allocation"
	"github.com/dpup/jamalloc/internal/lib/export"
)

// ExportSource is what a window summary is built from
type ExportSource interface {
	SegmentSource
	JamSource
	LoadMatches(ctx context.Context, from, to time.Time) ([]allocation.Match, error)
}

// ExportWindow summarizes the stored matches of window per segment and writes
// one file per configured format into cfg.Dir. It returns the written paths.
func ExportWindow(ctx context.Context, source ExportSource, window Window, unprojector export.Unprojector, cfg config.ExportConfig) ([]string, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	segments, err := source.LoadSegments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load segments: %w", err)
	}
	total, err := source.CountJams(ctx, window.From, window.To)
	if err != nil {
		return nil, fmt.Errorf("failed to count jams: %w", err)
	}
	var jams []allocation.JamEvent
	if total > 0 {
		jams, err = source.LoadJamPage(ctx, window.From, window.To, 0, total)
		if err != nil {
			return nil, fmt.Errorf("failed to load jams: %w", err)
		}
	}
	matches, err := source.LoadMatches(ctx, window.From, window.To)
	if err != nil {
		return nil, fmt.Errorf("failed to load matches: %w", err)
	}

	// One feed snapshot per minute
	minutes := int(window.To.Sub(window.From) / time.Minute)
	summaries := export.Summarize(matches, jams, segments, minutes)

	dir := cfg.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export dir: %w", err)
	}

	base := fmt.Sprintf("jams_%s_%s", window.From.UTC().Format("20060102T1504"), window.To.UTC().Format("20060102T1504"))
	var written []string
	for _, format := range cfg.Formats {
		path := filepath.Join(dir, base+"."+format)
		if err := writeExport(path, format, window, summaries, unprojector); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	logging.Infow(ctx, "Window exported", "window", window.String(), "segments", len(summaries), "files", written)
	return written, nil
}

func writeExport(path, format string, window Window, summaries []export.SegmentSummary, unprojector export.Unprojector) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	switch format {
	case "geojson":
		return export.WriteGeoJSON(f, summaries, unprojector)
	case "kml":
		return export.WriteKML(f, "Jams "+window.String(), summaries, unprojector)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}
