package export

import (
	"fmt"
	"image/color"
	"io"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-kml/v2"
)

// levelStyles colors segments by mean traffic level (0 free flow to 5 standstill)
var levelStyles = []struct {
	id    string
	color color.RGBA
}{
	{"level-low", color.RGBA{R: 0x2e, G: 0xb8, B: 0x4b, A: 0xff}},
	{"level-moderate", color.RGBA{R: 0xf5, G: 0xc2, B: 0x11, A: 0xff}},
	{"level-heavy", color.RGBA{R: 0xf2, G: 0x6b, B: 0x1d, A: 0xff}},
	{"level-standstill", color.RGBA{R: 0xc6, G: 0x28, B: 0x28, A: 0xff}},
}

func styleFor(meanLevel float64) string {
	switch {
	case meanLevel < 2:
		return levelStyles[0].id
	case meanLevel < 3:
		return levelStyles[1].id
	case meanLevel < 4:
		return levelStyles[2].id
	default:
		return levelStyles[3].id
	}
}

// WriteKML writes the summaries as a KML document with one placemark per segment
func WriteKML(w io.Writer, name string, summaries []SegmentSummary, unprojector Unprojector) error {
	children := []kml.Element{kml.Name(name)}
	for _, s := range levelStyles {
		children = append(children, kml.SharedStyle(s.id,
			kml.LineStyle(kml.Color(s.color), kml.Width(4)),
		))
	}

	for _, s := range summaries {
		g, err := unprojector.UnprojectGeometry(s.Geometry)
		if err != nil {
			return fmt.Errorf("segment %d: %w", s.SegmentID, err)
		}
		lines, err := kmlLines(g)
		if err != nil {
			return fmt.Errorf("segment %d: %w", s.SegmentID, err)
		}

		placemark := []kml.Element{
			kml.Name(fmt.Sprintf("%s (%d)", s.Street, s.SegmentID)),
			kml.Description(describe(s)),
			kml.StyleURL("#" + styleFor(s.MeanLevel)),
		}
		if len(lines) == 1 {
			placemark = append(placemark, lines[0])
		} else {
			placemark = append(placemark, kml.MultiGeometry(lines...))
		}
		children = append(children, kml.Placemark(placemark...))
	}

	if err := kml.KML(kml.Document(children...)).WriteIndent(w, "", "  "); err != nil {
		return fmt.Errorf("failed to encode KML: %w", err)
	}
	return nil
}

func kmlLines(g geom.T) ([]kml.Element, error) {
	var parts []*geom.LineString
	switch t := g.(type) {
	case *geom.LineString:
		parts = append(parts, t)
	case *geom.MultiLineString:
		for i := 0; i < t.NumLineStrings(); i++ {
			parts = append(parts, t.LineString(i))
		}
	default:
		return nil, fmt.Errorf("unsupported geometry %T", g)
	}

	lines := make([]kml.Element, 0, len(parts))
	for _, ls := range parts {
		coords := make([]kml.Coordinate, ls.NumCoords())
		for i := range coords {
			c := ls.Coord(i)
			coords[i] = kml.Coordinate{Lon: c.X(), Lat: c.Y()}
		}
		lines = append(lines, kml.LineString(kml.Tessellate(true), kml.Coordinates(coords...)))
	}
	return lines, nil
}

func describe(s SegmentSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Jammed minutes: %d\n", s.JammedMinutes)
	fmt.Fprintf(&b, "Traffic share: %.1f%%\n", 100*s.TrafficShare)
	fmt.Fprintf(&b, "Mean level: %.2f\n", s.MeanLevel)
	fmt.Fprintf(&b, "Mean speed: %.1f km/h\n", s.MeanSpeedKMH)
	fmt.Fprintf(&b, "Mean delay: %.0f s (%.3f s/m)", s.MeanDelaySeconds, s.DelayPerMeter)
	return b.String()
}
