package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/dpup/jamalloc/internal/lib/geo"
)

// Unprojector converts planar geometry back to lon/lat
type Unprojector interface {
	UnprojectGeometry(g geom.T) (geom.T, error)
}

// WriteGeoJSON writes the summaries as a FeatureCollection of lon/lat
// segment lines
func WriteGeoJSON(w io.Writer, summaries []SegmentSummary, unprojector Unprojector) error {
	fc := geojson.FeatureCollection{
		Features: make([]*geojson.Feature, 0, len(summaries)),
	}

	for _, s := range summaries {
		g, err := unprojector.UnprojectGeometry(s.Geometry)
		if err != nil {
			return fmt.Errorf("segment %d: %w", s.SegmentID, err)
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         strconv.FormatInt(s.SegmentID, 10),
			Geometry:   g,
			Properties: properties(s, g),
		})
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(&fc); err != nil {
		return fmt.Errorf("failed to encode GeoJSON: %w", err)
	}
	return nil
}

func properties(s SegmentSummary, g geom.T) map[string]interface{} {
	tiers := make(map[string]int, len(s.Tiers))
	for tier, n := range s.Tiers {
		tiers[tier.String()] = n
	}

	props := map[string]interface{}{
		"id":                     s.SegmentID,
		"street":                 s.Street,
		"length_meters":          s.LengthMeters,
		"jammed_minutes":         s.JammedMinutes,
		"traffic_share":          s.TrafficShare,
		"mean_level":             s.MeanLevel,
		"mean_squared_level":     s.MeanSquaredLevel,
		"mean_speed_kmh":         s.MeanSpeedKMH,
		"mean_jam_length_meters": s.MeanJamLength,
		"mean_delay_seconds":     s.MeanDelaySeconds,
		"delay_per_meter":        s.DelayPerMeter,
		"tiers":                  tiers,
	}
	if encoded, ok := encodePolyline(g); ok {
		props["polyline"] = encoded
	}
	return props
}

// encodePolyline renders a single lon/lat line as a Google encoded polyline
// for map clients that prefer it over coordinates
func encodePolyline(g geom.T) (string, bool) {
	ls, ok := g.(*geom.LineString)
	if !ok {
		return "", false
	}
	points := make([]geo.Point, ls.NumCoords())
	for i := range points {
		c := ls.Coord(i)
		points[i] = geo.Point{Latitude: c.Y(), Longitude: c.X()}
	}
	return geo.NewGeoUtils().EncodePolyline(points), true
}
