// Package allocation attributes traffic jam events to road network segments
// with a three-tier geometric cascade over buffered planar geometries.
package allocation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/twpayne/go-geom"

	"github.com/dpup/jamalloc/internal/lib/geo"
)

// Tier identifies the cascade stage that produced a match
type Tier int

const (
	// TierContains: the jam's big buffer contains the segment's small buffer
	TierContains Tier = iota + 1
	// TierWithin: the jam's small buffer lies within the segment's big buffer
	TierWithin
	// TierIntersects: the small buffers intersect and the directions agree
	TierIntersects
)

func (t Tier) String() string {
	switch t {
	case TierContains:
		return "contains"
	case TierWithin:
		return "within"
	case TierIntersects:
		return "intersects"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidGeometryKind marks a jam or segment whose geometry is not a
	// LineString/MultiLineString, or is degenerate
	ErrInvalidGeometryKind = geo.ErrInvalidGeometryKind

	// ErrProjectionMismatch marks inputs that are not in the engine's planar frame
	ErrProjectionMismatch = errors.New("projection mismatch")
)

// JamEvent is a congestion report with a line-like trace
type JamEvent struct {
	ID           string    `json:"id"`
	StartTime    time.Time `json:"start_time"`
	Street       string    `json:"street,omitempty"`
	City         string    `json:"city,omitempty"`
	Level        int       `json:"level"`
	SpeedKMH     float64   `json:"speed_kmh"`
	LengthMeters int       `json:"length_meters"`
	DelaySeconds int       `json:"delay_seconds"`
	PubMillis    int64     `json:"pub_millis,omitempty"`

	// Geographic is the raw lon/lat trace (EPSG:4326)
	Geographic geom.T `json:"-"`
	// Planar is the trace reprojected into the engine's frame
	Planar geom.T `json:"-"`
}

// NetworkSegment is a persisted unit of the road network
type NetworkSegment struct {
	ID     int64   `json:"id"`
	Street string  `json:"street"`
	Length float64 `json:"length_meters"`

	// Geometry is the planar segment trace
	Geometry geom.T `json:"-"`
}

// NewSectionSegment builds a segment from the start, mid and end points the
// road network registry stores for every section
func NewSectionSegment(id int64, street string, length float64, start, mid, end geo.PlanarPoint, srid int) NetworkSegment {
	return NetworkSegment{
		ID:       id,
		Street:   street,
		Length:   length,
		Geometry: geo.NewPlanarLine([]geo.PlanarPoint{start, mid, end}, srid),
	}
}

// Match records that a jam is attributed to a segment
type Match struct {
	JamID        string    `json:"jam_id"`
	JamStartTime time.Time `json:"jam_start_time"`
	SegmentID    int64     `json:"segment_id"`
	Tier         Tier      `json:"tier"`
}

// Options is the read-only configuration of one allocation run
type Options struct {
	// SmallBuffer is the tight radius, smaller than a typical street width (meters)
	SmallBuffer float64 `json:"small_buffer"`
	// BigBuffer is the wide radius, larger than a typical street width (meters)
	BigBuffer float64 `json:"big_buffer"`
	// Directional selects 4-way (north/south/east/west) instead of 2-way labels
	Directional bool `json:"directional"`
	// SRID is the planar frame every input must be in; 0 adopts the network's frame
	SRID int `json:"srid"`
}

// Validate checks the buffer radii
func (o Options) Validate() error {
	if math.IsNaN(o.SmallBuffer) || math.IsNaN(o.BigBuffer) || math.IsInf(o.BigBuffer, 0) {
		return errors.New("buffer radii must be finite numbers")
	}
	if o.SmallBuffer < 0 {
		return fmt.Errorf("small buffer must be >= 0, got %v", o.SmallBuffer)
	}
	if o.BigBuffer <= o.SmallBuffer {
		return fmt.Errorf("big buffer (%v) must be greater than small buffer (%v)", o.BigBuffer, o.SmallBuffer)
	}
	return nil
}

// Allocator matches jams against a prepared road network
type Allocator interface {
	// PrepareNetwork builds the shared, read-only segment geometry
	PrepareNetwork(segments []NetworkSegment) (*Network, error)

	// Allocate runs the full cascade for one page of jams
	Allocate(jams []JamEvent, network *Network) ([]Match, error)
}

// Unmatched returns the ids of jams that received no match, in input order
func Unmatched(jams []JamEvent, matches []Match) []string {
	matched := make(map[string]bool, len(matches))
	for _, m := range matches {
		matched[m.JamID] = true
	}

	var ids []string
	for _, j := range jams {
		if !matched[j.ID] {
			ids = append(ids, j.ID)
		}
	}
	return ids
}

// CountByTier tallies matches per tier
func CountByTier(matches []Match) map[Tier]int {
	counts := make(map[Tier]int, 3)
	for _, m := range matches {
		counts[m.Tier]++
	}
	return counts
}
