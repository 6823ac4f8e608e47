package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/twpayne/go-geom"
)

// ErrInvalidGeometryKind is returned for geometries that are not a LineString
// or MultiLineString, and for degenerate lines (fewer than two distinct points)
var ErrInvalidGeometryKind = errors.New("invalid geometry kind: expected LineString or MultiLineString")

// NewGeographicLine builds a lon/lat LineString tagged with the WGS84 SRID
func NewGeographicLine(points []Point) *geom.LineString {
	coords := make([]geom.Coord, len(points))
	for i, p := range points {
		coords[i] = geom.Coord{p.Longitude, p.Latitude}
	}
	return geom.NewLineString(geom.XY).MustSetCoords(coords).SetSRID(WGS84SRID)
}

// NewPlanarLine builds a projected LineString tagged with the given SRID
func NewPlanarLine(points []PlanarPoint, srid int) *geom.LineString {
	coords := make([]geom.Coord, len(points))
	for i, p := range points {
		coords[i] = geom.Coord{p.X, p.Y}
	}
	return geom.NewLineString(geom.XY).MustSetCoords(coords).SetSRID(srid)
}

// LineParts splits a LineString or MultiLineString into its constituent
// coordinate runs, in order. Any other geometry kind, a part with fewer than
// two points, or a geometry with zero total length is rejected.
func LineParts(g geom.T) ([][]PlanarPoint, error) {
	var runs [][]geom.Coord
	switch t := g.(type) {
	case *geom.LineString:
		if t == nil {
			return nil, fmt.Errorf("%w: nil LineString", ErrInvalidGeometryKind)
		}
		runs = append(runs, t.Coords())
	case *geom.MultiLineString:
		if t == nil {
			return nil, fmt.Errorf("%w: nil MultiLineString", ErrInvalidGeometryKind)
		}
		for i := 0; i < t.NumLineStrings(); i++ {
			runs = append(runs, t.LineString(i).Coords())
		}
	case nil:
		return nil, fmt.Errorf("%w: missing geometry", ErrInvalidGeometryKind)
	default:
		return nil, fmt.Errorf("%w: got %T", ErrInvalidGeometryKind, g)
	}

	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: empty MultiLineString", ErrInvalidGeometryKind)
	}

	parts := make([][]PlanarPoint, 0, len(runs))
	distinct := false
	for i, run := range runs {
		if len(run) < 2 {
			return nil, fmt.Errorf("%w: part %d has %d point(s)", ErrInvalidGeometryKind, i, len(run))
		}
		part := make([]PlanarPoint, len(run))
		for j, c := range run {
			part[j] = PlanarPoint{X: c.X(), Y: c.Y()}
			if j > 0 && part[j] != part[0] {
				distinct = true
			}
		}
		parts = append(parts, part)
	}

	if !distinct {
		return nil, fmt.Errorf("%w: zero-length line", ErrInvalidGeometryKind)
	}
	return parts, nil
}

// ProjectGeometry reprojects a lon/lat LineString or MultiLineString into the
// normalizer's planar frame, keeping the line structure
func (n *Normalizer) ProjectGeometry(g geom.T) (geom.T, error) {
	if g != nil && g.SRID() != 0 && g.SRID() != WGS84SRID {
		return nil, fmt.Errorf("expected geographic geometry (EPSG:%d), got EPSG:%d", WGS84SRID, g.SRID())
	}

	parts, err := LineParts(g)
	if err != nil {
		return nil, err
	}

	projected := make([]*geom.LineString, 0, len(parts))
	for _, part := range parts {
		points := make([]Point, len(part))
		for i, p := range part {
			points[i] = Point{Latitude: p.Y, Longitude: p.X}
		}
		planar, err := n.ToPlanar(points)
		if err != nil {
			return nil, err
		}
		projected = append(projected, NewPlanarLine(planar, n.SRID()))
	}

	return assemble(g, projected, n.SRID())
}

// UnprojectGeometry converts a planar LineString or MultiLineString back to lon/lat
func (n *Normalizer) UnprojectGeometry(g geom.T) (geom.T, error) {
	if g != nil && g.SRID() != 0 && g.SRID() != n.SRID() {
		return nil, fmt.Errorf("expected planar geometry (EPSG:%d), got EPSG:%d", n.SRID(), g.SRID())
	}

	parts, err := LineParts(g)
	if err != nil {
		return nil, err
	}

	lines := make([]*geom.LineString, 0, len(parts))
	for _, part := range parts {
		points, err := n.ToGeographic(part)
		if err != nil {
			return nil, err
		}
		lines = append(lines, NewGeographicLine(points))
	}

	return assemble(g, lines, WGS84SRID)
}

// assemble rebuilds a geometry of the same kind as like from its parts
func assemble(like geom.T, lines []*geom.LineString, srid int) (geom.T, error) {
	if _, ok := like.(*geom.LineString); ok {
		return lines[0], nil
	}

	mls := geom.NewMultiLineString(geom.XY)
	for _, ls := range lines {
		if err := mls.Push(ls); err != nil {
			return nil, fmt.Errorf("failed to assemble MultiLineString: %w", err)
		}
	}
	return mls.SetSRID(srid), nil
}

// PathLength returns the planar length of a point sequence
func PathLength(points []PlanarPoint) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += math.Hypot(points[i].X-points[i-1].X, points[i].Y-points[i-1].Y)
	}
	return total
}

// PathMidpoint returns the point halfway along a point sequence
func PathMidpoint(points []PlanarPoint) PlanarPoint {
	if len(points) == 0 {
		return PlanarPoint{}
	}
	half := PathLength(points) / 2
	for i := 1; i < len(points); i++ {
		step := math.Hypot(points[i].X-points[i-1].X, points[i].Y-points[i-1].Y)
		if step > 0 && half <= step {
			f := half / step
			return PlanarPoint{
				X: points[i-1].X + f*(points[i].X-points[i-1].X),
				Y: points[i-1].Y + f*(points[i].Y-points[i-1].Y),
			}
		}
		half -= step
	}
	return points[len(points)-1]
}
