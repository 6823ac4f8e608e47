package geo

import (
	"fmt"

	"github.com/twpayne/go-geos"
)

// BufferQuadrantSegments is the number of segments used to approximate a
// quarter circle in buffer end caps and joins
const BufferQuadrantSegments = 16

// BuildLine converts planar line parts into a GEOS LineString (one part) or
// MultiLineString (several parts) owned by ctx and tagged with srid. The
// caller must Destroy the result.
func BuildLine(ctx *geos.Context, parts [][]PlanarPoint, srid int) (*geos.Geom, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no line parts", ErrInvalidGeometryKind)
	}

	lines := make([]*geos.Geom, 0, len(parts))
	for _, part := range parts {
		coords := make([][]float64, len(part))
		for i, p := range part {
			coords[i] = []float64{p.X, p.Y}
		}
		lines = append(lines, ctx.NewLineString(coords))
	}

	var g *geos.Geom
	if len(lines) == 1 {
		g = lines[0]
	} else {
		// The collection takes ownership of its members
		g = ctx.NewCollection(geos.TypeIDMultiLineString, lines)
	}
	return g.SetSRID(srid), nil
}

// Buffer thickens a line by radius on both sides, returning a round-capped
// polygon. The caller must Destroy the result.
func Buffer(line *geos.Geom, radius float64) *geos.Geom {
	return line.Buffer(radius, BufferQuadrantSegments).SetSRID(line.SRID())
}

// Thickenings holds the two buffers and direction derived from one line
type Thickenings struct {
	Line      *geos.Geom
	Small     *geos.Geom
	Big       *geos.Geom
	Direction Direction
}

// Thicken builds the line, its small and big buffers and its coarse direction
func Thicken(ctx *geos.Context, parts [][]PlanarPoint, srid int, smallRadius, bigRadius float64, directional bool) (*Thickenings, error) {
	line, err := BuildLine(ctx, parts, srid)
	if err != nil {
		return nil, err
	}
	return &Thickenings{
		Line:      line,
		Small:     Buffer(line, smallRadius),
		Big:       Buffer(line, bigRadius),
		Direction: PartsDirection(parts, directional),
	}, nil
}

// Destroy releases the GEOS geometries
func (t *Thickenings) Destroy() {
	if t == nil {
		return
	}
	for _, g := range []*geos.Geom{t.Line, t.Small, t.Big} {
		if g != nil {
			g.Destroy()
		}
	}
	t.Line, t.Small, t.Big = nil, nil, nil
}
