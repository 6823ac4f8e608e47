package geo

import (
	"math"

	"github.com/twpayne/go-geom"
)

// ClassifyDirection returns the coarse orientation of the displacement from
// start to end. When directional is false the result is NorthSouth or
// EastWest; otherwise it is one of North, South, East or West.
//
// The north-south axis wins ties (|dy| >= |dx|), and a non-negative delta
// counts as north/east.
func ClassifyDirection(start, end PlanarPoint, directional bool) Direction {
	dx := end.X - start.X
	dy := end.Y - start.Y

	if math.Abs(dy) >= math.Abs(dx) {
		if !directional {
			return NorthSouth
		}
		if dy >= 0 {
			return North
		}
		return South
	}

	if !directional {
		return EastWest
	}
	if dx >= 0 {
		return East
	}
	return West
}

// LineDirection classifies a LineString or MultiLineString using the first
// point of its first line and the last point of its last line
func LineDirection(g geom.T, directional bool) (Direction, error) {
	parts, err := LineParts(g)
	if err != nil {
		return "", err
	}
	return PartsDirection(parts, directional), nil
}

// PartsDirection is LineDirection over already decomposed line parts.
// parts must be non-empty and every part must have at least one point.
func PartsDirection(parts [][]PlanarPoint, directional bool) Direction {
	first := parts[0]
	last := parts[len(parts)-1]
	return ClassifyDirection(first[0], last[len(last)-1], directional)
}
