package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func TestLineParts(t *testing.T) {
	t.Run("line string", func(t *testing.T) {
		parts, err := LineParts(geom.NewLineStringFlat(geom.XY, []float64{0, 0, 10, 0, 10, 10}))
		require.NoError(t, err)
		require.Len(t, parts, 1)
		assert.Equal(t, []PlanarPoint{{0, 0}, {10, 0}, {10, 10}}, parts[0])
	})

	t.Run("multi line string keeps part order", func(t *testing.T) {
		mls := geom.NewMultiLineStringFlat(geom.XY, []float64{0, 0, 1, 1, 5, 5, 6, 6}, []int{4, 8})
		parts, err := LineParts(mls)
		require.NoError(t, err)
		require.Len(t, parts, 2)
		assert.Equal(t, PlanarPoint{5, 5}, parts[1][0])
	})

	invalid := map[string]geom.T{
		"nil":                  nil,
		"point":                geom.NewPointFlat(geom.XY, []float64{1, 1}),
		"polygon":              geom.NewPolygonFlat(geom.XY, []float64{0, 0, 1, 0, 1, 1, 0, 0}, []int{8}),
		"single point line":    geom.NewLineStringFlat(geom.XY, []float64{1, 1}),
		"zero length line":     geom.NewLineStringFlat(geom.XY, []float64{1, 1, 1, 1, 1, 1}),
		"empty multi line":     geom.NewMultiLineString(geom.XY),
		"typed nil linestring": (*geom.LineString)(nil),
	}
	for name, g := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := LineParts(g)
			assert.ErrorIs(t, err, ErrInvalidGeometryKind)
		})
	}
}

func TestNewLines(t *testing.T) {
	geographic := NewGeographicLine([]Point{{Latitude: -26.3, Longitude: -48.8}, {Latitude: -26.2, Longitude: -48.7}})
	assert.Equal(t, WGS84SRID, geographic.SRID())
	assert.Equal(t, -48.8, geographic.Coord(0).X(), "Geographic lines are lon/lat ordered")

	planar := NewPlanarLine([]PlanarPoint{{1, 2}, {3, 4}}, 32722)
	assert.Equal(t, 32722, planar.SRID())
	assert.Equal(t, 2, planar.NumCoords())
}

func TestPathMidpoint(t *testing.T) {
	path := []PlanarPoint{{0, 0}, {10, 0}, {10, 30}}
	assert.Equal(t, 40.0, PathLength(path))
	assert.Equal(t, PlanarPoint{10, 10}, PathMidpoint(path))

	assert.Equal(t, PlanarPoint{5, 0}, PathMidpoint([]PlanarPoint{{0, 0}, {10, 0}}))
	assert.Equal(t, PlanarPoint{}, PathMidpoint(nil))
}
