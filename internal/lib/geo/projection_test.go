package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

var utm22South = Projection{Zone: 22, South: true}

func TestProjection_SRID(t *testing.T) {
	assert.Equal(t, 32722, utm22South.SRID())
	assert.Equal(t, 32633, Projection{Zone: 33}.SRID())
	assert.Contains(t, utm22South.String(), "EPSG:32722")
}

func TestNormalizer_ToPlanar(t *testing.T) {
	n, err := NewNormalizer(utm22South)
	require.NoError(t, err)
	defer n.Close()

	planar, err := n.ToPlanar([]Point{
		{Latitude: -26.31254, Longitude: -48.85777},
		{Latitude: -26.30740, Longitude: -48.84573},
	})
	require.NoError(t, err)
	require.Len(t, planar, 2)

	assert.InDelta(t, 713849, planar[0].X, 2)
	assert.InDelta(t, 7087931, planar[0].Y, 2)
	assert.InDelta(t, 715062, planar[1].X, 2)
	assert.InDelta(t, 7088480, planar[1].Y, 2)

	_, err = n.ToPlanar([]Point{{Latitude: 95, Longitude: 0}})
	assert.Error(t, err)
}

func TestNormalizer_RoundTrip(t *testing.T) {
	n, err := NewNormalizer(utm22South)
	require.NoError(t, err)
	defer n.Close()

	for _, p := range []Point{
		{Latitude: -26.31254, Longitude: -48.85777},
		{Latitude: -26.25, Longitude: -48.90},
		{Latitude: -27.10, Longitude: -50.20},
	} {
		d, err := n.RoundTripError(p)
		require.NoError(t, err)
		assert.Less(t, d, 0.1, "Round trip error should be below 10cm")
	}
}

func TestNormalizer_ProjectGeometry(t *testing.T) {
	n, err := NewNormalizer(utm22South)
	require.NoError(t, err)
	defer n.Close()

	line := NewGeographicLine([]Point{
		{Latitude: -26.31254, Longitude: -48.85777},
		{Latitude: -26.30740, Longitude: -48.84573},
	})

	projected, err := n.ProjectGeometry(line)
	require.NoError(t, err)
	ls, ok := projected.(*geom.LineString)
	require.True(t, ok)
	assert.Equal(t, 32722, ls.SRID())
	assert.Equal(t, 2, ls.NumCoords())

	back, err := n.UnprojectGeometry(projected)
	require.NoError(t, err)
	assert.InDelta(t, -48.85777, back.FlatCoords()[0], 1e-6)
	assert.InDelta(t, -26.31254, back.FlatCoords()[1], 1e-6)

	mls := geom.NewMultiLineStringFlat(geom.XY, []float64{-48.85, -26.31, -48.84, -26.30, -48.83, -26.30, -48.82, -26.29}, []int{4, 8})
	projectedMulti, err := n.ProjectGeometry(mls)
	require.NoError(t, err)
	_, ok = projectedMulti.(*geom.MultiLineString)
	assert.True(t, ok, "MultiLineString structure should be kept")

	_, err = n.ProjectGeometry(projected)
	assert.Error(t, err, "Already planar input should be rejected")

	_, err = n.ProjectGeometry(geom.NewPointFlat(geom.XY, []float64{-48.8, -26.3}))
	assert.ErrorIs(t, err, ErrInvalidGeometryKind)
}

func TestNewNormalizer_InvalidZone(t *testing.T) {
	_, err := NewNormalizer(Projection{Zone: 0})
	assert.Error(t, err)

	_, err = NewNormalizer(Projection{Zone: 61, South: true})
	assert.Error(t, err)
}

func TestNormalizer_Closed(t *testing.T) {
	n, err := NewNormalizer(utm22South)
	require.NoError(t, err)
	n.Close()
	n.Close()

	_, err = n.ToPlanar([]Point{{Latitude: -26.3, Longitude: -48.8}})
	assert.Error(t, err)
}
