package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geos"
)

func TestThicken(t *testing.T) {
	ctx := geos.NewContext()
	parts := [][]PlanarPoint{{{0, 0}, {100, 0}}}

	th, err := Thicken(ctx, parts, 32722, 10, 20, false)
	require.NoError(t, err)
	defer th.Destroy()

	assert.Equal(t, EastWest, th.Direction)
	assert.Equal(t, 32722, th.Small.SRID())
	assert.Equal(t, 32722, th.Big.SRID())
	assert.True(t, th.Big.Contains(th.Small))
	assert.True(t, th.Small.Contains(th.Line))

	bounds := th.Big.Bounds()
	assert.InDelta(t, -20, bounds.MinX, 1e-6)
	assert.InDelta(t, 120, bounds.MaxX, 1e-6)
	assert.InDelta(t, -20, bounds.MinY, 1e-6)
	assert.InDelta(t, 20, bounds.MaxY, 1e-6)

	// Buffer area approaches the capsule area 2*r*L + pi*r^2
	assert.InDelta(t, 2*10*100+math.Pi*100, th.Small.Area(), 5)
}

func TestBuildLine_MultiPart(t *testing.T) {
	ctx := geos.NewContext()
	parts := [][]PlanarPoint{{{0, 0}, {10, 0}}, {{20, 0}, {30, 5}}}

	g, err := BuildLine(ctx, parts, 32722)
	require.NoError(t, err)
	defer g.Destroy()

	assert.Equal(t, geos.TypeIDMultiLineString, g.TypeID())
	assert.Equal(t, 2, g.NumGeometries())

	_, err = BuildLine(ctx, nil, 32722)
	assert.ErrorIs(t, err, ErrInvalidGeometryKind)
}

func TestThickenings_DestroyTwice(t *testing.T) {
	ctx := geos.NewContext()
	th, err := Thicken(ctx, [][]PlanarPoint{{{0, 0}, {0, 50}}}, 32722, 5, 15, true)
	require.NoError(t, err)
	assert.Equal(t, North, th.Direction)

	th.Destroy()
	th.Destroy()

	var nilThickenings *Thickenings
	nilThickenings.Destroy()
}
