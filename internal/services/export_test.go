package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dpup/jamalloc/internal/config"
	"github.com/dpup/jamalloc/internal/lib/geo"
)

func TestExportWindow(t *testing.T) {
	f := newDriverFixture(t, config.BatchConfig{PageSize: 50, Parallelism: 1})
	ctx := context.Background()

	_, err := f.driver.Run(ctx, f.window)
	require.NoError(t, err)

	normalizer, err := geo.NewNormalizer(geo.Projection{Zone: 22, South: true})
	require.NoError(t, err)
	defer normalizer.Close()

	dir := t.TempDir()
	paths, err := ExportWindow(ctx, f.store, f.window, normalizer, config.ExportConfig{
		Dir:     filepath.Join(dir, "out"),
		Formats: []string{"geojson", "kml"},
	})
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, "out", "jams_20190603T0700_20190603T0800.geojson"), paths[0])

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	features := gjson.GetBytes(data, "features")
	assert.Len(t, features.Array(), 5, "One feature per jammed segment")
	assert.Equal(t, int64(6), features.Get("0.properties.jammed_minutes").Int())
	assert.InDelta(t, 0.1, features.Get("0.properties.traffic_share").Float(), 1e-9, "Six of sixty minutes")

	kml, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Contains(t, string(kml), "<Placemark>")
}

func TestExportWindow_Errors(t *testing.T) {
	f := newDriverFixture(t, config.BatchConfig{PageSize: 50, Parallelism: 1})

	normalizer, err := geo.NewNormalizer(geo.Projection{Zone: 22, South: true})
	require.NoError(t, err)
	defer normalizer.Close()

	_, err = ExportWindow(context.Background(), f.store, Window{From: windowStart, To: windowStart}, normalizer, config.ExportConfig{})
	assert.Error(t, err)

	_, err = ExportWindow(context.Background(), f.store, f.window, normalizer, config.ExportConfig{
		Dir:     t.TempDir(),
		Formats: []string{"shapefile"},
	})
	assert.Error(t, err)
}
