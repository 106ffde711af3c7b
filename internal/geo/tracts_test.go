package geo

import (
	"archive/zip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazard-metrics/riskatlas/internal/store"
)

// writeTractShapefile writes a two-tract shapefile set into dir and returns
// the base path (without extension).
func writeTractShapefile(t *testing.T, dir string) string {
	t.Helper()

	base := filepath.Join(dir, "tl_2024_48_tract")
	w, err := shp.Create(base+".shp", shp.POLYGON)
	require.NoError(t, err)

	require.NoError(t, w.SetFields([]shp.Field{
		shp.StringField("STATEFP", 2),
		shp.StringField("GEOID", 11),
		shp.StringField("NAME", 20),
	}))

	tracts := []struct {
		geoid, name string
		offset      float64
	}{
		{"48001950100", "9501", 0},
		{"48001950200", "9502", 1},
	}
	for i, tr := range tracts {
		poly := &shp.Polygon{
			NumParts:  1,
			NumPoints: 5,
			Parts:     []int32{0},
			Points: []shp.Point{
				{X: -97.0 + tr.offset, Y: 31.0},
				{X: -97.0 + tr.offset, Y: 32.0},
				{X: -96.0 + tr.offset, Y: 32.0},
				{X: -96.0 + tr.offset, Y: 31.0},
				{X: -97.0 + tr.offset, Y: 31.0},
			},
		}
		w.Write(poly)
		require.NoError(t, w.WriteAttribute(i, 0, "48"))
		require.NoError(t, w.WriteAttribute(i, 1, tr.geoid))
		require.NoError(t, w.WriteAttribute(i, 2, tr.name))
	}
	w.Close()

	// go-shp names the DBF without the extension dot; rename so the
	// triple zips under the conventional names.
	require.NoError(t, os.Rename(base+"dbf", base+".dbf"))

	return base
}

// zipShapefile packs the .shp/.shx/.dbf triple for base into a ZIP.
func zipShapefile(t *testing.T, base, zipPath string) {
	t.Helper()

	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)

	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		src, openErr := os.Open(base + ext)
		require.NoError(t, openErr)
		fw, createErr := zw.Create(filepath.Base(base) + ext)
		require.NoError(t, createErr)
		_, copyErr := io.Copy(fw, src)
		require.NoError(t, copyErr)
		require.NoError(t, src.Close())
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestLoadTracts(t *testing.T) {
	shpDir := t.TempDir()
	base := writeTractShapefile(t, shpDir)
	zipPath := filepath.Join(shpDir, "tl_2024_48_tract.zip")
	zipShapefile(t, base, zipPath)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/TIGER2024/TRACT/tl_2024_48_tract.zip", r.URL.Path)
		http.ServeFile(w, r, zipPath)
	}))
	defer srv.Close()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	n, err := LoadTracts(context.Background(), st, LoadOptions{
		States:         []string{"48"},
		Year:           2024,
		TempDir:        t.TempDir(),
		BaseURL:        srv.URL,
		RequestsPerSec: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := st.GetBoundaries(context.Background(), []string{"48001950100", "48001950200"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	b := got["48001950100"]
	assert.Equal(t, "48", b.StateFIPS)
	assert.Equal(t, "9501", b.Name)
	assert.NotEmpty(t, b.Geom)
	assert.False(t, b.UpdatedAt.IsZero())

	// Geometry round-trips to GeoJSON.
	raw, err := GeoJSONGeometry(b.Geom)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "MultiPolygon")
}

func TestLoadTracts_InvalidFIPS(t *testing.T) {
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	_, err = LoadTracts(context.Background(), st, LoadOptions{States: []string{"4"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid state FIPS")

	_, err = LoadTracts(context.Background(), st, LoadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no states")
}

func TestLoadTracts_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	_, err = LoadTracts(context.Background(), st, LoadOptions{
		States:  []string{"48"},
		TempDir: t.TempDir(),
		BaseURL: srv.URL,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestLoadTracts_RateLimitSpacesStates(t *testing.T) {
	shpDir := t.TempDir()
	base := writeTractShapefile(t, shpDir)
	zipPath := filepath.Join(shpDir, "tl_2024_48_tract.zip")
	zipShapefile(t, base, zipPath)

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.ServeFile(w, r, zipPath)
	}))
	defer srv.Close()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	// 10 req/s means the second state's download cannot start until
	// 100ms after the first token was taken.
	start := time.Now()
	n, err := LoadTracts(context.Background(), st, LoadOptions{
		States:         []string{"48", "22"},
		Year:           2024,
		TempDir:        t.TempDir(),
		BaseURL:        srv.URL,
		RequestsPerSec: 10,
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestDownload_Cached(t *testing.T) {
	shpDir := t.TempDir()
	base := writeTractShapefile(t, shpDir)
	zipPath := filepath.Join(shpDir, "tl_2024_48_tract.zip")
	zipShapefile(t, base, zipPath)

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.ServeFile(w, r, zipPath)
	}))
	defer srv.Close()

	destDir := t.TempDir()
	url := srv.URL + "/tl_2024_48_tract.zip"

	_, err := download(context.Background(), url, destDir)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// Second call reuses the cached ZIP.
	shpPath, err := download(context.Background(), url, destDir)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.FileExists(t, shpPath)
}

func TestFindFileByExt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.shp"), []byte("shp"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.dbf"), []byte("dbf"), 0o644))

	shpPath, err := findFileByExt(dir, ".shp")
	require.NoError(t, err)
	assert.Contains(t, shpPath, "data.shp")

	_, err = findFileByExt(dir, ".prj")
	assert.Error(t, err)
}
