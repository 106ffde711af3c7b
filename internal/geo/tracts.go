package geo

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hazard-metrics/riskatlas/internal/store"
)

// DefaultBaseURL is the Census Bureau TIGER/Line download root.
const DefaultBaseURL = "https://www2.census.gov/geo/tiger"

// LoadOptions configures a tract boundary load.
type LoadOptions struct {
	States         []string // Two-digit state FIPS codes, e.g. "48"
	Year           int      // TIGER/Line vintage (default 2024)
	TempDir        string   // Download directory
	BaseURL        string   // Override for tests
	RequestsPerSec float64  // Download rate limit (default 1)
}

// LoadTracts downloads the TIGER/Line census tract shapefile for each
// requested state, encodes each tract polygon as EWKB, and upserts the
// boundaries into st. All downloads share one rate limiter so the Census
// server sees at most RequestsPerSec requests. Returns the total number of
// tracts loaded.
func LoadTracts(ctx context.Context, st store.Store, opts LoadOptions) (int, error) {
	if len(opts.States) == 0 {
		return 0, eris.New("geo: no states given")
	}
	for _, fips := range opts.States {
		if len(fips) != 2 {
			return 0, eris.Errorf("geo: invalid state FIPS %q (want two digits)", fips)
		}
	}
	if opts.Year == 0 {
		opts.Year = 2024
	}
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(os.TempDir(), "riskatlas")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 1
	}

	limiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1)

	var total int
	for _, fips := range opts.States {
		n, err := loadState(ctx, st, limiter, fips, opts)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// loadState fetches and ingests one state's tract shapefile, waiting on the
// shared limiter before hitting the network.
func loadState(ctx context.Context, st store.Store, limiter *rate.Limiter, fips string, opts LoadOptions) (int, error) {
	log := zap.L().With(
		zap.String("component", "geo.tracts"),
		zap.String("state", fips),
		zap.Int("year", opts.Year),
	)

	url := fmt.Sprintf("%s/TIGER%d/TRACT/tl_%d_%s_tract.zip",
		opts.BaseURL, opts.Year, opts.Year, fips)
	destDir := filepath.Join(opts.TempDir, fips)

	if err := limiter.Wait(ctx); err != nil {
		return 0, eris.Wrap(err, "geo: rate limiter")
	}

	shpPath, err := download(ctx, url, destDir)
	if err != nil {
		return 0, eris.Wrap(err, "geo: download tract shapefile")
	}
	log.Info("shapefile downloaded", zap.String("path", shpPath))

	boundaries, err := parseTracts(shpPath)
	if err != nil {
		return 0, eris.Wrap(err, "geo: parse tract shapefile")
	}
	log.Info("shapefile parsed", zap.Int("tracts", len(boundaries)))

	now := time.Now().UTC()
	for _, b := range boundaries {
		b.UpdatedAt = now
		if err := st.UpsertBoundary(ctx, b); err != nil {
			return 0, err
		}
	}

	log.Info("tract boundaries loaded", zap.Int("count", len(boundaries)))
	return len(boundaries), nil
}

// parseTracts reads a tract shapefile into boundary records. Records with
// missing GEOIDs or unsupported geometries are skipped.
func parseTracts(shpPath string) ([]store.Boundary, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	fieldIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		fieldIdx[strings.ToUpper(name)] = i
	}

	geoidIdx, ok := fieldIdx["GEOID"]
	if !ok {
		return nil, eris.New("shapefile has no GEOID field")
	}
	stateIdx, hasState := fieldIdx["STATEFP"]
	nameIdx, hasName := fieldIdx["NAME"]

	attr := func(idx int) string {
		return strings.TrimSpace(strings.TrimRight(reader.Attribute(idx), "\x00"))
	}

	var boundaries []store.Boundary
	var skipped int

	for reader.Next() {
		_, shape := reader.Shape()

		geoid := attr(geoidIdx)
		if geoid == "" {
			skipped++
			continue
		}

		wkb, encErr := EncodeWKB(shape)
		if encErr != nil || wkb == nil {
			skipped++
			continue
		}

		b := store.Boundary{UnitID: geoid, Geom: wkb}
		if hasState {
			b.StateFIPS = attr(stateIdx)
		}
		if hasName {
			b.Name = attr(nameIdx)
		}
		boundaries = append(boundaries, b)
	}

	if skipped > 0 {
		zap.L().Debug("geo: skipped shapefile records", zap.Int("skipped", skipped))
	}
	return boundaries, nil
}

// download fetches a ZIP to destDir (skipping if cached) and extracts it,
// returning the path to the .shp file inside.
func download(ctx context.Context, url, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", eris.Wrap(err, "create dest dir")
	}

	parts := strings.Split(url, "/")
	zipName := parts[len(parts)-1]
	zipPath := filepath.Join(destDir, zipName)

	if info, err := os.Stat(zipPath); err == nil && info.Size() > 0 {
		zap.L().Debug("geo: zip already exists, skipping download", zap.String("path", zipPath))
	} else {
		if err := downloadFile(ctx, url, zipPath); err != nil {
			return "", err
		}
	}

	extractDir := filepath.Join(destDir, strings.TrimSuffix(zipName, ".zip"))
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return "", eris.Wrap(err, "create extract dir")
	}
	if err := extractZIP(zipPath, extractDir); err != nil {
		return "", eris.Wrap(err, "extract zip")
	}

	return findFileByExt(extractDir, ".shp")
}

func downloadFile(ctx context.Context, url, dest string) error {
	client := &http.Client{Timeout: 10 * time.Minute}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return eris.Wrap(err, "build request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return eris.Wrap(err, "download")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("download returned status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return eris.Wrap(err, "create file")
	}
	defer f.Close() //nolint:errcheck

	if _, err := io.Copy(f, resp.Body); err != nil {
		return eris.Wrap(err, "write file")
	}
	return nil
}

func extractZIP(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return eris.Wrap(err, "open zip")
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		destPath := filepath.Join(destDir, filepath.Base(f.Name))

		rc, err := f.Open()
		if err != nil {
			return eris.Wrapf(err, "open zip entry %s", f.Name)
		}

		outFile, err := os.Create(destPath)
		if err != nil {
			_ = rc.Close()
			return eris.Wrapf(err, "create %s", destPath)
		}

		if _, err := io.Copy(outFile, rc); err != nil {
			_ = outFile.Close()
			_ = rc.Close()
			return eris.Wrapf(err, "extract %s", f.Name)
		}
		_ = outFile.Close()
		_ = rc.Close()
	}
	return nil
}

func findFileByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "read directory")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("no %s file found in %s", ext, dir)
}
