package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hazard-metrics/riskatlas/internal/geo"
	"github.com/hazard-metrics/riskatlas/internal/store"
)

var (
	exportRunID  string
	exportOutput string
	exportFormat string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a saved run's scores as CSV or GeoJSON",
	Long: `Exports the scores of a saved run. GeoJSON output joins each unit to
its tract boundary (load boundaries first with "riskatlas geoload").

Examples:
  riskatlas export --run 6e7f... --output scores.csv
  riskatlas export --run 6e7f... --output scores.geojson --format geojson`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, exportRunID)
		if err != nil {
			return err
		}
		if run == nil {
			return eris.Errorf("export: run %s not found", exportRunID)
		}

		scores, err := st.GetScores(ctx, exportRunID)
		if err != nil {
			return err
		}
		if len(scores) == 0 {
			return eris.Errorf("export: run %s has no scores", exportRunID)
		}

		out := os.Stdout
		if exportOutput != "" {
			f, createErr := os.Create(exportOutput)
			if createErr != nil {
				return eris.Wrap(createErr, "export: create output file")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		switch exportFormat {
		case "csv":
			return writeScoresCSV(out, scores)
		case "geojson":
			fc, buildErr := buildFeatureCollection(ctx, st, scores)
			if buildErr != nil {
				return buildErr
			}
			enc := json.NewEncoder(out)
			return eris.Wrap(enc.Encode(fc), "export: encode geojson")
		default:
			return eris.Errorf("export: unknown format %q (want csv or geojson)", exportFormat)
		}
	},
}

// scoresByUnit pivots the flat score rows into per-unit maps plus the sorted
// domain and unit orders.
func scoresByUnit(scores []store.Score) (units []string, domains []string, byUnit map[string]map[string]float64) {
	byUnit = make(map[string]map[string]float64)
	domainSet := make(map[string]struct{})
	for _, s := range scores {
		if byUnit[s.UnitID] == nil {
			byUnit[s.UnitID] = make(map[string]float64)
		}
		byUnit[s.UnitID][s.Domain] = s.Value
		domainSet[s.Domain] = struct{}{}
	}

	for u := range byUnit {
		units = append(units, u)
	}
	sort.Strings(units)

	for d := range domainSet {
		if d != store.CompositeDomain {
			domains = append(domains, d)
		}
	}
	sort.Strings(domains)
	if _, ok := domainSet[store.CompositeDomain]; ok {
		domains = append(domains, store.CompositeDomain)
	}
	return units, domains, byUnit
}

func writeScoresCSV(out io.Writer, scores []store.Score) error {
	units, domains, byUnit := scoresByUnit(scores)

	w := csv.NewWriter(out)
	header := append([]string{"unit_id"}, domains...)
	if err := w.Write(header); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, u := range units {
		row := []string{u}
		for _, d := range domains {
			row = append(row, strconv.FormatFloat(byUnit[u][d], 'f', 6, 64))
		}
		if err := w.Write(row); err != nil {
			return eris.Wrap(err, "export: write csv row")
		}
	}
	w.Flush()
	return eris.Wrap(w.Error(), "export: flush csv")
}

// geoJSONFeature is one unit's scores joined to its boundary geometry.
type geoJSONFeature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

type geoJSONFeatureCollection struct {
	Type     string           `json:"type"`
	Features []geoJSONFeature `json:"features"`
}

// buildFeatureCollection joins run scores to stored tract boundaries. Units
// with no stored boundary are skipped with a warning.
func buildFeatureCollection(ctx context.Context, st store.Store, scores []store.Score) (*geoJSONFeatureCollection, error) {
	units, domains, byUnit := scoresByUnit(scores)

	boundaries, err := st.GetBoundaries(ctx, units)
	if err != nil {
		return nil, err
	}

	fc := &geoJSONFeatureCollection{Type: "FeatureCollection", Features: []geoJSONFeature{}}
	var missing int
	for _, u := range units {
		b, ok := boundaries[u]
		if !ok {
			missing++
			continue
		}
		geometry, geomErr := geo.GeoJSONGeometry(b.Geom)
		if geomErr != nil {
			return nil, geomErr
		}

		props := map[string]any{"unit_id": u, "name": b.Name}
		for _, d := range domains {
			props[d] = byUnit[u][d]
		}
		fc.Features = append(fc.Features, geoJSONFeature{
			Type:       "Feature",
			Geometry:   geometry,
			Properties: props,
		})
	}

	if missing > 0 {
		zap.L().Warn("units missing boundaries, skipped in geojson",
			zap.Int("missing", missing),
			zap.Int("total", len(units)),
		)
	}
	return fc, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportRunID, "run", "", "run ID to export")
	exportCmd.Flags().StringVar(&exportOutput, "output", "", "output file (default stdout)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "output format: csv or geojson")
	_ = exportCmd.MarkFlagRequired("run")
	rootCmd.AddCommand(exportCmd)
}
