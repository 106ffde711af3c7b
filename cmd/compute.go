package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hazard-metrics/riskatlas/internal/loader"
	"github.com/hazard-metrics/riskatlas/internal/model"
	"github.com/hazard-metrics/riskatlas/internal/pipeline"
	"github.com/hazard-metrics/riskatlas/internal/store"
)

var (
	computeIndicators string
	computeSheet      string
	computePolicy     string
	computeIDColumn   string
	computeSave       bool
	computeOutput     string
	computeFormat     string
)

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Compute domain and composite indices from an indicator table",
	Long: `Reads tract-level indicators from a CSV or XLSX file, builds one index
per policy domain (PCA with a recorded weighted-sum fallback), aggregates
them into a composite index, and prints or saves the result.

Examples:
  # Print the score table
  riskatlas compute --indicators tracts.csv --policy policy.yaml

  # Persist the run and write CSV output
  riskatlas compute --indicators tracts.xlsx --sheet 2020 --save --output scores.csv --format csv`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		idColumn := computeIDColumn
		if idColumn == "" {
			idColumn = cfg.Pipeline.IDColumn
		}
		policyPath := computePolicy
		if policyPath == "" {
			policyPath = cfg.Pipeline.PolicyPath
		}

		tbl, err := loadIndicators(computeIndicators, computeSheet, idColumn)
		if err != nil {
			return err
		}
		zap.L().Info("indicators loaded",
			zap.String("path", computeIndicators),
			zap.Int("units", len(tbl.Rows)),
			zap.Int("indicators", len(tbl.Columns)),
		)

		policy, err := model.LoadPolicy(policyPath)
		if err != nil {
			return err
		}

		res, runErr := pipeline.Run(ctx, tbl, policy)

		if computeSave {
			st, storeErr := initStore(ctx)
			if storeErr != nil {
				return storeErr
			}
			defer st.Close() //nolint:errcheck

			if runErr != nil {
				if saveErr := saveFailedRun(ctx, st, computeIndicators, policyPath, runErr); saveErr != nil {
					zap.L().Warn("failed run not recorded", zap.Error(saveErr))
				}
				return runErr
			}
			if err := saveRun(ctx, st, res, computeIndicators, policyPath); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Run %s saved.\n", res.RunID)
		}
		if runErr != nil {
			return runErr
		}

		return writeResult(res, computeOutput, computeFormat)
	},
}

// loadIndicators picks a loader by file extension.
func loadIndicators(path, sheet, idColumn string) (model.IndicatorTable, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return loader.FromCSV(path, idColumn)
	case ".xlsx":
		return loader.FromXLSX(path, sheet, idColumn)
	default:
		return model.IndicatorTable{}, eris.Errorf("compute: unsupported indicator file %q (want .csv or .xlsx)", path)
	}
}

// saveFailedRun records a run that errored before producing scores so the
// failure shows up in run listings.
func saveFailedRun(ctx context.Context, st store.Store, indicatorPath, policyPath string, runErr error) error {
	return st.CreateRun(ctx, store.Run{
		ID:            uuid.New().String(),
		IndicatorPath: indicatorPath,
		PolicyPath:    policyPath,
		Status:        store.RunStatusFailed,
		Error:         runErr.Error(),
		CreatedAt:     time.Now().UTC(),
	})
}

// markRunFailed flips a run to failed after a partial save. Best effort;
// the original error is what the caller returns.
func markRunFailed(ctx context.Context, st store.Store, runID string, cause error) {
	if err := st.UpdateRunStatus(ctx, runID, store.RunStatusFailed, cause.Error()); err != nil {
		zap.L().Warn("run status not updated", zap.String("run_id", runID), zap.Error(err))
	}
}

// saveRun persists the run record, all scores, and PCA diagnostics.
func saveRun(ctx context.Context, st store.Store, res *pipeline.RunResult, indicatorPath, policyPath string) error {
	if err := st.CreateRun(ctx, store.Run{
		ID:            res.RunID,
		IndicatorPath: indicatorPath,
		PolicyPath:    policyPath,
		Status:        store.RunStatusComplete,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		return err
	}

	var scores []store.Score
	for _, dr := range res.Domains {
		for unitID, v := range dr.Index {
			scores = append(scores, store.Score{RunID: res.RunID, UnitID: unitID, Domain: dr.Name, Value: v})
		}
	}
	for unitID, v := range res.Composite {
		scores = append(scores, store.Score{RunID: res.RunID, UnitID: unitID, Domain: store.CompositeDomain, Value: v})
	}
	if err := st.SaveScores(ctx, scores); err != nil {
		markRunFailed(ctx, st, res.RunID, err)
		return err
	}

	var diags []store.Diagnostic
	for _, dr := range res.Domains {
		if dr.PCA == nil {
			continue
		}
		for c := 0; c < dr.PCA.Components(); c++ {
			loadings := make(map[string]float64, len(dr.PCA.Columns))
			for j, col := range dr.PCA.Columns {
				loadings[col] = dr.PCA.Loadings[c][j]
			}
			diags = append(diags, store.Diagnostic{
				RunID:             res.RunID,
				Domain:            dr.Name,
				Component:         c,
				VarianceExplained: dr.PCA.VarianceExplained[c],
				Loadings:          loadings,
			})
		}
	}
	if err := st.SaveDiagnostics(ctx, diags); err != nil {
		markRunFailed(ctx, st, res.RunID, err)
		return err
	}
	return nil
}

// writeResult renders the run as an aligned table or CSV.
func writeResult(res *pipeline.RunResult, output, format string) error {
	out := os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return eris.Wrap(err, "compute: create output file")
		}
		defer f.Close() //nolint:errcheck
		out = f
	}

	header, rows := res.Table()

	switch format {
	case "csv":
		w := csv.NewWriter(out)
		if err := w.Write(header); err != nil {
			return eris.Wrap(err, "compute: write csv header")
		}
		for _, row := range rows {
			if err := w.Write(row); err != nil {
				return eris.Wrap(err, "compute: write csv row")
			}
		}
		w.Flush()
		return eris.Wrap(w.Error(), "compute: flush csv")
	case "table":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(header, "\t"))
		for _, row := range rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		return eris.Wrap(tw.Flush(), "compute: flush table")
	default:
		return eris.Errorf("compute: unknown format %q (want table or csv)", format)
	}
}

func init() {
	computeCmd.Flags().StringVar(&computeIndicators, "indicators", "", "indicator table file (.csv or .xlsx)")
	computeCmd.Flags().StringVar(&computeSheet, "sheet", "", "XLSX sheet name (default first sheet)")
	computeCmd.Flags().StringVar(&computePolicy, "policy", "", "pipeline policy file (default from config)")
	computeCmd.Flags().StringVar(&computeIDColumn, "id-column", "", "unit ID column name (default from config)")
	computeCmd.Flags().BoolVar(&computeSave, "save", false, "persist the run, scores, and diagnostics to the store")
	computeCmd.Flags().StringVar(&computeOutput, "output", "", "output file (default stdout)")
	computeCmd.Flags().StringVar(&computeFormat, "format", "table", "output format: table or csv")
	_ = computeCmd.MarkFlagRequired("indicators")
	rootCmd.AddCommand(computeCmd)
}
