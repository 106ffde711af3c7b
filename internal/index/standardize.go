// Package index implements the index-construction core: z-score
// standardization, PCA over the standardized indicator matrix, component
// retention, the weighted-sum fallback, and the composite aggregation of
// domain indices.
package index

import (
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hazard-metrics/riskatlas/internal/model"
)

// StandardizeResult holds a standardized table together with the columns
// that turned out to be degenerate (zero variance). Degenerate columns
// standardize to all zeros so downstream PCA stays well-defined on the
// remaining variance structure.
type StandardizeResult struct {
	Table      model.StandardizedTable
	Degenerate []DegenerateColumnError
}

// Standardize z-scores the named columns of tbl: per column, subtract the
// sample mean and divide by the sample standard deviation over all units.
// The unit identifier is never a column. Returns MissingIndicatorError if
// a requested column is not in the table.
func Standardize(domain string, tbl model.IndicatorTable, columns []string) (*StandardizeResult, error) {
	units := tbl.UnitIDs()
	if len(units) < 2 {
		return nil, eris.Errorf("index: domain %s: standardization needs at least 2 units, got %d", domain, len(units))
	}
	if len(columns) == 0 {
		return nil, eris.Errorf("index: domain %s: no columns to standardize", domain)
	}

	out := model.StandardizedTable{
		Columns: append([]string(nil), columns...),
		Rows:    make(map[string]map[string]float64, len(units)),
	}
	for _, u := range units {
		out.Rows[u] = make(map[string]float64, len(columns))
	}
	res := &StandardizeResult{Table: out}

	for _, col := range columns {
		if !tbl.HasColumn(col) {
			return nil, &MissingIndicatorError{Domain: domain, Column: col}
		}
		vals := tbl.Column(col, units)
		mean, sd := meanStddev(vals)

		if sd == 0 {
			res.Degenerate = append(res.Degenerate, DegenerateColumnError{Domain: domain, Column: col})
			zap.L().Warn("index: degenerate column standardized to zeros",
				zap.String("domain", domain),
				zap.String("column", col),
			)
			for _, u := range units {
				out.Rows[u][col] = 0
			}
			continue
		}

		for i, u := range units {
			out.Rows[u][col] = (vals[i] - mean) / sd
		}
	}

	return res, nil
}

// meanStddev computes the mean and sample (n-1) standard deviation.
func meanStddev(vals []float64) (mean, sd float64) {
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))

	var ss float64
	for _, v := range vals {
		d := v - mean
		ss += d * d
	}
	sd = math.Sqrt(ss / float64(len(vals)-1))
	return mean, sd
}
