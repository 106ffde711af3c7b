package index

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/hazard-metrics/riskatlas/internal/model"
)

// WeightedSum builds a domain index without PCA: each raw indicator is
// min-max normalized across all units, inverted when the indicator points
// the "higher is better" way, and combined with the supplied weights.
// Weights must be non-negative and sum to 1, which keeps the output in
// [0, 1]. A constant column yields DegenerateRangeError rather than the
// NaN a naive (x-min)/(max-min) would propagate.
func WeightedSum(domain string, tbl model.IndicatorTable, weights map[string]float64, invert map[string]bool) (model.DomainIndex, error) {
	if err := checkWeights(domain, weights); err != nil {
		return nil, err
	}
	units := tbl.UnitIDs()
	if len(units) == 0 {
		return nil, eris.Errorf("index: domain %s: weighted sum over empty table", domain)
	}

	cols := make([]string, 0, len(weights))
	for name := range weights {
		cols = append(cols, name)
	}
	sort.Strings(cols)

	idx := make(model.DomainIndex, len(units))
	for _, col := range cols {
		if !tbl.HasColumn(col) {
			return nil, &MissingIndicatorError{Domain: domain, Column: col}
		}
		norm, err := minMaxColumn(domain, col, tbl.Column(col, units))
		if err != nil {
			return nil, err
		}
		w := weights[col]
		for i, u := range units {
			v := norm[i]
			if invert[col] {
				v = 1 - v
			}
			idx[u] += w * v
		}
	}

	return idx, nil
}

// minMaxColumn rescales values to [0, 1] using the observed min and max.
func minMaxColumn(domain, column string, vals []float64) ([]float64, error) {
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi == lo {
		return nil, &DegenerateRangeError{Domain: domain, Column: column}
	}

	norm := make([]float64, len(vals))
	for i, v := range vals {
		norm[i] = (v - lo) / (hi - lo)
	}
	return norm, nil
}

// checkWeights verifies a weight set is non-empty, non-negative, and sums
// to 1 within model.WeightTol.
func checkWeights(domain string, weights map[string]float64) error {
	if len(weights) == 0 {
		return eris.Errorf("index: domain %s: empty weight set", domain)
	}
	sum := 0.0
	for name, w := range weights {
		if w < 0 {
			return eris.Errorf("index: domain %s: negative weight for %s", domain, name)
		}
		sum += w
	}
	if math.Abs(sum-1) > model.WeightTol {
		return eris.Errorf("index: domain %s: weights sum to %v, want 1", domain, sum)
	}
	return nil
}
