package index

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"

	"github.com/hazard-metrics/riskatlas/internal/model"
)

// perfectCorrTol is the tolerance for flagging two columns as perfectly
// correlated (the duplicate-column case that leaves loadings undetermined).
const perfectCorrTol = 1e-12

// ComputePCA runs a principal component analysis over the named columns
// of a standardized table. Because the columns are already z-scored, the
// covariance matrix is the correlation matrix of the raw indicators.
// Components come back ordered by non-increasing variance explained, with
// ties broken by the factorization's original component order. Signs are
// not canonicalized; use AlignSign for that.
//
// The eigendecomposition is the one computationally heavy step in a run,
// so the context is checked before it starts.
func ComputePCA(ctx context.Context, domain string, std model.StandardizedTable, columns []string) (*model.PCAResult, error) {
	units := std.UnitIDs()
	n, p := len(units), len(columns)
	if n < 2 {
		return nil, eris.Errorf("index: domain %s: PCA needs at least 2 units, got %d", domain, n)
	}
	if p == 0 {
		return nil, eris.Errorf("index: domain %s: PCA needs at least 1 column", domain)
	}
	for _, col := range columns {
		if !std.HasColumn(col) {
			return nil, &MissingIndicatorError{Domain: domain, Column: col}
		}
	}

	// N units × P indicators, units in sorted order.
	x := mat.NewDense(n, p, nil)
	for i, u := range units {
		for j, col := range columns {
			v := std.Rows[u][col]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &SingularMatrixError{
					Domain: domain,
					Reason: fmt.Sprintf("non-finite value in column %s for unit %s", col, u),
				}
			}
			x.Set(i, j, v)
		}
	}

	cov := mat.NewSymDense(p, nil)
	for j := 0; j < p; j++ {
		for k := j; k < p; k++ {
			var s float64
			for i := 0; i < n; i++ {
				s += x.At(i, j) * x.At(i, k)
			}
			cov.SetSym(j, k, s/float64(n-1))
		}
	}

	// Duplicate columns make the loadings of the shared direction
	// undetermined. All-zero degenerate columns correlate at 0 with
	// everything and pass through (their diagonal is 0, not 1).
	for j := 0; j < p; j++ {
		for k := j + 1; k < p; k++ {
			if cov.At(j, j) > 0.5 && cov.At(k, k) > 0.5 && math.Abs(cov.At(j, k)) >= 1-perfectCorrTol {
				return nil, &SingularMatrixError{
					Domain: domain,
					Reason: fmt.Sprintf("columns %s and %s are perfectly correlated", columns[j], columns[k]),
				}
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrapf(err, "index: domain %s: PCA cancelled", domain)
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return nil, &SingularMatrixError{Domain: domain, Reason: "eigendecomposition did not converge"}
	}
	vals := eig.Values(nil) // ascending
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Clamp tiny negative eigenvalues from floating-point noise.
	total := 0.0
	for i, v := range vals {
		if v < 0 {
			vals[i] = 0
		}
		total += vals[i]
	}
	if total == 0 {
		return nil, &SingularMatrixError{Domain: domain, Reason: "total variance is zero"}
	}

	// Reorder to non-increasing eigenvalue. The stable sort keeps the
	// factorization's ascending-index order among ties, so equal
	// eigenvalues order deterministically.
	order := make([]int, p)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return vals[order[a]] > vals[order[b]]
	})

	res := &model.PCAResult{
		Columns:           append([]string(nil), columns...),
		UnitIDs:           units,
		Loadings:          make([][]float64, p),
		Scores:            make([][]float64, p),
		VarianceExplained: make([]float64, p),
	}
	for c, oi := range order {
		res.VarianceExplained[c] = vals[oi] / total

		load := make([]float64, p)
		for j := 0; j < p; j++ {
			load[j] = vecs.At(j, oi)
		}
		res.Loadings[c] = load

		// Score of unit i on this component: standardized row · loading.
		score := make([]float64, n)
		for i := 0; i < n; i++ {
			var s float64
			for j := 0; j < p; j++ {
				s += x.At(i, j) * load[j]
			}
			score[i] = s
		}
		res.Scores[c] = score
	}

	return res, nil
}
