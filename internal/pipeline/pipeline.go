// Package pipeline sequences the index-construction core for a run: one
// standardize → PCA → select (→ weighted-sum fallback) chain per domain,
// executed concurrently, followed by the composite aggregation. All
// intermediate results live in an explicit RunResult accumulator.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hazard-metrics/riskatlas/internal/index"
	"github.com/hazard-metrics/riskatlas/internal/model"
)

// Domain index construction methods.
const (
	MethodPCA         = "pca"
	MethodWeightedSum = "weighted_sum"
)

// DomainResult holds one domain's index and its diagnostics.
type DomainResult struct {
	Name   string            `json:"name"`
	Method string            `json:"method"`
	Index  model.DomainIndex `json:"index"`

	// PCA carries the variance-explained sequence and loadings matrix for
	// diagnostic reporting. Nil when the domain used the fallback.
	PCA *model.PCAResult `json:"pca,omitempty"`

	// DegenerateColumns lists zero-variance indicators that standardized
	// to all zeros.
	DegenerateColumns []string `json:"degenerate_columns,omitempty"`
}

// RunResult is the accumulator for one pipeline run.
type RunResult struct {
	RunID      string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Domains    []DomainResult    `json:"domains"`
	Composite  model.DomainIndex `json:"composite"`
}

// Run executes the full pipeline over one indicator table. Domain
// computations are independent (disjoint indicator subsets) and run in
// parallel, each writing its own slot; the composite aggregation joins on
// all of them.
func Run(ctx context.Context, tbl model.IndicatorTable, policy *model.PipelinePolicy) (*RunResult, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("component", "pipeline"))
	res := &RunResult{
		RunID:     uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Domains:   make([]DomainResult, len(policy.Domains)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range policy.Domains {
		g.Go(func() error {
			dr, err := computeDomain(gctx, tbl, d)
			if err != nil {
				return eris.Wrapf(err, "pipeline: domain %s", d.Name)
			}
			res.Domains[i] = *dr
			log.Info("domain index computed",
				zap.String("domain", d.Name),
				zap.String("method", dr.Method),
				zap.Int("units", len(dr.Index)),
				zap.Strings("degenerate_columns", dr.DegenerateColumns),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	indices := make(map[string]model.DomainIndex, len(res.Domains))
	for _, dr := range res.Domains {
		indices[dr.Name] = dr.Index
	}
	comp, err := index.Composite(indices, policy.Composite.Weights)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: composite")
	}
	res.Composite = comp
	res.FinishedAt = time.Now().UTC()

	log.Info("composite index computed",
		zap.String("run_id", res.RunID),
		zap.Int("domains", len(res.Domains)),
		zap.Int("units", len(comp)),
		zap.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)),
	)
	return res, nil
}

// computeDomain builds one domain index per the recorded policy. The PCA
// result is kept for diagnostics even when selection falls back.
func computeDomain(ctx context.Context, tbl model.IndicatorTable, d model.DomainPolicy) (*DomainResult, error) {
	std, err := index.Standardize(d.Name, tbl, d.Indicators)
	if err != nil {
		return nil, err
	}

	dr := &DomainResult{Name: d.Name}
	for _, dc := range std.Degenerate {
		dr.DegenerateColumns = append(dr.DegenerateColumns, dc.Column)
	}

	pr, err := index.ComputePCA(ctx, d.Name, std.Table, d.Indicators)
	if err != nil {
		return nil, err
	}
	if d.SignAnchor != "" {
		pr, err = index.AlignSign(d.Name, pr, 0, d.SignAnchor, d.AnchorNegates)
		if err != nil {
			return nil, err
		}
	}
	dr.PCA = pr

	idx, err := index.SelectIndex(d.Name, pr, d.Retention)
	switch {
	case errors.Is(err, index.ErrPolicyReject):
		// The analyst recorded that PCA variance is too evenly spread;
		// build the index from min-max normalized raw indicators instead.
		dr.Method = MethodWeightedSum
		idx, err = index.WeightedSum(d.Name, tbl, d.Fallback.Weights, d.Fallback.InvertSet())
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		dr.Method = MethodPCA
	}
	dr.Index = idx

	return dr, nil
}

// Table flattens the run into one row per unit for printing and export:
// unit_id, one column per domain in policy order, composite_index. Units
// are sorted by ID.
func (r *RunResult) Table() (header []string, rows [][]string) {
	header = []string{"unit_id"}
	for _, dr := range r.Domains {
		header = append(header, dr.Name)
	}
	header = append(header, "composite_index")

	units := make([]string, 0, len(r.Composite))
	for u := range r.Composite {
		units = append(units, u)
	}
	sort.Strings(units)

	rows = make([][]string, 0, len(units))
	for _, u := range units {
		row := []string{u}
		for _, dr := range r.Domains {
			row = append(row, formatValue(dr.Index[u]))
		}
		row = append(row, formatValue(r.Composite[u]))
		rows = append(rows, row)
	}
	return header, rows
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
