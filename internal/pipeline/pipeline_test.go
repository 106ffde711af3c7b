package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazard-metrics/riskatlas/internal/model"
)

// fixtureTable covers two domains over five tracts: flood indicators
// (elevation low = vulnerable, drainage high = vulnerable) and social
// indicators for the weighted-sum fallback.
func fixtureTable() model.IndicatorTable {
	columns := []string{"elevation", "drainage_density", "poverty_rate", "pct_over_65"}
	rows := map[string][]float64{
		"48001": {3.1, 8.2, 0.31, 0.18},
		"48002": {42.0, 1.4, 0.09, 0.12},
		"48003": {11.5, 5.9, 0.22, 0.21},
		"48004": {27.3, 3.3, 0.14, 0.09},
		"48005": {6.8, 7.1, 0.27, 0.16},
	}
	t := model.IndicatorTable{Columns: columns, Rows: make(map[string]map[string]float64, len(rows))}
	for unit, vals := range rows {
		r := make(map[string]float64, len(columns))
		for i, col := range columns {
			r[col] = vals[i]
		}
		t.Rows[unit] = r
	}
	return t
}

func fixturePolicy() *model.PipelinePolicy {
	return &model.PipelinePolicy{
		Domains: []model.DomainPolicy{
			{
				Name:          "flood",
				Indicators:    []string{"elevation", "drainage_density"},
				Retention:     model.RetentionPolicy{Method: model.RetentionTopK, K: 1},
				SignAnchor:    "elevation",
				AnchorNegates: true,
			},
			{
				Name:       "social",
				Indicators: []string{"poverty_rate", "pct_over_65"},
				Retention:  model.RetentionPolicy{Method: model.RetentionReject},
				Fallback: &model.FallbackPolicy{
					Weights: map[string]float64{"poverty_rate": 0.6, "pct_over_65": 0.4},
				},
			},
		},
		Composite: model.CompositePolicy{
			Weights: map[string]float64{"flood": 0.6, "social": 0.4},
		},
	}
}

func TestRun_EndToEnd(t *testing.T) {
	res, err := Run(context.Background(), fixtureTable(), fixturePolicy())
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	require.Len(t, res.Domains, 2)

	flood := res.Domains[0]
	assert.Equal(t, "flood", flood.Name)
	assert.Equal(t, MethodPCA, flood.Method)
	require.NotNil(t, flood.PCA)
	assert.Len(t, flood.Index, 5)

	social := res.Domains[1]
	assert.Equal(t, "social", social.Name)
	assert.Equal(t, MethodWeightedSum, social.Method)
	assert.Len(t, social.Index, 5)

	// Weighted-sum output is bounded.
	for u, v := range social.Index {
		assert.GreaterOrEqual(t, v, 0.0, u)
		assert.LessOrEqual(t, v, 1.0, u)
	}
	// Composite is bounded and covers all units.
	require.Len(t, res.Composite, 5)
	for u, v := range res.Composite {
		assert.GreaterOrEqual(t, v, 0.0, u)
		assert.LessOrEqual(t, v, 1.0, u)
	}
}

func TestRun_SignAnchorOrientsFloodIndex(t *testing.T) {
	res, err := Run(context.Background(), fixtureTable(), fixturePolicy())
	require.NoError(t, err)

	// elevation negates: the low-lying, well-drained-into tract 48001
	// must score more vulnerable than the high, dry 48002.
	flood := res.Domains[0].Index
	assert.Greater(t, flood["48001"], flood["48002"])
}

func TestRun_Deterministic(t *testing.T) {
	a, err := Run(context.Background(), fixtureTable(), fixturePolicy())
	require.NoError(t, err)
	b, err := Run(context.Background(), fixtureTable(), fixturePolicy())
	require.NoError(t, err)

	for u, v := range a.Composite {
		assert.InDelta(t, v, b.Composite[u], 1e-12, u)
	}
}

func TestRun_InvalidPolicy(t *testing.T) {
	p := fixturePolicy()
	p.Composite.Weights = map[string]float64{"flood": 1}

	_, err := Run(context.Background(), fixtureTable(), p)
	assert.Error(t, err)
}

func TestRun_MissingIndicatorFailsDomain(t *testing.T) {
	p := fixturePolicy()
	p.Domains[0].Indicators = []string{"elevation", "slope"}
	p.Domains[0].SignAnchor = ""

	_, err := Run(context.Background(), fixtureTable(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slope")
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, fixtureTable(), fixturePolicy())
	assert.Error(t, err)
}

func TestRunResult_Table(t *testing.T) {
	res, err := Run(context.Background(), fixtureTable(), fixturePolicy())
	require.NoError(t, err)

	header, rows := res.Table()
	assert.Equal(t, []string{"unit_id", "flood", "social", "composite_index"}, header)
	require.Len(t, rows, 5)
	// Units sorted by ID.
	assert.Equal(t, "48001", rows[0][0])
	assert.Equal(t, "48005", rows[4][0])
	for _, row := range rows {
		assert.Len(t, row, 4)
	}
}
