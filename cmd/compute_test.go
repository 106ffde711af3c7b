package main

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazard-metrics/riskatlas/internal/model"
	"github.com/hazard-metrics/riskatlas/internal/pipeline"
	"github.com/hazard-metrics/riskatlas/internal/store"
)

func newComputeStore(t *testing.T) store.Store {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func sampleRunResult() *pipeline.RunResult {
	return &pipeline.RunResult{
		RunID:      "run-1",
		StartedAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2025, 3, 1, 12, 0, 1, 0, time.UTC),
		Domains: []pipeline.DomainResult{
			{
				Name:   "flood",
				Method: pipeline.MethodPCA,
				Index:  model.DomainIndex{"48001": 0.25, "48002": 0.75},
				PCA: &model.PCAResult{
					Columns:           []string{"elev", "imperv"},
					Loadings:          [][]float64{{0.7, 0.3}},
					VarianceExplained: []float64{0.9},
				},
			},
		},
		Composite: model.DomainIndex{"48001": 0.4, "48002": 0.6},
	}
}

func TestSaveRun(t *testing.T) {
	st := newComputeStore(t)
	ctx := context.Background()

	require.NoError(t, saveRun(ctx, st, sampleRunResult(), "indicators.csv", "policy.yaml"))

	run, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, store.RunStatusComplete, run.Status)
	assert.Empty(t, run.Error)

	scores, err := st.GetScores(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, scores, 4) // 2 units x (flood + composite)

	diags, err := st.GetDiagnostics(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, "flood", diags[0].Domain)
	assert.InDelta(t, 0.9, diags[0].VarianceExplained, 1e-12)
	assert.InDelta(t, 0.7, diags[0].Loadings["elev"], 1e-12)
}

func TestSaveFailedRun(t *testing.T) {
	st := newComputeStore(t)
	ctx := context.Background()

	cause := eris.New("pipeline: flood: correlation matrix is singular")
	require.NoError(t, saveFailedRun(ctx, st, "indicators.csv", "policy.yaml", cause))

	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "singular")
	assert.Equal(t, "indicators.csv", runs[0].IndicatorPath)
}

// failingScoreStore rejects score writes to exercise the partial-save path.
type failingScoreStore struct {
	store.Store
}

func (f *failingScoreStore) SaveScores(context.Context, []store.Score) error {
	return eris.New("sqlite: disk full")
}

func TestSaveRunMarksRunFailedOnPartialSave(t *testing.T) {
	st := newComputeStore(t)
	ctx := context.Background()

	err := saveRun(ctx, &failingScoreStore{Store: st}, sampleRunResult(), "indicators.csv", "policy.yaml")
	require.Error(t, err)

	// The run row stays, flipped to failed with the cause recorded.
	run, getErr := st.GetRun(ctx, "run-1")
	require.NoError(t, getErr)
	require.NotNil(t, run)
	assert.Equal(t, store.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "disk full")
}
