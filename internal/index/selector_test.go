package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazard-metrics/riskatlas/internal/model"
)

func twoComponentResult() *model.PCAResult {
	return &model.PCAResult{
		Columns:           []string{"a", "b"},
		UnitIDs:           []string{"u1", "u2", "u3"},
		Loadings:          [][]float64{{0.7, 0.7}, {0.7, -0.7}},
		Scores:            [][]float64{{-1.4, 0.7, 0.7}, {0.0, -0.7, 0.7}},
		VarianceExplained: []float64{0.75, 0.25},
	}
}

func TestSelectIndex_Top1IsFirstComponent(t *testing.T) {
	pr := twoComponentResult()

	idx, err := SelectIndex("d", pr, model.RetentionPolicy{Method: model.RetentionTopK, K: 1})
	require.NoError(t, err)

	assert.InDelta(t, -1.4, idx["u1"], 1e-12)
	assert.InDelta(t, 0.7, idx["u2"], 1e-12)
	assert.InDelta(t, 0.7, idx["u3"], 1e-12)
}

func TestSelectIndex_Top2VarianceWeighted(t *testing.T) {
	pr := twoComponentResult()

	idx, err := SelectIndex("d", pr, model.RetentionPolicy{Method: model.RetentionTopK, K: 2})
	require.NoError(t, err)

	// Retained variance is 1.0, so the combination weights are the
	// variance-explained shares themselves.
	assert.InDelta(t, 0.75*-1.4+0.25*0.0, idx["u1"], 1e-12)
	assert.InDelta(t, 0.75*0.7+0.25*-0.7, idx["u2"], 1e-12)
	assert.InDelta(t, 0.75*0.7+0.25*0.7, idx["u3"], 1e-12)
}

func TestSelectIndex_Reject(t *testing.T) {
	_, err := SelectIndex("d", twoComponentResult(), model.RetentionPolicy{Method: model.RetentionReject})
	assert.ErrorIs(t, err, ErrPolicyReject)
}

func TestSelectIndex_KOutOfRange(t *testing.T) {
	pr := twoComponentResult()

	_, err := SelectIndex("d", pr, model.RetentionPolicy{Method: model.RetentionTopK, K: 0})
	assert.Error(t, err)

	_, err = SelectIndex("d", pr, model.RetentionPolicy{Method: model.RetentionTopK, K: 3})
	assert.Error(t, err)
}

func TestSelectIndex_UnknownMethod(t *testing.T) {
	_, err := SelectIndex("d", twoComponentResult(), model.RetentionPolicy{Method: "elbow"})
	assert.Error(t, err)
}
