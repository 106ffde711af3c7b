package index

import (
	"github.com/rotisserie/eris"

	"github.com/hazard-metrics/riskatlas/internal/model"
)

// AlignSign fixes the polarity of one component against domain knowledge:
// after alignment the anchor indicator loads positively, or negatively
// when anchorNegates is set (higher raw anchor values mean less
// vulnerable). Scores and loadings flip together, so the result describes
// the same decomposition. The input is not modified.
func AlignSign(domain string, pr *model.PCAResult, component int, anchor string, anchorNegates bool) (*model.PCAResult, error) {
	if component < 0 || component >= pr.Components() {
		return nil, eris.Errorf("index: domain %s: component %d out of range [0, %d)", domain, component, pr.Components())
	}
	anchorIdx := -1
	for j, col := range pr.Columns {
		if col == anchor {
			anchorIdx = j
			break
		}
	}
	if anchorIdx < 0 {
		return nil, &MissingIndicatorError{Domain: domain, Column: anchor}
	}

	loading := pr.Loadings[component][anchorIdx]
	if loading == 0 {
		return nil, eris.Errorf("index: domain %s: anchor %s loads zero on component %d, cannot orient", domain, anchor, component)
	}

	want := 1.0
	if anchorNegates {
		want = -1.0
	}
	if loading*want > 0 {
		return pr, nil
	}

	out := &model.PCAResult{
		Columns:           pr.Columns,
		UnitIDs:           pr.UnitIDs,
		Loadings:          append([][]float64(nil), pr.Loadings...),
		Scores:            append([][]float64(nil), pr.Scores...),
		VarianceExplained: pr.VarianceExplained,
	}
	flippedLoad := make([]float64, len(pr.Loadings[component]))
	for j, v := range pr.Loadings[component] {
		flippedLoad[j] = -v
	}
	flippedScore := make([]float64, len(pr.Scores[component]))
	for i, v := range pr.Scores[component] {
		flippedScore[i] = -v
	}
	out.Loadings[component] = flippedLoad
	out.Scores[component] = flippedScore
	return out, nil
}

// SelectIndex turns a PCA result into a domain index according to the
// recorded retention policy. top_k combines the first K components'
// per-unit scores weighted by each component's share of the retained
// variance (with K=1 this is exactly the first component's score).
// reject returns ErrPolicyReject so the caller falls back to the
// weighted-sum builder; there is no silent default path.
func SelectIndex(domain string, pr *model.PCAResult, policy model.RetentionPolicy) (model.DomainIndex, error) {
	switch policy.Method {
	case model.RetentionReject:
		return nil, ErrPolicyReject

	case model.RetentionTopK:
		k := policy.K
		if k < 1 || k > pr.Components() {
			return nil, eris.Errorf("index: domain %s: top_k k must be in [1, %d], got %d", domain, pr.Components(), k)
		}

		retained := 0.0
		for c := 0; c < k; c++ {
			retained += pr.VarianceExplained[c]
		}

		idx := make(model.DomainIndex, len(pr.UnitIDs))
		for i, u := range pr.UnitIDs {
			var v float64
			for c := 0; c < k; c++ {
				w := 1.0 / float64(k)
				if retained > 0 {
					w = pr.VarianceExplained[c] / retained
				}
				v += w * pr.Scores[c][i]
			}
			idx[u] = v
		}
		return idx, nil

	default:
		return nil, eris.Errorf("index: domain %s: unknown retention method %q", domain, policy.Method)
	}
}
