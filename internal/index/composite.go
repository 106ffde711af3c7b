package index

import (
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hazard-metrics/riskatlas/internal/model"
)

// compositeName labels the composite step in errors and logs.
const compositeName = "composite"

// Composite blends already-computed domain indices into one composite
// index: each domain index is min-max normalized across all units and the
// results are combined with the supplied importance weights. No
// orientation flags apply because domain indices are already "higher is
// more vulnerable" by construction.
//
// Every index must cover exactly the same unit set; a unit missing from
// any index yields UnitMismatchError. A constant domain index cannot be
// min-max normalized; it contributes the midpoint 0.5 for every unit (a
// constant index ranks nothing) and the degeneracy is logged.
func Composite(indices map[string]model.DomainIndex, weights map[string]float64) (model.DomainIndex, error) {
	if err := checkWeights(compositeName, weights); err != nil {
		return nil, err
	}
	for name := range weights {
		if _, ok := indices[name]; !ok {
			return nil, eris.Errorf("index: composite: weight for unknown domain %s", name)
		}
	}
	for name := range indices {
		if _, ok := weights[name]; !ok {
			return nil, eris.Errorf("index: composite: domain %s has no weight", name)
		}
	}

	// Aligned unit set: every unit present anywhere must be present
	// everywhere.
	unitSet := make(map[string]bool)
	for _, idx := range indices {
		for u := range idx {
			unitSet[u] = true
		}
	}
	if len(unitSet) == 0 {
		return nil, eris.New("index: composite: no units in any domain index")
	}
	names := make([]string, 0, len(indices))
	for name := range indices {
		names = append(names, name)
	}
	sort.Strings(names)

	units := make([]string, 0, len(unitSet))
	for u := range unitSet {
		units = append(units, u)
	}
	sort.Strings(units)

	for _, name := range names {
		idx := indices[name]
		for _, u := range units {
			if _, ok := idx[u]; !ok {
				return nil, &UnitMismatchError{Domain: name, UnitID: u}
			}
		}
	}

	out := make(model.DomainIndex, len(units))
	for _, name := range names {
		idx := indices[name]
		vals := make([]float64, len(units))
		for i, u := range units {
			vals[i] = idx[u]
		}

		norm, err := minMaxColumn(compositeName, name, vals)
		if err != nil {
			// Constant domain index: contribute the midpoint.
			zap.L().Warn("index: constant domain index contributes midpoint to composite",
				zap.String("domain", name),
				zap.Float64("value", vals[0]),
			)
			norm = make([]float64, len(units))
			for i := range norm {
				norm[i] = 0.5
			}
		}

		w := weights[name]
		for i, u := range units {
			out[u] += w * norm[i]
		}
	}

	return out, nil
}
