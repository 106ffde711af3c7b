// Package model defines the per-run data model for the index pipeline:
// indicator tables keyed by unit ID, standardized tables, PCA results,
// and domain/composite indices. All values are created once per run and
// passed forward; nothing mutates an upstream table.
package model

import "sort"

// IndicatorTable holds raw indicator values for a set of areal units.
// Rows map unit_id -> column -> value. Every unit carries a value for
// every column in Columns; the loaders reject partial rows, so the core
// never sees missing values.
type IndicatorTable struct {
	Columns []string                      `json:"columns"`
	Rows    map[string]map[string]float64 `json:"rows"`
}

// UnitIDs returns the unit identifiers in sorted order. Sorting here is
// what makes matrix construction and component tie-breaking deterministic.
func (t IndicatorTable) UnitIDs() []string {
	ids := make([]string, 0, len(t.Rows))
	for id := range t.Rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasColumn reports whether name is one of the table's indicator columns.
func (t IndicatorTable) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Column returns the named column's values in the order of unitIDs.
func (t IndicatorTable) Column(name string, unitIDs []string) []float64 {
	vals := make([]float64, len(unitIDs))
	for i, id := range unitIDs {
		vals[i] = t.Rows[id][name]
	}
	return vals
}

// StandardizedTable has the same shape as IndicatorTable but holds
// z-scored values: every non-degenerate column has mean 0 and unit sample
// standard deviation, and degenerate columns are all zeros.
type StandardizedTable struct {
	Columns []string                      `json:"columns"`
	Rows    map[string]map[string]float64 `json:"rows"`
}

// UnitIDs returns the unit identifiers in sorted order.
func (t StandardizedTable) UnitIDs() []string {
	ids := make([]string, 0, len(t.Rows))
	for id := range t.Rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasColumn reports whether name is one of the table's columns.
func (t StandardizedTable) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// PCAResult holds the output of a principal component analysis over a
// standardized table. Components are ordered by non-increasing variance
// explained. Component signs are whatever the factorization produced;
// callers that need a fixed polarity apply index.AlignSign.
type PCAResult struct {
	// Columns is the indicator order of each loading vector.
	Columns []string `json:"columns"`
	// UnitIDs is the unit order of each score vector.
	UnitIDs []string `json:"unit_ids"`
	// Loadings[c][j] is the coefficient of Columns[j] in component c.
	Loadings [][]float64 `json:"loadings"`
	// Scores[c][i] is the score of UnitIDs[i] on component c.
	Scores [][]float64 `json:"scores"`
	// VarianceExplained[c] is component c's share of total variance.
	// Shares are non-negative and sum to 1.
	VarianceExplained []float64 `json:"variance_explained"`
}

// Components returns the number of components in the result.
func (r *PCAResult) Components() int {
	return len(r.VarianceExplained)
}

// DomainIndex maps unit_id to a single scalar index value, either a
// selected component score or a weighted-sum fallback, and after the
// composite step the blended composite value.
type DomainIndex map[string]float64
