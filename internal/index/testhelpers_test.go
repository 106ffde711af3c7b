package index

import "github.com/hazard-metrics/riskatlas/internal/model"

// tbl builds an IndicatorTable from per-unit value slices aligned with
// columns.
func tbl(columns []string, rows map[string][]float64) model.IndicatorTable {
	t := model.IndicatorTable{
		Columns: columns,
		Rows:    make(map[string]map[string]float64, len(rows)),
	}
	for unit, vals := range rows {
		r := make(map[string]float64, len(columns))
		for i, col := range columns {
			r[col] = vals[i]
		}
		t.Rows[unit] = r
	}
	return t
}
