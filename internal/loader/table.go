// Package loader reads indicator tables from CSV and XLSX files. The
// loaders enforce the core's input contract: a stable string unit
// identifier per row and a numeric value for every indicator column, with
// no blanks. Missing-value handling happens before the data gets here.
package loader

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/hazard-metrics/riskatlas/internal/model"
)

// buildTable assembles an IndicatorTable from a header and string
// records, pulling the unit key from idColumn.
func buildTable(header []string, records [][]string, idColumn string) (model.IndicatorTable, error) {
	idIdx := -1
	for i, name := range header {
		if name == idColumn {
			idIdx = i
			break
		}
	}
	if idIdx < 0 {
		return model.IndicatorTable{}, eris.Errorf("loader: id column %s not found in header", idColumn)
	}

	columns := make([]string, 0, len(header)-1)
	for i, name := range header {
		if i == idIdx {
			continue
		}
		if name == "" {
			return model.IndicatorTable{}, eris.Errorf("loader: empty column name at position %d", i)
		}
		columns = append(columns, name)
	}
	if len(columns) == 0 {
		return model.IndicatorTable{}, eris.New("loader: no indicator columns besides the id column")
	}

	out := model.IndicatorTable{
		Columns: columns,
		Rows:    make(map[string]map[string]float64, len(records)),
	}
	for rowNum, rec := range records {
		if len(rec) != len(header) {
			return model.IndicatorTable{}, eris.Errorf("loader: row %d has %d fields, header has %d", rowNum+2, len(rec), len(header))
		}
		id := strings.TrimSpace(rec[idIdx])
		if id == "" {
			return model.IndicatorTable{}, eris.Errorf("loader: row %d has empty unit id", rowNum+2)
		}
		if _, dup := out.Rows[id]; dup {
			return model.IndicatorTable{}, eris.Errorf("loader: duplicate unit id %s at row %d", id, rowNum+2)
		}

		values := make(map[string]float64, len(columns))
		col := 0
		for i, field := range rec {
			if i == idIdx {
				continue
			}
			v, err := parseValue(field)
			if err != nil {
				return model.IndicatorTable{}, eris.Wrapf(err, "loader: row %d column %s", rowNum+2, columns[col])
			}
			values[columns[col]] = v
			col++
		}
		out.Rows[id] = values
	}

	if len(out.Rows) == 0 {
		return model.IndicatorTable{}, eris.New("loader: no data rows")
	}
	return out, nil
}

func parseValue(field string) (float64, error) {
	s := strings.TrimSpace(field)
	if s == "" {
		return 0, eris.New("missing value")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Errorf("non-numeric value %q", s)
	}
	return v, nil
}
