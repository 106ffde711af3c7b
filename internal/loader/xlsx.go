package loader

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/hazard-metrics/riskatlas/internal/model"
)

// FromXLSX reads an indicator table from an XLSX workbook. sheetName
// selects a sheet by name; empty means the first sheet. The sheet's
// first row is the header.
func FromXLSX(path, sheetName, idColumn string) (model.IndicatorTable, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return model.IndicatorTable{}, eris.Wrapf(err, "loader: open %s", path)
	}

	sheet, err := pickSheet(f, sheetName)
	if err != nil {
		return model.IndicatorTable{}, err
	}
	if len(sheet.Rows) < 2 {
		return model.IndicatorTable{}, eris.Errorf("loader: sheet %s has no data rows", sheet.Name)
	}

	header := rowToStrings(sheet.Rows[0])
	records := make([][]string, 0, len(sheet.Rows)-1)
	for _, row := range sheet.Rows[1:] {
		rec := rowToStrings(row)
		// Pad short rows so blank trailing cells surface as missing
		// values rather than a field-count mismatch.
		for len(rec) < len(header) {
			rec = append(rec, "")
		}
		records = append(records, rec)
	}

	return buildTable(header, records, idColumn)
}

func pickSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name == "" {
		if len(f.Sheets) == 0 {
			return nil, eris.New("loader: workbook has no sheets")
		}
		return f.Sheets[0], nil
	}
	sheet, ok := f.Sheet[name]
	if !ok {
		return nil, eris.Errorf("loader: sheet %s not found", name)
	}
	return sheet, nil
}

func rowToStrings(row *xlsx.Row) []string {
	out := make([]string, len(row.Cells))
	for i, cell := range row.Cells {
		out[i] = cell.String()
	}
	return out
}
