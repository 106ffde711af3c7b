package loader

import (
	"encoding/csv"
	"io"
	"os"

	"github.com/rotisserie/eris"

	"github.com/hazard-metrics/riskatlas/internal/model"
)

// FromCSV reads an indicator table from a CSV file. The first row is the
// header; idColumn names the unit identifier column.
func FromCSV(path, idColumn string) (model.IndicatorTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.IndicatorTable{}, eris.Wrapf(err, "loader: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	return ReadCSV(f, idColumn)
}

// ReadCSV parses CSV indicator data from a reader.
func ReadCSV(r io.Reader, idColumn string) (model.IndicatorTable, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return model.IndicatorTable{}, eris.Wrap(err, "loader: read csv header")
	}

	var records [][]string
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.IndicatorTable{}, eris.Wrap(err, "loader: read csv row")
		}
		records = append(records, rec)
	}

	return buildTable(header, records, idColumn)
}
