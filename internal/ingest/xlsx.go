package ingest

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/entity-resolver/internal/model"
)

// ReadXLSX reads a spreadsheet export. The first row of the sheet is the
// header.
func ReadXLSX(ctx context.Context, path string, opts Options) ([]model.Observation, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	sheet, err := getSheet(f, opts.SheetName)
	if err != nil {
		return nil, err
	}
	if len(sheet.Rows) == 0 {
		return nil, nil
	}

	header := cleanHeader(rowToStrings(sheet.Rows[0]))
	var out []model.Observation
	for _, row := range sheet.Rows[1:] {
		if ctx.Err() != nil {
			return out, eris.Wrap(ctx.Err(), "xlsx: context cancelled")
		}
		if obs, ok := observation(record(header, rowToStrings(row)), opts); ok {
			out = append(out, obs)
		}
	}
	return out, nil
}

func getSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: file has no sheets")
	}
	return f.Sheets[0], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
