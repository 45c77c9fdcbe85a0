package workflow

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vendcash/collections_backend/models"
	"github.com/xuri/excelize/v2"
)

// Spreadsheet columns, left to right. Row 1 is a header and is skipped.
const (
	colMachineCode = iota
	colCollectedAt
	colAmount
	colLatitude
	colLongitude
	colNotes
)

var sheetTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// SheetRow is one parsed spreadsheet row and the row number it came from.
type SheetRow struct {
	Row  int
	Item BulkCreateItem
}

type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

type ImportResult struct {
	Rows    int        `json:"rows"`
	Created int        `json:"created"`
	Failed  int        `json:"failed"`
	Errors  []RowError `json:"errors"`
}

// ParseCollectionSheet reads collection rows from an xlsx workbook. Rows that cannot
// be parsed are returned as RowErrors; blank rows are ignored. An empty sheet name
// selects the first sheet. Timestamps without a zone are read in loc.
func ParseCollectionSheet(r io.Reader, sheet string, loc *time.Location) ([]SheetRow, []RowError, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if loc == nil {
		loc = time.UTC
	}

	var (
		parsed []SheetRow
		errs   []RowError
	)
	for i, cells := range rows {
		rowNo := i + 1
		if rowNo == 1 || isBlankRow(cells) {
			continue
		}
		item, err := parseSheetRow(cells, loc)
		if err != nil {
			errs = append(errs, RowError{Row: rowNo, Message: err.Error()})
			continue
		}
		parsed = append(parsed, SheetRow{Row: rowNo, Item: item})
	}
	return parsed, errs, nil
}

func isBlankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func cell(cells []string, col int) string {
	if col >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[col])
}

func parseSheetRow(cells []string, loc *time.Location) (BulkCreateItem, error) {
	item := BulkCreateItem{
		MachineCode: cell(cells, colMachineCode),
		Notes:       cell(cells, colNotes),
	}
	if item.MachineCode == "" {
		return item, models.NewValidationError("machine code is required")
	}

	collectedAt, err := parseSheetTime(cell(cells, colCollectedAt), loc)
	if err != nil {
		return item, err
	}
	item.CollectedAt = collectedAt

	if v := cell(cells, colAmount); v != "" {
		amount, err := decimal.NewFromString(strings.ReplaceAll(v, ",", ""))
		if err != nil {
			return item, models.NewValidationError("amount %q is not a number", v)
		}
		item.Amount = &amount
	}
	if item.Latitude, err = parseSheetFloat(cell(cells, colLatitude), "latitude"); err != nil {
		return item, err
	}
	if item.Longitude, err = parseSheetFloat(cell(cells, colLongitude), "longitude"); err != nil {
		return item, err
	}
	return item, nil
}

// parseSheetTime accepts an Excel serial date or one of sheetTimeLayouts.
func parseSheetTime(v string, loc *time.Location) (time.Time, error) {
	if v == "" {
		return time.Time{}, models.NewValidationError("collected at is required")
	}
	if serial, err := strconv.ParseFloat(v, 64); err == nil {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return time.Time{}, models.NewValidationError("collected at %q: %v", v, err)
		}
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc).UTC(), nil
	}
	for _, layout := range sheetTimeLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, models.NewValidationError("collected at %q is not a recognised date", v)
}

func parseSheetFloat(v, name string) (*float64, error) {
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, models.NewValidationError("%s %q is not a number", name, v)
	}
	return &f, nil
}

// ImportSheet bulk-creates the parsed rows as excel_import collections in batches
// of at most MaxBulkCreate. Row numbers are carried through to the errors.
func (w *CollectionWorkflow) ImportSheet(ctx context.Context, rows []SheetRow, parseErrors []RowError, operatorId string, checkDuplicates bool) (*ImportResult, error) {
	result := &ImportResult{
		Rows:   len(rows) + len(parseErrors),
		Failed: len(parseErrors),
		Errors: append([]RowError{}, parseErrors...),
	}

	batchSize := w.settings.MaxBulkCreate
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		batch := rows[start:end]
		items := make([]BulkCreateItem, len(batch))
		for i, row := range batch {
			items[i] = row.Item
		}

		res, err := w.BulkCreate(ctx, BulkCreateInput{
			Items:           items,
			OperatorId:      operatorId,
			Source:          models.CollectionSourceExcelImport,
			CheckDuplicates: checkDuplicates,
		})
		if err != nil {
			return result, fmt.Errorf("rows %d-%d: %w", batch[0].Row, batch[len(batch)-1].Row, err)
		}
		result.Created += res.Created
		result.Failed += res.Failed
		for _, e := range res.Errors {
			if e.Index != nil {
				result.Errors = append(result.Errors, RowError{Row: batch[*e.Index].Row, Message: e.Message})
			}
		}
	}
	return result, nil
}
