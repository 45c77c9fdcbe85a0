package workflow

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vendcash/collections_backend/config"
	"github.com/vendcash/collections_backend/models"
	"github.com/xuri/excelize/v2"
)

func buildWorkbook(t *testing.T, rows [][]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Machine", "Collected At", "Amount", "Latitude", "Longitude", "Notes"}))
	for i, row := range rows {
		cellName, err := excelize.CoordinatesToCellName(1, i+2)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cellName, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func TestParseCollectionSheet(t *testing.T) {
	buf := buildWorkbook(t, [][]any{
		{"YGN-001", "2024-03-14 08:30", "125,000", "16.8409", "96.1735", "morning run"},
		{"YGN-002", "2024-03-14T10:00:00+06:30", "", "", "", ""},
		{"", "", "", "", "", ""},
		{"", "2024-03-14", "1", "", "", ""},
		{"YGN-003", "last tuesday", "", "", "", ""},
		{"YGN-004", "2024-03-14", "lots", "", "", ""},
	})

	rows, errs, err := ParseCollectionSheet(buf, "", time.UTC)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 2, rows[0].Row)
	assert.Equal(t, "YGN-001", rows[0].Item.MachineCode)
	assert.Equal(t, time.Date(2024, 3, 14, 8, 30, 0, 0, time.UTC), rows[0].Item.CollectedAt)
	require.NotNil(t, rows[0].Item.Amount)
	assert.Equal(t, "125000", rows[0].Item.Amount.String())
	require.NotNil(t, rows[0].Item.Latitude)
	assert.InDelta(t, 16.8409, *rows[0].Item.Latitude, 1e-9)
	assert.Equal(t, "morning run", rows[0].Item.Notes)

	assert.Equal(t, 3, rows[1].Row)
	assert.Equal(t, time.Date(2024, 3, 14, 3, 30, 0, 0, time.UTC), rows[1].Item.CollectedAt)
	assert.Nil(t, rows[1].Item.Amount)

	require.Len(t, errs, 3)
	assert.Equal(t, 5, errs[0].Row)
	assert.Contains(t, errs[0].Message, "machine code")
	assert.Equal(t, 6, errs[1].Row)
	assert.Equal(t, 7, errs[2].Row)
}

func TestParseSheetTimeExcelSerial(t *testing.T) {
	yangon := time.FixedZone("MMT", 6*3600+1800)
	// 45365.5 is 2024-03-14 12:00 in the 1900 date system
	got, err := parseSheetTime("45365.5", yangon)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 14, 5, 30, 0, 0, time.UTC), got)
}

func TestImportSheetKeepsRowNumbers(t *testing.T) {
	settings := config.DefaultCollectionSettings()
	settings.MaxBulkCreate = 2
	f := newFixture(t, WithSettings(settings))

	rows := []SheetRow{
		{Row: 2, Item: BulkCreateItem{MachineCode: "YGN-001", CollectedAt: testNow.Add(-72 * time.Hour)}},
		{Row: 3, Item: BulkCreateItem{MachineCode: "NOPE", CollectedAt: testNow.Add(-48 * time.Hour)}},
		{Row: 5, Item: BulkCreateItem{MachineCode: "YGN-002", CollectedAt: testNow.Add(-24 * time.Hour), Amount: nil}},
	}
	result, err := f.wf.ImportSheet(context.Background(), rows, []RowError{{Row: 4, Message: "bad date"}}, "op-9", false)
	require.NoError(t, err)

	assert.Equal(t, 4, result.Rows)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, 4, result.Errors[0].Row)
	assert.Equal(t, 3, result.Errors[1].Row)
	assert.Equal(t, 2, f.store.resolveCalls)

	pending, err := f.wf.FindPending(context.Background())
	require.NoError(t, err)
	for _, c := range pending {
		assert.Equal(t, models.CollectionSourceExcelImport, c.Source)
		assert.Equal(t, "op-9", c.OperatorId)
	}
}
