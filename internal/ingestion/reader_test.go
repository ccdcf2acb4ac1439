package ingestion

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

// writeWorkbook creates an xlsx file with one sheet per entry, in order.
func writeWorkbook(t *testing.T, name string, sheets []string, rows map[string][][]any) string {
	t.Helper()

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	for i, sheet := range sheets {
		if i == 0 {
			require.NoError(t, f.SetSheetName("Sheet1", sheet))
		} else {
			_, err := f.NewSheet(sheet)
			require.NoError(t, err)
		}

		for r, row := range rows[sheet] {
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetSheetRow(sheet, cell, &row))
		}
	}

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, f.SaveAs(path))

	return path
}

func TestDetectFormat(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"a.xlsx", FormatXLSX, false},
		{"a.XLSM", FormatXLSX, false},
		{"a.csv", FormatCSV, false},
		{"a.tsv", FormatTSV, false},
		{"a.xls", "", true},
		{"a.pdf", "", true},
		{"noext", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := DetectFormat(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadSheet_CSV(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := writeFile(t, "people.csv", "\ufeffName,Age,Name\n\nalice,30,a\n,,\nbob\ncarol,41,c,extra\n")

	table, err := ReadSheet(path, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"name", "age", "name_1", "column_4"}, table.Columns)
	assert.Equal(t, [][]string{
		{"alice", "30", "a", ""},
		{"bob", "", "", ""},
		{"carol", "41", "c", "extra"},
	}, table.Rows)
}

func TestReadSheet_TSV(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := writeFile(t, "scores.tsv", "team\tscore\nred\t3\nblue\t5\n")

	table, err := ReadSheet(path, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"team", "score"}, table.Columns)
	assert.Len(t, table.Rows, 2)
}

func TestReadSheet_HeaderAfterBlankRows(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := writeFile(t, "late.csv", ",,\n,,\nid,value\n1,x\n")

	table, err := ReadSheet(path, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "value"}, table.Columns)
	assert.Equal(t, [][]string{{"1", "x"}}, table.Rows)
}

func TestReadSheet_Empty(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := ReadSheet(writeFile(t, "empty.csv", "\n\n"), "")
	assert.ErrorIs(t, err, ErrEmptySheet)
}

func TestListSheets(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	csvSheets, err := ListSheets(writeFile(t, "a.csv", "x\n1\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{""}, csvSheets)

	_, err = ListSheets(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)

	_, err = ListSheets(writeFile(t, "a.docx", "x"))
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	book := writeWorkbook(t, "book.xlsx", []string{"Sales", "Costs"}, nil)

	sheets, err := ListSheets(book)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sales", "Costs"}, sheets)
}

func TestReadSheet_Workbook(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	book := writeWorkbook(t, "book.xlsx", []string{"Sales"}, map[string][][]any{
		"Sales": {
			{"Region", "Amount"},
			{"north", 10},
			{"south", 12.5},
		},
	})

	table, err := ReadSheet(book, "Sales")
	require.NoError(t, err)

	assert.Equal(t, []string{"region", "amount"}, table.Columns)
	assert.Equal(t, [][]string{{"north", "10"}, {"south", "12.5"}}, table.Rows)
}

func TestReadSheet_CorruptWorkbook(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := ReadSheet(writeFile(t, "broken.xlsx", "not a zip"), "Sheet1")
	assert.Error(t, err)
}
