package ingestion

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedFormat is returned for file extensions the engine cannot read.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrEmptySheet is returned when a sheet has no non-empty row to use as header.
	ErrEmptySheet = errors.New("sheet has no header row")
)

// Format is a supported upload file format.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
)

// SupportedExtensions lists the accepted upload extensions, lower-case with dot.
var SupportedExtensions = []string{".csv", ".tsv", ".xlsx", ".xlsm"}

// Table is one sheet in memory: normalized, unique column names and rows padded to
// the column count.
type Table struct {
	Columns []string
	Rows    [][]string
}

// DetectFormat maps a file extension to its Format.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".csv":
		return FormatCSV, nil
	case ".tsv":
		return FormatTSV, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// ListSheets returns the sheet names of a workbook. Delimited text files have one
// unnamed sheet, reported as "".
func ListSheets(path string) ([]string, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	if format != FormatXLSX {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
		}

		return []string{""}, nil
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	return f.GetSheetList(), nil
}

// ReadSheet loads one sheet. sheet is ignored for delimited text files.
func ReadSheet(path, sheet string) (*Table, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	var records [][]string

	switch format {
	case FormatXLSX:
		records, err = readWorkbookSheet(path, sheet)
	case FormatTSV:
		records, err = readDelimited(path, '\t')
	default:
		records, err = readDelimited(path, ',')
	}

	if err != nil {
		return nil, err
	}

	return buildTable(records)
}

func readWorkbookSheet(path, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}

	return rows, nil
}

func readDelimited(path string, comma rune) ([][]string, error) {
	file, err := os.Open(path) //nolint:gosec // path comes from the job's staging directory
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var records [][]string

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}

		records = append(records, record)
	}

	if len(records) > 0 && len(records[0]) > 0 {
		records[0][0] = strings.TrimPrefix(records[0][0], "\ufeff")
	}

	return records, nil
}

// buildTable takes the first non-empty record as the header. Fully empty records are
// dropped, short rows padded, and the header widened with column_N names when a data
// row is longer than it.
func buildTable(records [][]string) (*Table, error) {
	headerIdx := -1

	for i, record := range records {
		if !isEmptyRecord(record) {
			headerIdx = i

			break
		}
	}

	if headerIdx < 0 {
		return nil, ErrEmptySheet
	}

	header := append([]string(nil), records[headerIdx]...)

	var rows [][]string

	for _, record := range records[headerIdx+1:] {
		if isEmptyRecord(record) {
			continue
		}

		rows = append(rows, record)

		for len(header) < len(record) {
			header = append(header, "column_"+strconv.Itoa(len(header)+1))
		}
	}

	width := len(header)

	for i, row := range rows {
		if len(row) < width {
			padded := make([]string, width)
			copy(padded, row)
			rows[i] = padded
		}
	}

	return &Table{Columns: UniqueColumnNames(header), Rows: rows}, nil
}

func isEmptyRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}

	return true
}
