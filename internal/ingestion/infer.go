package ingestion

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// ColumnType is the PostgreSQL type a column is created with.
type ColumnType string

const (
	TypeBigInt    ColumnType = "BIGINT"
	TypeDouble    ColumnType = "DOUBLE PRECISION"
	TypeBoolean   ColumnType = "BOOLEAN"
	TypeTimestamp ColumnType = "TIMESTAMPTZ"
	TypeText      ColumnType = "TEXT"
)

// DefaultInferSampleRows is how many rows type inference looks at.
const DefaultInferSampleRows = 1000

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// IsNull reports whether a cell is stored as NULL: empty, or a NaN marker.
func IsNull(cell string) bool {
	switch strings.TrimSpace(cell) {
	case "", "NaN", "nan", "NAN":
		return true
	}

	return false
}

// InferColumnTypes picks a type per column from the first sampleRows rows. Null cells
// are ignored; a column with no non-null sample is TEXT. Rows after the sample are
// not checked, so a later cell may not fit the inferred type.
func InferColumnTypes(table *Table, sampleRows int) []ColumnType {
	if sampleRows <= 0 || sampleRows > len(table.Rows) {
		sampleRows = len(table.Rows)
	}

	types := make([]ColumnType, len(table.Columns))

	for col := range table.Columns {
		types[col] = inferColumn(table.Rows[:sampleRows], col)
	}

	return types
}

func inferColumn(rows [][]string, col int) ColumnType {
	isInt, isFloat, isBool, isTime := true, true, true, true
	seen := false

	for _, row := range rows {
		cell := strings.TrimSpace(row[col])
		if IsNull(cell) {
			continue
		}

		seen = true

		if isInt {
			_, err := strconv.ParseInt(cell, 10, 64)
			isInt = err == nil
		}

		if isFloat {
			f, err := strconv.ParseFloat(cell, 64)
			isFloat = err == nil && !math.IsInf(f, 0) && !math.IsNaN(f)
		}

		if isBool {
			isBool = parseBool(cell)
		}

		if isTime {
			isTime = parseTimestamp(cell)
		}

		if !isInt && !isFloat && !isBool && !isTime {
			return TypeText
		}
	}

	switch {
	case !seen:
		return TypeText
	case isInt:
		return TypeBigInt
	case isFloat:
		return TypeDouble
	case isBool:
		return TypeBoolean
	case isTime:
		return TypeTimestamp
	default:
		return TypeText
	}
}

func parseBool(cell string) bool {
	switch strings.ToLower(cell) {
	case "true", "false":
		return true
	}

	return false
}

func parseTimestamp(cell string) bool {
	for _, layout := range timestampLayouts {
		if _, err := time.Parse(layout, cell); err == nil {
			return true
		}
	}

	return false
}
