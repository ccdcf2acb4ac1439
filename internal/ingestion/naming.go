package ingestion

import (
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// MaxIdentifierLength is PostgreSQL's identifier limit.
	MaxIdentifierLength = 63

	truncMarker = "_trunc"
)

// NormalizeIdentifier turns a header cell into a safe lower-case column name.
//
//	"Total Sales ($)" → "total_sales"
//	"2024 Q1"         → "c_2024_q1"
//	"  "              → "column"
func NormalizeIdentifier(s string) string {
	name := sanitize(s)
	if name == "" {
		return "column"
	}

	if isDigit(name[0]) {
		name = "c_" + name
	}

	if len(name) > MaxIdentifierLength {
		name = strings.TrimRight(name[:MaxIdentifierLength], "_")
	}

	return name
}

// WithSuffix appends _n to base, shortening base so the result fits an identifier.
func WithSuffix(base string, n int) string {
	suffix := "_" + strconv.Itoa(n)
	if len(base)+len(suffix) > MaxIdentifierLength {
		base = strings.TrimRight(base[:MaxIdentifierLength-len(suffix)], "_")
	}

	return base + suffix
}

// UniqueColumnNames normalizes names and disambiguates repeats as name, name_1, name_2.
func UniqueColumnNames(names []string) []string {
	used := make(map[string]bool, len(names))
	out := make([]string, len(names))

	for i, raw := range names {
		name := NormalizeIdentifier(raw)

		candidate := name
		for n := 1; used[candidate]; n++ {
			candidate = WithSuffix(name, n)
		}

		used[candidate] = true
		out[i] = candidate
	}

	return out
}

// DeriveTableName builds the table name for one sheet of a file. sheet is empty for
// single-sheet formats. Names longer than an identifier are cut and marked with _trunc.
func DeriveTableName(fileName, sheet string) string {
	base := filepath.Base(fileName)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	raw := stem
	if sheet != "" {
		raw = stem + "_" + sheet
	}

	name := sanitize(raw)
	if name == "" {
		name = "table"
	}

	if isDigit(name[0]) {
		name = "t_" + name
	}

	if len(name) <= MaxIdentifierLength {
		return name
	}

	cut := strings.TrimRight(name[:MaxIdentifierLength-len(truncMarker)], "_")

	return cut + truncMarker
}

// sanitize lower-cases s, maps runs of characters outside [a-z0-9] to a single
// underscore and trims underscores at both ends.
func sanitize(s string) string {
	var b strings.Builder

	pending := false

	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}

			b.WriteRune(r)

			pending = false

			continue
		}

		pending = true
	}

	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
