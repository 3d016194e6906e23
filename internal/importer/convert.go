package importer

// convert.go coerces raw cell strings into typed values for the normalized
// payload. It handles the messy reality of operator-provided files:
//
//   - multiple date formats (US, EU, ISO) including 2-digit years
//   - currency symbols, thousands separators, accounting negatives
//   - various boolean spellings (yes/no, true/false, 1/0)
//
// All Coerce* functions return ok=false for empty or unparseable input; the
// caller keeps the raw string in that case.

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// numericRegex validates numeric format after cleanup: integers, decimals,
// and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted. Years that
// would land more than this many years in the future are pushed back a
// century.
var TwoDigitYearPivot = 20

var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006",
		"20060102",
	}
)

// CoerceDate parses a date in any supported layout.
func CoerceDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	// 4-digit year layouts first; they are unambiguous.
	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t, true
		}
	}

	return time.Time{}, false
}

// CoerceNumber parses a number, tolerating currency symbols, thousands
// separators, and accounting-style negatives like "(123.45)".
func CoerceNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	isNegative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		isNegative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, "€", "") // euro
	s = strings.ReplaceAll(s, "£", "") // pound
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	if isNegative {
		s = "-" + s
	}

	if !numericRegex.MatchString(s) {
		return 0, false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// CoerceBool parses common boolean spellings.
func CoerceBool(s string) (bool, bool) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "true", "t", "yes", "y":
		return true, true
	case "false", "f", "no", "n":
		return false, true
	default:
		return false, false
	}
}

// CleanCell strips whitespace, surrounding quotes, a UTF-8 BOM, and Excel
// formula prefixes (="value") from a raw cell.
func CleanCell(s string) string {
	s = strings.TrimPrefix(s, "\uFEFF")
	s = strings.TrimSpace(s)

	// Excel sometimes exports cells as ="value" to force text typing.
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) && len(s) >= 3 {
		s = s[2 : len(s)-1]
	}

	return strings.TrimSpace(s)
}
