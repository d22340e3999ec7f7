package ingest

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrBadAmount means the value could not be read as a money amount.
var ErrBadAmount = errors.New("could not parse amount")

// ParseAmount reads a money amount in either EU ("1.234,56") or US
// ("1,234.56") notation. When both separators appear, the rightmost one is
// the decimal separator. A lone comma followed by one or two digits is a
// decimal comma; any other lone comma groups thousands.
func ParseAmount(raw string) (decimal.Decimal, error) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) || r == '.' || r == ',' || r == '-' {
			return r
		}
		return -1
	}, raw)
	if cleaned == "" {
		return decimal.Zero, ErrBadAmount
	}

	lastDot := strings.LastIndexByte(cleaned, '.')
	lastComma := strings.LastIndexByte(cleaned, ',')

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			// EU: dot groups, comma decimal
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			// US: comma groups, dot decimal
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case lastComma >= 0:
		decimals := len(cleaned) - lastComma - 1
		if decimals >= 1 && decimals <= 2 && strings.Count(cleaned, ",") == 1 {
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case lastDot >= 0:
		decimals := len(cleaned) - lastDot - 1
		if decimals >= 1 && decimals <= 2 && strings.Count(cleaned, ".") == 1 {
			// already decimal notation
		} else {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
		}
	}

	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, ErrBadAmount
	}
	return amount, nil
}

// dateFormats are tried in order.
var dateFormats = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"01/02/2006",
	"02-01-2006",
	"2006/01/02",
	"02.01.06",
}

// spreadsheetEpoch is day zero of the spreadsheet serial date system.
var spreadsheetEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// ParseDate reads a date in one of the fixed formats, or as a spreadsheet
// serial number (days since 1899-12-30) when the value is numeric and in
// (10000, 100000). Unparseable values yield nil, never an error.
func ParseDate(raw string) *time.Time {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	for _, format := range dateFormats {
		if parsed, err := time.Parse(format, trimmed); err == nil {
			return &parsed
		}
	}

	if serial, err := strconv.ParseFloat(trimmed, 64); err == nil {
		if serial > 10000 && serial < 100000 {
			parsed := spreadsheetEpoch.AddDate(0, 0, int(serial))
			return &parsed
		}
	}
	return nil
}

// SplitName derives first/last name from a single name field. A comma
// splits "Last, First"; one token fills both fields; two tokens are
// first/last; three or more keep the first token as first name and the
// remainder as last name. ALLCAPS tokens of three or more characters are
// title-cased.
func SplitName(full string) (first, last string) {
	trimmed := strings.TrimSpace(full)
	if trimmed == "" {
		return "", ""
	}

	if comma := strings.Index(trimmed, ","); comma >= 0 {
		last = strings.TrimSpace(trimmed[:comma])
		first = strings.TrimSpace(trimmed[comma+1:])
		return fixCase(first), fixCase(last)
	}

	tokens := strings.Fields(trimmed)
	switch len(tokens) {
	case 1:
		token := fixCase(tokens[0])
		return token, token
	case 2:
		return fixCase(tokens[0]), fixCase(tokens[1])
	default:
		return fixCase(tokens[0]), fixCase(strings.Join(tokens[1:], " "))
	}
}

// fixCase title-cases ALLCAPS tokens of three or more characters, leaving
// everything else alone.
func fixCase(name string) string {
	tokens := strings.Fields(name)
	for i, token := range tokens {
		if len([]rune(token)) >= 3 && token == strings.ToUpper(token) &&
			strings.IndexFunc(token, unicode.IsLetter) >= 0 {
			lowered := []rune(strings.ToLower(token))
			tokens[i] = string(unicode.ToUpper(lowered[0])) + string(lowered[1:])
		}
	}
	return strings.Join(tokens, " ")
}
