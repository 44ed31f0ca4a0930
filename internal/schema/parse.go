package schema

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02/01/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
	"Jan-2006",
	"January 2006",
}

// ParseBoolean accepts true/false, yes/no, t/f and y/n in any case. Numeric
// 0/1 are left to the Integer type.
func ParseBoolean(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "t", "y":
		return true, true
	case "false", "no", "f", "n":
		return false, true
	default:
		return false, false
	}
}

func ParseInteger(raw string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseFloat accepts finite decimal numbers only.
func ParseFloat(raw string) (float64, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.ContainsAny(trimmed, "xX_") {
		return 0, false
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

func ParseDateTime(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func parses(t Datatype, raw string) bool {
	switch t {
	case Boolean:
		_, ok := ParseBoolean(raw)
		return ok
	case Integer:
		_, ok := ParseInteger(raw)
		return ok
	case Float:
		_, ok := ParseFloat(raw)
		return ok
	case DateTime:
		_, ok := ParseDateTime(raw)
		return ok
	default:
		return true
	}
}
