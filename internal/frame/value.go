package frame

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the inferred element type of a column.
type Kind int

const (
	// Numeric columns hold float64 cells.
	Numeric Kind = iota
	// Text columns hold string cells.
	Text
	// Temporal columns hold time.Time cells.
	Temporal
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case Numeric:
		return "numeric"
	case Text:
		return "text"
	case Temporal:
		return "temporal"
	default:
		return "unknown"
	}
}

// timeLayouts are tried in order when inferring temporal cells.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"2006-01",
}

// IsMissingSentinel reports whether a raw text cell stands for a missing value.
func IsMissingSentinel(s string) bool {
	if strings.TrimSpace(s) == "" {
		return true
	}
	switch s {
	case "NA", "NaN":
		return true
	}
	return false
}

// ParseNumber parses a numeric text cell. NaN and infinities are rejected so
// they never masquerade as real values.
func ParseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ParseTime parses a temporal text cell using the supported layouts.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// AsFloat extracts a float64 from a numeric Go value. Strings are not parsed.
// NaN and infinities are rejected, as in ParseNumber.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, finite(n)
	case float32:
		return float64(n), finite(float64(n))
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}

// normalize converts an arbitrary Go value into a cell value: nil, float64,
// string or time.Time.
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case time.Time:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	}
	if f, ok := AsFloat(v); ok {
		return f
	}
	switch v.(type) {
	case float32, float64:
		// NaN or infinite: a missing cell.
		return nil
	}
	return fmt.Sprint(v)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// coerce converts a cell into the representation required by kind, returning
// nil when the cell cannot be represented.
func coerce(v any, kind Kind) any {
	v = normalize(v)
	if v == nil {
		return nil
	}
	switch kind {
	case Numeric:
		switch x := v.(type) {
		case float64:
			return x
		case string:
			if IsMissingSentinel(x) {
				return nil
			}
			if f, ok := ParseNumber(x); ok {
				return f
			}
		}
		return nil
	case Temporal:
		switch x := v.(type) {
		case time.Time:
			return x
		case string:
			if t, ok := ParseTime(x); ok {
				return t
			}
		}
		return nil
	default:
		if s, ok := v.(string); ok {
			return s
		}
		return FormatValue(v)
	}
}

// FormatValue renders a cell for display and for text comparisons.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// Compare orders two non-null cells. Numbers compare numerically, times
// chronologically and everything else by its formatted text. Cells of
// different kinds order numeric < temporal < text.
func Compare(a, b any) int {
	af, aNum := a.(float64)
	bf, bNum := b.(float64)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	at, aTime := a.(time.Time)
	bt, bTime := b.(time.Time)
	if aTime && bTime {
		return at.Compare(bt)
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	return strings.Compare(FormatValue(a), FormatValue(b))
}

func rank(v any) int {
	switch v.(type) {
	case float64:
		return 0
	case time.Time:
		return 1
	default:
		return 2
	}
}

// Key returns a comparable map key for a cell, used for grouping and joins.
func Key(v any) string {
	switch x := v.(type) {
	case nil:
		return "\x00null"
	case float64:
		return "n:" + strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano)
	default:
		return "s:" + FormatValue(x)
	}
}
