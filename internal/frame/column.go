package frame

import (
	"strings"
	"time"
)

// Column is a named, typed vector of cells. A nil cell is null.
// Columns are never mutated after construction.
type Column struct {
	name   string
	levels []string
	kind   Kind
	values []any
}

// NewColumn builds a column of the given kind, coercing every value.
// Values that cannot be represented in kind become null.
func NewColumn(name string, kind Kind, values []any) *Column {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = coerce(v, kind)
	}
	return &Column{name: name, kind: kind, values: out}
}

// NewNumeric builds a numeric column from float64 values. NaN and
// infinities become null.
func NewNumeric(name string, values ...float64) *Column {
	out := make([]any, len(values))
	for i, v := range values {
		if finite(v) {
			out[i] = v
		}
	}
	return &Column{name: name, kind: Numeric, values: out}
}

// NewText builds a text column from string values.
func NewText(name string, values ...string) *Column {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return &Column{name: name, kind: Text, values: out}
}

// InferColumn picks the narrowest kind able to hold every non-null value:
// numeric, then temporal, then text. An all-null column is numeric.
func InferColumn(name string, values []any) *Column {
	return NewColumn(name, inferKind(values), values)
}

func inferKind(values []any) Kind {
	numeric, temporal := true, true
	seen := false
	for _, raw := range values {
		v := normalize(raw)
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && IsMissingSentinel(s) {
			continue
		}
		seen = true
		switch x := v.(type) {
		case float64:
			temporal = false
		case time.Time:
			numeric = false
		case string:
			if _, ok := ParseNumber(x); !ok {
				numeric = false
			}
			if temporal {
				if _, ok := ParseTime(x); !ok {
					temporal = false
				}
			}
		default:
			numeric, temporal = false, false
		}
		if !numeric && !temporal {
			return Text
		}
	}
	switch {
	case !seen || numeric:
		return Numeric
	case temporal:
		return Temporal
	default:
		return Text
	}
}

// Name returns the display name of the column.
func (c *Column) Name() string { return c.name }

// Levels returns the hierarchical label parts, or nil for a flat label.
func (c *Column) Levels() []string {
	if len(c.levels) == 0 {
		return nil
	}
	return append([]string(nil), c.levels...)
}

// Kind returns the element kind.
func (c *Column) Kind() Kind { return c.kind }

// Len returns the number of cells.
func (c *Column) Len() int { return len(c.values) }

// Value returns cell i.
func (c *Column) Value(i int) any { return c.values[i] }

// Values returns a copy of the cells.
func (c *Column) Values() []any { return append([]any(nil), c.values...) }

// NullCount returns the number of null cells.
func (c *Column) NullCount() int {
	n := 0
	for _, v := range c.values {
		if v == nil {
			n++
		}
	}
	return n
}

// Floats returns the non-null numeric cells in row order.
func (c *Column) Floats() []float64 {
	out := make([]float64, 0, len(c.values))
	for _, v := range c.values {
		if f, ok := v.(float64); ok {
			out = append(out, f)
		}
	}
	return out
}

// Renamed returns a copy of the column with a flat label.
func (c *Column) Renamed(name string) *Column {
	return &Column{name: name, kind: c.kind, values: c.values}
}

// WithLevels returns a copy labelled by hierarchical parts.
func (c *Column) WithLevels(levels ...string) *Column {
	return &Column{
		name:   strings.Join(levels, "/"),
		levels: append([]string(nil), levels...),
		kind:   c.kind,
		values: c.values,
	}
}

// Flattened returns a copy whose hierarchical label parts are joined by sep.
func (c *Column) Flattened(sep string) *Column {
	if len(c.levels) == 0 {
		return c
	}
	return &Column{name: strings.Join(c.levels, sep), kind: c.kind, values: c.values}
}

// Take returns a column made of the cells at idx; -1 yields a null cell.
func (c *Column) Take(idx []int) *Column {
	out := make([]any, len(idx))
	for i, j := range idx {
		if j >= 0 {
			out[i] = c.values[j]
		}
	}
	return &Column{name: c.name, levels: c.levels, kind: c.kind, values: out}
}

// Map builds a new column of the same name by transforming every cell.
func (c *Column) Map(kind Kind, fn func(v any) any) *Column {
	out := make([]any, len(c.values))
	for i, v := range c.values {
		out[i] = fn(v)
	}
	return NewColumn(c.name, kind, out)
}

// Equal reports whether two columns carry the same label, kind and cells.
func (c *Column) Equal(o *Column) bool {
	if c.name != o.name || c.kind != o.kind || len(c.values) != len(o.values) {
		return false
	}
	for i := range c.values {
		a, b := c.values[i], o.values[i]
		if a == nil || b == nil {
			if a != b {
				return false
			}
			continue
		}
		if Compare(a, b) != 0 {
			return false
		}
	}
	return true
}
