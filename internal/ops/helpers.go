package ops

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tabula/internal/frame"
	"tabula/internal/logging"
)

// column returns the named column or ErrColumnNotFound.
func column(t *frame.Table, name string) (*frame.Column, error) {
	c, ok := t.Column(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrColumnNotFound, name, t.Names())
	}
	return c, nil
}

// requireAll fails unless every name is a column of t.
func requireAll(t *frame.Table, names []string) error {
	for _, n := range names {
		if _, err := column(t, n); err != nil {
			return err
		}
	}
	return nil
}

// present returns the names that exist in t, failing only when none do.
func present(t *frame.Table, names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if t.Has(n) {
			out = append(out, n)
		}
	}
	if len(out) == 0 && len(names) > 0 {
		return nil, fmt.Errorf("%w: none of %v (have %v)", ErrColumnNotFound, names, t.Names())
	}
	return out, nil
}

// numeric returns the named numeric column. ok is false, with no error, when
// the column exists but is not numeric.
func numeric(t *frame.Table, name string) (*frame.Column, bool, error) {
	c, err := column(t, name)
	if err != nil {
		return nil, false, err
	}
	if c.Kind() != frame.Numeric {
		logging.OpsDebug("column %q is %s, leaving table unchanged", name, c.Kind())
		return c, false, nil
	}
	return c, true, nil
}

// withColumn appends or replaces col; lengths always match here.
func withColumn(t *frame.Table, col *frame.Column) (*frame.Table, error) {
	out, err := t.With(col)
	if err != nil {
		return nil, fmt.Errorf("add column %q: %w", col.Name(), err)
	}
	return out, nil
}

type group struct {
	key  []any
	rows []int
}

// groupRows partitions rows by the key columns. Rows with a null key are
// dropped and groups are ordered by ascending key.
func groupRows(t *frame.Table, keys []string) []group {
	cols := make([]*frame.Column, len(keys))
	for i, k := range keys {
		cols[i], _ = t.Column(k)
	}
	index := map[string]int{}
	var groups []group
rows:
	for r := 0; r < t.NumRows(); r++ {
		key := make([]any, len(cols))
		id := ""
		for i, c := range cols {
			v := c.Value(r)
			if v == nil {
				continue rows
			}
			key[i] = v
			id += frame.Key(v) + "\x1f"
		}
		g, ok := index[id]
		if !ok {
			g = len(groups)
			index[id] = g
			groups = append(groups, group{key: key})
		}
		groups[g].rows = append(groups[g].rows, r)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i].key, groups[j].key
		for k := range a {
			if c := frame.Compare(a[k], b[k]); c != 0 {
				return c < 0
			}
		}
		return false
	})
	return groups
}

// keyColumns materializes the group keys as columns of the source kinds.
func keyColumns(t *frame.Table, keys []string, groups []group) []*frame.Column {
	out := make([]*frame.Column, len(keys))
	for i, k := range keys {
		src, _ := t.Column(k)
		values := make([]any, len(groups))
		for g := range groups {
			values[g] = groups[g].key[i]
		}
		out[i] = frame.NewColumn(k, src.Kind(), values)
	}
	return out
}

// gather returns the non-null numeric cells of c at rows.
func gather(c *frame.Column, rows []int) []float64 {
	xs := make([]float64, 0, len(rows))
	for _, r := range rows {
		if f, ok := c.Value(r).(float64); ok {
			xs = append(xs, f)
		}
	}
	return xs
}

// reducer collapses a set of non-null values; nil means null.
type reducer func(xs []float64) any

var reducers = map[string]reducer{
	"mean": func(xs []float64) any {
		if len(xs) == 0 {
			return nil
		}
		return stat.Mean(xs, nil)
	},
	"sum": func(xs []float64) any {
		return floats.Sum(xs)
	},
	"median": func(xs []float64) any {
		if len(xs) == 0 {
			return nil
		}
		return quantile(sorted(xs), 0.5)
	},
	"count": func(xs []float64) any {
		return float64(len(xs))
	},
	"min": func(xs []float64) any {
		if len(xs) == 0 {
			return nil
		}
		return floats.Min(xs)
	},
	"max": func(xs []float64) any {
		if len(xs) == 0 {
			return nil
		}
		return floats.Max(xs)
	},
	"std": func(xs []float64) any {
		if len(xs) < 2 {
			return nil
		}
		return stat.StdDev(xs, nil)
	},
}

func reducerNames() []string {
	names := make([]string, 0, len(reducers))
	for n := range reducers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sorted(xs []float64) []float64 {
	out := append([]float64(nil), xs...)
	sort.Float64s(out)
	return out
}

// quantile interpolates linearly between closest ranks, the default used by
// dataframe libraries. xs must be sorted and non-empty.
func quantile(xs []float64, p float64) float64 {
	pos := p * float64(len(xs)-1)
	lo := math.Floor(pos)
	hi := math.Ceil(pos)
	return xs[int(lo)] + (xs[int(hi)]-xs[int(lo)])*(pos-lo)
}

// matches reports whether a cell equals a loosely typed scalar, coercing
// text to numbers or dates when the cell is numeric or temporal.
func matches(cell, want any) bool {
	if cell == nil || want == nil {
		return false
	}
	switch c := cell.(type) {
	case float64:
		switch w := want.(type) {
		case float64:
			return c == w
		case string:
			f, ok := frame.ParseNumber(w)
			return ok && f == c
		}
		if f, ok := frame.AsFloat(want); ok {
			return f == c
		}
		return false
	case time.Time:
		if s, ok := want.(string); ok {
			t, ok := frame.ParseTime(s)
			return ok && c.Equal(t)
		}
	}
	return frame.FormatValue(cell) == frame.FormatValue(want)
}
