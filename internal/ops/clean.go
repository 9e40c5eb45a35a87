package ops

import (
	"fmt"
	"sort"
	"strings"

	"tabula/internal/expr"
	"tabula/internal/frame"
	"tabula/internal/logging"
)

// rowEnv exposes one table row to the expression evaluator.
type rowEnv struct {
	t   *frame.Table
	row int
}

func (e rowEnv) Lookup(name string) (any, bool) {
	c, ok := e.t.Column(name)
	if !ok {
		return nil, false
	}
	return c.Value(e.row), true
}

func filterRows(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	cond := p.String("condition")
	e, err := expr.Parse(cond)
	if err != nil {
		logging.OpsWarn("filter_rows: %v; returning input unchanged", err)
		return t, nil
	}
	keep := make([]int, 0, t.NumRows())
	for r := 0; r < t.NumRows(); r++ {
		v, err := e.Eval(rowEnv{t, r})
		if err != nil {
			logging.OpsWarn("filter_rows %q: %v; returning input unchanged", cond, err)
			return t, nil
		}
		if expr.Truthy(v) {
			keep = append(keep, r)
		}
	}
	return t.Take(keep), nil
}

func dropMissing(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	names := t.Names()
	if p.Has("cols") {
		var err error
		if names, err = present(t, p.Strings("cols")); err != nil {
			return nil, err
		}
	}
	keep := make([]int, 0, t.NumRows())
rows:
	for r := 0; r < t.NumRows(); r++ {
		for _, n := range names {
			if t.Value(r, n) == nil {
				continue rows
			}
		}
		keep = append(keep, r)
	}
	return t.Take(keep), nil
}

func fillMissing(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	names := t.Names()
	if p.Has("cols") {
		var err error
		if names, err = present(t, p.Strings("cols")); err != nil {
			return nil, err
		}
	}
	method := p.String("method")
	out := t
	for _, n := range names {
		c, _ := out.Column(n)
		if c.Kind() != frame.Numeric || c.NullCount() == 0 {
			continue
		}
		var fill any = 0.0
		switch method {
		case "mean":
			fill = reducers["mean"](c.Floats())
		case "median":
			fill = reducers["median"](c.Floats())
		}
		if fill == nil {
			continue
		}
		filled := c.Map(frame.Numeric, func(v any) any {
			if v == nil {
				return fill
			}
			return v
		})
		if lv := c.Levels(); lv != nil {
			filled = filled.WithLevels(lv...)
		}
		var err error
		if out, err = withColumn(out, filled); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func renameColumns(in []*frame.Table, p Params) (any, error) {
	out, err := in[0].Rename(p.StringMap("mapping"))
	if err != nil {
		return nil, fmt.Errorf("rename_columns: %w", err)
	}
	return out, nil
}

func selectColumns(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	names, err := present(t, p.Strings("cols"))
	if err != nil {
		return nil, err
	}
	return t.Select(names...)
}

// orderRows returns row indices sorted by the given columns. Nulls sort last
// in either direction; ties keep their original order.
func orderRows(t *frame.Table, by []string, ascending bool) []int {
	cols := make([]*frame.Column, len(by))
	for i, n := range by {
		cols[i], _ = t.Column(n)
	}
	idx := make([]int, t.NumRows())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		for _, c := range cols {
			va, vb := c.Value(idx[a]), c.Value(idx[b])
			switch {
			case va == nil && vb == nil:
				continue
			case va == nil:
				return false
			case vb == nil:
				return true
			}
			cmp := frame.Compare(va, vb)
			if cmp == 0 {
				continue
			}
			if ascending {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	})
	return idx
}

func sortRows(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	by := p.Strings("by")
	if err := requireAll(t, by); err != nil {
		return nil, err
	}
	return t.Take(orderRows(t, by, p.Bool("ascending"))), nil
}

func rankRows(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	col := p.String("col")
	if _, err := column(t, col); err != nil {
		return nil, err
	}
	idx := orderRows(t, []string{col}, p.Bool("ascending"))
	if n := p.Int("n"); n >= 0 && n < len(idx) {
		idx = idx[:n]
	}
	return t.Take(idx), nil
}

func removeDuplicates(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	names := t.Names()
	if p.Has("subset") {
		var err error
		if names, err = present(t, p.Strings("subset")); err != nil {
			return nil, err
		}
	}
	seen := map[string]bool{}
	keep := make([]int, 0, t.NumRows())
	for r := 0; r < t.NumRows(); r++ {
		var sb strings.Builder
		for _, n := range names {
			sb.WriteString(frame.Key(t.Value(r, n)))
			sb.WriteByte(0x1f)
		}
		if k := sb.String(); !seen[k] {
			seen[k] = true
			keep = append(keep, r)
		}
	}
	return t.Take(keep), nil
}

func filterDateRange(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	c, err := column(t, p.String("col"))
	if err != nil {
		return nil, err
	}
	start, okStart := frame.ParseTime(p.String("start"))
	end, okEnd := frame.ParseTime(p.String("end"))
	if !okStart || !okEnd {
		logging.OpsWarn("filter_date_range: unparseable bounds %q..%q; returning input unchanged",
			p.String("start"), p.String("end"))
		return t, nil
	}
	dates := c
	if c.Kind() != frame.Temporal {
		dates = frame.NewColumn(c.Name(), frame.Temporal, c.Values())
	}
	out, err := withColumn(t, dates)
	if err != nil {
		return nil, err
	}
	keep := make([]int, 0, t.NumRows())
	for r := 0; r < dates.Len(); r++ {
		v := dates.Value(r)
		if v == nil {
			continue
		}
		if frame.Compare(v, start) >= 0 && frame.Compare(v, end) <= 0 {
			keep = append(keep, r)
		}
	}
	return out.Take(keep), nil
}
