package ops

import (
	"fmt"
	"sort"

	"tabula/internal/frame"
	"tabula/internal/logging"
)

// numericValueColumns filters cols down to existing numeric columns that are
// not grouping keys.
func numericValueColumns(t *frame.Table, keys, cols []string) ([]*frame.Column, error) {
	names, err := present(t, cols)
	if err != nil {
		return nil, err
	}
	isKey := map[string]bool{}
	for _, k := range keys {
		isKey[k] = true
	}
	var out []*frame.Column
	for _, n := range names {
		if isKey[n] {
			continue
		}
		c, _ := t.Column(n)
		if c.Kind() != frame.Numeric {
			logging.OpsWarn("skipping non-numeric column %q in aggregation", n)
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w among %v", ErrNotNumeric, cols)
	}
	return out, nil
}

func groupReducer(fn string) Func {
	reduce := reducers[fn]
	return func(in []*frame.Table, p Params) (any, error) {
		t := in[0]
		keys := p.Strings("key")
		if err := requireAll(t, keys); err != nil {
			return nil, err
		}
		values, err := numericValueColumns(t, keys, p.Strings("cols"))
		if err != nil {
			return nil, err
		}
		groups := groupRows(t, keys)
		cols := keyColumns(t, keys, groups)
		for _, c := range values {
			cells := make([]any, len(groups))
			for g := range groups {
				cells[g] = reduce(gather(c, groups[g].rows))
			}
			cols = append(cols, frame.NewColumn(c.Name(), frame.Numeric, cells))
		}
		return frame.New(cols...)
	}
}

func groupByCount(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	keys := p.Strings("key")
	if err := requireAll(t, keys); err != nil {
		return nil, err
	}
	groups := groupRows(t, keys)
	counts := make([]float64, len(groups))
	for g := range groups {
		counts[g] = float64(len(groups[g].rows))
	}
	cols := append(keyColumns(t, keys, groups), frame.NewNumeric("count", counts...))
	return frame.New(cols...)
}

// countNonNull counts the non-null cells of c at rows, whatever its kind.
func countNonNull(c *frame.Column, rows []int) float64 {
	n := 0
	for _, r := range rows {
		if c.Value(r) != nil {
			n++
		}
	}
	return float64(n)
}

func aggregateMultiple(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	keys := p.Strings("key")
	if err := requireAll(t, keys); err != nil {
		return nil, err
	}
	agg := p.AggMap("agg_map")
	names, err := present(t, agg.Columns())
	if err != nil {
		return nil, err
	}
	groups := groupRows(t, keys)
	cols := keyColumns(t, keys, groups)
	produced := 0
	for _, n := range names {
		c, _ := t.Column(n)
		spec := agg[n]
		for _, fn := range spec.Funcs {
			if fn != "count" && c.Kind() != frame.Numeric {
				logging.OpsWarn("aggregate_multiple: %s of non-numeric column %q skipped", fn, n)
				continue
			}
			cells := make([]any, len(groups))
			for g := range groups {
				if fn == "count" {
					cells[g] = countNonNull(c, groups[g].rows)
				} else {
					cells[g] = reducers[fn](gather(c, groups[g].rows))
				}
			}
			col := frame.NewColumn(n, frame.Numeric, cells)
			if spec.Nested {
				col = col.WithLevels(n, fn)
			}
			cols = append(cols, col)
			produced++
		}
	}
	if produced == 0 {
		return nil, fmt.Errorf("aggregate_multiple: %w among %v", ErrNotNumeric, names)
	}
	return frame.New(cols...)
}

func pivotTable(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	index := p.Strings("index")
	pivot := p.String("columns")
	values := p.Strings("values")
	if err := requireAll(t, append(append([]string{}, index...), pivot)); err != nil {
		return nil, err
	}
	if err := requireAll(t, values); err != nil {
		return nil, err
	}
	fn := p.String("aggfunc")
	pc, _ := t.Column(pivot)

	var distinct []any
	seen := map[string]bool{}
	for r := 0; r < pc.Len(); r++ {
		v := pc.Value(r)
		if v == nil || seen[frame.Key(v)] {
			continue
		}
		seen[frame.Key(v)] = true
		distinct = append(distinct, v)
	}
	sort.SliceStable(distinct, func(i, j int) bool { return frame.Compare(distinct[i], distinct[j]) < 0 })

	groups := groupRows(t, index)
	cols := keyColumns(t, index, groups)
	for _, vn := range values {
		vc, _ := t.Column(vn)
		if vc.Kind() != frame.Numeric && fn != "count" {
			logging.OpsWarn("pivot_table: non-numeric values column %q skipped", vn)
			continue
		}
		for _, dv := range distinct {
			cells := make([]any, len(groups))
			for g := range groups {
				var rows []int
				for _, r := range groups[g].rows {
					if frame.Compare(pc.Value(r), dv) == 0 {
						rows = append(rows, r)
					}
				}
				if len(rows) == 0 {
					continue
				}
				if fn == "count" {
					cells[g] = countNonNull(vc, rows)
				} else {
					cells[g] = reducers[fn](gather(vc, rows))
				}
			}
			label := frame.FormatValue(dv)
			col := frame.NewColumn(label, frame.Numeric, cells)
			if len(values) > 1 {
				col = col.WithLevels(vn, label)
			}
			cols = append(cols, col)
		}
	}
	if len(cols) == len(index) {
		return nil, fmt.Errorf("pivot_table: %w among %v", ErrNotNumeric, values)
	}
	out, err := frame.New(cols...)
	if err != nil {
		return nil, fmt.Errorf("pivot_table: %w", err)
	}
	return out, nil
}

func flattenMultiIndex(in []*frame.Table, _ Params) (any, error) {
	src := in[0].Columns()
	cols := make([]*frame.Column, len(src))
	for i, c := range src {
		cols[i] = c.Flattened("_")
	}
	out, err := frame.New(cols...)
	if err != nil {
		return nil, fmt.Errorf("flatten_multiindex: %w", err)
	}
	return out, nil
}
