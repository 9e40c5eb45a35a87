package ops

import (
	"fmt"
	"strconv"
	"strings"

	"tabula/internal/expr"
	"tabula/internal/frame"
	"tabula/internal/logging"
)

// joinKey renders the key cells of a row; ok is false when any key is null.
// Keys compare by their display text so that a numeric 2020 joins a text "2020".
func joinKey(cols []*frame.Column, row int) (string, bool) {
	var sb strings.Builder
	for _, c := range cols {
		v := c.Value(row)
		if v == nil {
			return "", false
		}
		sb.WriteString(frame.FormatValue(v))
		sb.WriteByte(0x1f)
	}
	return sb.String(), true
}

func mergeTables(in []*frame.Table, p Params) (any, error) {
	left, right := in[0], in[1]
	on := p.Strings("on")
	if err := requireAll(left, on); err != nil {
		return nil, fmt.Errorf("left table: %w", err)
	}
	if err := requireAll(right, on); err != nil {
		return nil, fmt.Errorf("right table: %w", err)
	}
	how := p.String("how")

	isKey := map[string]bool{}
	lk := make([]*frame.Column, len(on))
	rk := make([]*frame.Column, len(on))
	for i, k := range on {
		isKey[k] = true
		lk[i], _ = left.Column(k)
		rk[i], _ = right.Column(k)
	}

	rightIndex := map[string][]int{}
	for r := 0; r < right.NumRows(); r++ {
		if k, ok := joinKey(rk, r); ok {
			rightIndex[k] = append(rightIndex[k], r)
		}
	}

	var li, ri []int
	matchedRight := make([]bool, right.NumRows())
	if how == "right" {
		leftIndex := map[string][]int{}
		for r := 0; r < left.NumRows(); r++ {
			if k, ok := joinKey(lk, r); ok {
				leftIndex[k] = append(leftIndex[k], r)
			}
		}
		for r := 0; r < right.NumRows(); r++ {
			k, ok := joinKey(rk, r)
			matches := leftIndex[k]
			if !ok || len(matches) == 0 {
				li, ri = append(li, -1), append(ri, r)
				continue
			}
			for _, l := range matches {
				li, ri = append(li, l), append(ri, r)
			}
		}
	} else {
		for l := 0; l < left.NumRows(); l++ {
			k, ok := joinKey(lk, l)
			matches := rightIndex[k]
			if !ok || len(matches) == 0 {
				if how != "inner" {
					li, ri = append(li, l), append(ri, -1)
				}
				continue
			}
			for _, r := range matches {
				li, ri = append(li, l), append(ri, r)
				matchedRight[r] = true
			}
		}
		if how == "outer" {
			for r := 0; r < right.NumRows(); r++ {
				if !matchedRight[r] {
					li, ri = append(li, -1), append(ri, r)
				}
			}
		}
	}

	var cols []*frame.Column
	for i, k := range on {
		values := make([]any, len(li))
		for j := range li {
			if li[j] >= 0 {
				values[j] = lk[i].Value(li[j])
			} else {
				values[j] = rk[i].Value(ri[j])
			}
		}
		if lk[i].Kind() == rk[i].Kind() {
			cols = append(cols, frame.NewColumn(k, lk[i].Kind(), values))
		} else {
			cols = append(cols, frame.InferColumn(k, values))
		}
	}
	for _, c := range left.Columns() {
		if isKey[c.Name()] {
			continue
		}
		out := c.Take(li)
		if right.Has(c.Name()) {
			out = out.Renamed(c.Name() + "_x")
		}
		cols = append(cols, out)
	}
	for _, c := range right.Columns() {
		if isKey[c.Name()] {
			continue
		}
		out := c.Take(ri)
		if left.Has(c.Name()) {
			out = out.Renamed(c.Name() + "_y")
		}
		cols = append(cols, out)
	}
	result, err := frame.New(cols...)
	if err != nil {
		return nil, fmt.Errorf("merge_dfs: %w", err)
	}
	return result, nil
}

func concatTables(in []*frame.Table, p Params) (any, error) {
	switch axis := p.Int("axis"); axis {
	case 0:
		return concatRows(in)
	case 1:
		return concatColumns(in)
	default:
		return nil, fmt.Errorf("concat_dfs: %w: axis must be 0 or 1, got %d", ErrInvalidArgType, axis)
	}
}

func concatRows(in []*frame.Table) (*frame.Table, error) {
	var order []string
	seen := map[string]bool{}
	for _, t := range in {
		for _, n := range t.Names() {
			if !seen[n] {
				seen[n] = true
				order = append(order, n)
			}
		}
	}
	cols := make([]*frame.Column, 0, len(order))
	for _, n := range order {
		var values []any
		var levels []string
		kind, mixed, first := frame.Numeric, false, true
		for _, t := range in {
			c, ok := t.Column(n)
			if !ok {
				values = append(values, make([]any, t.NumRows())...)
				continue
			}
			if first {
				kind, levels, first = c.Kind(), c.Levels(), false
			} else if c.Kind() != kind {
				mixed = true
			}
			values = append(values, c.Values()...)
		}
		col := frame.NewColumn(n, kind, values)
		if mixed {
			col = frame.InferColumn(n, values)
		}
		if len(levels) > 0 {
			col = col.WithLevels(levels...)
		}
		cols = append(cols, col)
	}
	out, err := frame.New(cols...)
	if err != nil {
		return nil, fmt.Errorf("concat_dfs: %w", err)
	}
	return out, nil
}

func concatColumns(in []*frame.Table) (*frame.Table, error) {
	rows := 0
	for _, t := range in {
		if t.NumRows() > rows {
			rows = t.NumRows()
		}
	}
	seen := map[string]bool{}
	var cols []*frame.Column
	for i, t := range in {
		idx := make([]int, rows)
		for r := range idx {
			idx[r] = r
			if r >= t.NumRows() {
				idx[r] = -1
			}
		}
		for _, c := range t.Columns() {
			col := c.Take(idx)
			if seen[col.Name()] {
				col = col.Renamed(col.Name() + "_" + strconv.Itoa(i))
			}
			seen[col.Name()] = true
			cols = append(cols, col)
		}
	}
	out, err := frame.New(cols...)
	if err != nil {
		return nil, fmt.Errorf("concat_dfs: %w", err)
	}
	return out, nil
}

func alignColumns(in []*frame.Table, _ Params) (any, error) {
	a, b := in[0], in[1]
	var common []string
	for _, n := range a.Names() {
		if b.Has(n) {
			common = append(common, n)
		}
	}
	if len(common) == 0 {
		logging.OpsWarn("align_columns: no common columns between %v and %v", a.Names(), b.Names())
	}
	left, err := a.Select(common...)
	if err != nil {
		return nil, err
	}
	right, err := b.Select(common...)
	if err != nil {
		return nil, err
	}
	return []*frame.Table{left, right}, nil
}

func lookupValue(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	key, err := column(t, p.String("key_col"))
	if err != nil {
		return nil, err
	}
	target, err := column(t, p.String("target_col"))
	if err != nil {
		return nil, err
	}
	want := p.Scalar("key_val")
	for r := 0; r < key.Len(); r++ {
		if matches(key.Value(r), want) {
			return target.Value(r), nil
		}
	}
	return nil, nil
}

func addComputedColumn(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	name := p.String("new_col")
	e, err := expr.Parse(p.String("expr"))
	if err != nil {
		logging.OpsWarn("add_computed_column: %v; returning input unchanged", err)
		return t, nil
	}
	for _, ref := range e.Names() {
		if _, err := column(t, ref); err != nil {
			return nil, fmt.Errorf("add_computed_column %q: %w", e, err)
		}
	}
	values := make([]any, t.NumRows())
	for r := range values {
		v, err := e.Eval(rowEnv{t, r})
		if err != nil {
			return nil, fmt.Errorf("add_computed_column %q row %d: %w", e, r, err)
		}
		values[r] = v
	}
	return withColumn(t, frame.InferColumn(name, values))
}
