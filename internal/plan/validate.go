package plan

import (
	"fmt"
	"sort"
	"strings"

	"tabula/internal/ops"
)

// ReferenceError reports an input name that resolves to nothing when its
// step runs.
type ReferenceError struct {
	Step int
	Name string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("step %d: input %q not found", e.Step, e.Name)
}

// ValidationError reports columns a step names that its input does not have.
type ValidationError struct {
	Step    int
	Op      string
	Table   string
	Missing []string
	// Available lists the columns the table does have.
	Available []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("step %d (%s): table %q has no column(s) %s; available: %s",
		e.Step, e.Op, e.Table, strings.Join(e.Missing, ", "), strings.Join(e.Available, ", "))
}

// bothInputs marks a parameter whose columns must exist in every input.
const bothInputs = -1

// columnParams maps parameters that name columns to the input they refer to.
var columnParams = map[string]int{
	"cols":       0,
	"key":        0,
	"by":         0,
	"col":        0,
	"subset":     0,
	"index":      0,
	"columns":    0,
	"values":     0,
	"group_col":  0,
	"value_col":  0,
	"year_col":   0,
	"col_x":      0,
	"col_y":      0,
	"key_col":    0,
	"target_col": 0,
	"agg_map":    0,
	"mapping":    0,
	"cols1":      0,
	"cols2":      1,
	"on":         bothInputs,
}

// ValidateColumns checks every column-naming parameter of seq against the
// known schemas, following the schema of earlier outputs where it can be
// inferred. Steps whose input schema is unknown are not checked. The first
// mismatch is returned as a *ValidationError.
func ValidateColumns(seq Sequence, schemas map[string][]string) error {
	known := make(map[string][]string, len(schemas))
	for name, cols := range schemas {
		known[name] = cols
	}
	for _, s := range seq {
		if s.Err != nil {
			continue
		}
		inputs := make([][]string, len(s.Inputs))
		complete := true
		for i, name := range s.Inputs {
			cols, ok := known[name]
			if !ok {
				complete = false
			}
			inputs[i] = cols
		}
		if complete {
			if err := checkStep(s, inputs); err != nil {
				return err
			}
		}
		if out, ok := outputSchema(s, inputs, complete); ok {
			known[s.Output] = out
		} else {
			delete(known, s.Output)
		}
	}
	return nil
}

func checkStep(s Step, inputs [][]string) error {
	names := make([]string, 0, len(s.Params))
	for name := range s.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, param := range names {
		target, ok := columnParams[param]
		if !ok {
			continue
		}
		wanted := paramColumns(s.Params, param)
		for i, cols := range inputs {
			if target != bothInputs && target != i {
				continue
			}
			if missing := absent(cols, wanted); len(missing) > 0 {
				return &ValidationError{Step: s.Index, Op: s.Op, Table: s.Inputs[i], Missing: missing, Available: cols}
			}
		}
	}
	return nil
}

func paramColumns(p ops.Params, name string) []string {
	switch v := p[name].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case map[string]string:
		out := make([]string, 0, len(v))
		for k := range v {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	case ops.AggMap:
		return v.Columns()
	}
	return nil
}

func absent(have, want []string) []string {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	var missing []string
	for _, c := range want {
		if !set[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

// outputSchema infers the columns a step produces, where that is cheap to
// know without running it.
func outputSchema(s Step, inputs [][]string, complete bool) ([]string, bool) {
	if !complete || len(inputs) == 0 {
		return nil, false
	}
	in := inputs[0]
	switch s.Kind {
	case ops.FilterRows, ops.DropMissing, ops.FillMissing, ops.SortRows, ops.RemoveDuplicates,
		ops.FilterDateRange, ops.RankRows, ops.NormalizeColumn, ops.StandardizeColumn, ops.DetectOutliers:
		return in, true
	case ops.SelectColumns:
		var out []string
		for _, c := range s.Params.Strings("cols") {
			if contains(in, c) {
				out = append(out, c)
			}
		}
		return out, true
	case ops.RenameColumns:
		mapping := s.Params.StringMap("mapping")
		out := make([]string, len(in))
		for i, c := range in {
			out[i] = c
			if to, ok := mapping[c]; ok {
				out[i] = to
			}
		}
		return out, true
	case ops.GroupByMean, ops.GroupBySum, ops.GroupByMedian:
		return append(append([]string{}, s.Params.Strings("key")...), s.Params.Strings("cols")...), true
	case ops.GroupByCount:
		return append(append([]string{}, s.Params.Strings("key")...), "count"), true
	case ops.CompareMeans:
		return []string{s.Params.String("group_col"), s.Params.String("value_col")}, true
	case ops.AggregateTrend:
		return []string{s.Params.String("group_col"), "trend_slope"}, true
	case ops.AddComputedColumn:
		return appendNew(in, s.Params.String("new_col")), true
	case ops.YearlyTrend:
		return appendNew(in, "trend"), true
	case ops.MovingAverage:
		return appendNew(in, fmt.Sprintf("%s_ma%d", s.Params.String("col"), s.Params.Int("window"))), true
	case ops.PercentageChange:
		return appendNew(in, s.Params.String("col")+"_pct_change"), true
	}
	return nil, false
}

func appendNew(cols []string, name string) []string {
	if contains(cols, name) {
		return cols
	}
	return append(append([]string{}, cols...), name)
}

func contains(cols []string, name string) bool {
	for _, c := range cols {
		if c == name {
			return true
		}
	}
	return false
}
