package ops

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tabula/internal/frame"
	"tabula/internal/logging"
)

// pearson returns the correlation of paired samples, or nil when undefined.
func pearson(x, y []float64) any {
	if len(x) < 2 {
		return nil
	}
	r := stat.Correlation(x, y, nil)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return nil
	}
	return r
}

// pairs collects positions where both cells are numeric.
func pairs(a, b []any) (x, y []float64) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		fa, okA := a[i].(float64)
		fb, okB := b[i].(float64)
		if okA && okB {
			x = append(x, fa)
			y = append(y, fb)
		}
	}
	return x, y
}

func computeCorrelation(in []*frame.Table, p Params) (any, error) {
	type series struct {
		name   string
		values []any
	}
	var all []series
	used := map[string]bool{}
	requested := 0
	for i, spec := range []struct {
		t    *frame.Table
		cols []string
	}{{in[0], p.Strings("cols1")}, {in[1], p.Strings("cols2")}} {
		for _, n := range spec.cols {
			requested++
			c, ok := spec.t.Column(n)
			if !ok {
				continue
			}
			if c.Kind() != frame.Numeric {
				logging.OpsDebug("compute_correlation: non-numeric column %q skipped", n)
				continue
			}
			name := n
			if used[name] {
				name = fmt.Sprintf("%s_%d", n, i+1)
			}
			used[name] = true
			all = append(all, series{name, c.Values()})
		}
	}
	if len(all) == 0 {
		if requested > 0 {
			return nil, fmt.Errorf("compute_correlation: %w: none of the requested numeric columns exist", ErrColumnNotFound)
		}
		return frame.Empty(), nil
	}

	labels := make([]string, len(all))
	for i, s := range all {
		labels[i] = s.name
	}
	cols := []*frame.Column{frame.NewText("column", labels...)}
	for j := range all {
		cells := make([]any, len(all))
		for i := range all {
			cells[i] = pearson(pairs(all[i].values, all[j].values))
		}
		cols = append(cols, frame.NewColumn(all[j].name, frame.Numeric, cells))
	}
	return frame.New(cols...)
}

func columnCorrelation(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	x, err := column(t, p.String("col_x"))
	if err != nil {
		return nil, err
	}
	y, err := column(t, p.String("col_y"))
	if err != nil {
		return nil, err
	}
	return pearson(pairs(x.Values(), y.Values())), nil
}

// secondsPerYear is a Julian year, used to put temporal regressors on a
// readable scale.
const secondsPerYear = 31557600

// regressor converts a numeric or temporal cell into an x value.
func regressor(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case time.Time:
		return float64(x.Unix()) / secondsPerYear, true
	}
	return 0, false
}

func yearlyTrend(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	yc, err := column(t, p.String("year_col"))
	if err != nil {
		return nil, err
	}
	vc, ok, err := numeric(t, p.String("value_col"))
	if err != nil {
		return nil, err
	}
	if !ok || yc.Kind() == frame.Text {
		return t, nil
	}

	var keep []int
	var xs, ys []float64
	for r := 0; r < t.NumRows(); r++ {
		x, okX := regressor(yc.Value(r))
		y, okY := vc.Value(r).(float64)
		if okX && okY {
			keep = append(keep, r)
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}
	if len(xs) < 2 || floats.Min(xs) == floats.Max(xs) {
		logging.OpsDebug("yearly_trend: fewer than two distinct %q values, returning input unchanged", yc.Name())
		return t, nil
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	trend := make([]float64, len(xs))
	for i, x := range xs {
		trend[i] = alpha + beta*x
	}
	return withColumn(t.Take(keep), frame.NewNumeric("trend", trend...))
}

func movingAverage(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	c, ok, err := numeric(t, p.String("col"))
	if err != nil {
		return nil, err
	}
	window := p.Int("window")
	if !ok || window < 1 {
		return t, nil
	}
	cells := make([]any, c.Len())
	for i := window - 1; i < c.Len(); i++ {
		sum := 0.0
		complete := true
		for j := i - window + 1; j <= i; j++ {
			f, ok := c.Value(j).(float64)
			if !ok {
				complete = false
				break
			}
			sum += f
		}
		if complete {
			cells[i] = sum / float64(window)
		}
	}
	name := fmt.Sprintf("%s_ma%d", c.Name(), window)
	return withColumn(t, frame.NewColumn(name, frame.Numeric, cells))
}

func percentageChange(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	c, ok, err := numeric(t, p.String("col"))
	if err != nil {
		return nil, err
	}
	if !ok {
		return t, nil
	}
	cells := make([]any, c.Len())
	var prev any
	for i := 0; i < c.Len(); i++ {
		cur, isNum := c.Value(i).(float64)
		if !isNum {
			continue
		}
		if pf, ok := prev.(float64); ok && pf != 0 {
			cells[i] = (cur/pf - 1) * 100
		}
		prev = cur
	}
	name := c.Name() + "_pct_change"
	return withColumn(t, frame.NewColumn(name, frame.Numeric, cells))
}

// rescale replaces a numeric column by (x - shift) / scale.
func rescale(t *frame.Table, c *frame.Column, shift, scale float64) (*frame.Table, error) {
	out := c.Map(frame.Numeric, func(v any) any {
		f, ok := v.(float64)
		if !ok {
			return nil
		}
		return (f - shift) / scale
	})
	if lv := c.Levels(); lv != nil {
		out = out.WithLevels(lv...)
	}
	return withColumn(t, out)
}

func normalizeColumn(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	c, ok, err := numeric(t, p.String("col"))
	if err != nil {
		return nil, err
	}
	xs := c.Floats()
	if !ok || len(xs) == 0 {
		return t, nil
	}
	lo, hi := floats.Min(xs), floats.Max(xs)
	if hi == lo {
		logging.OpsDebug("normalize_column: %q is constant, returning input unchanged", c.Name())
		return t, nil
	}
	return rescale(t, c, lo, hi-lo)
}

func standardizeColumn(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	c, ok, err := numeric(t, p.String("col"))
	if err != nil {
		return nil, err
	}
	xs := c.Floats()
	if !ok || len(xs) < 2 {
		return t, nil
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if std == 0 {
		logging.OpsDebug("standardize_column: %q has zero deviation, returning input unchanged", c.Name())
		return t, nil
	}
	return rescale(t, c, mean, std)
}

var describeRows = []string{"count", "mean", "std", "min", "25%", "50%", "75%", "max"}

func describeStats(in []*frame.Table, _ Params) (any, error) {
	t := in[0]
	cols := []*frame.Column{frame.NewText("statistic", describeRows...)}
	for _, c := range t.Columns() {
		if c.Kind() != frame.Numeric {
			continue
		}
		xs := sorted(c.Floats())
		cells := make([]any, len(describeRows))
		cells[0] = float64(len(xs))
		if len(xs) > 0 {
			cells[1] = stat.Mean(xs, nil)
			cells[2] = reducers["std"](xs)
			cells[3] = xs[0]
			cells[4] = quantile(xs, 0.25)
			cells[5] = quantile(xs, 0.5)
			cells[6] = quantile(xs, 0.75)
			cells[7] = xs[len(xs)-1]
		}
		col := frame.NewColumn(c.Name(), frame.Numeric, cells)
		if lv := c.Levels(); lv != nil {
			col = col.WithLevels(lv...)
		}
		cols = append(cols, col)
	}
	if len(cols) == 1 {
		logging.OpsDebug("describe_stats: no numeric columns, returning input unchanged")
		return t, nil
	}
	out, err := frame.New(cols...)
	if err != nil {
		return nil, fmt.Errorf("describe_stats: %w", err)
	}
	return out, nil
}

func detectOutliers(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	c, ok, err := numeric(t, p.String("col"))
	if err != nil {
		return nil, err
	}
	if !ok {
		return t, nil
	}
	xs := c.Floats()
	keep := []int{}
	if len(xs) < 2 {
		return t.Take(keep), nil
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if std == 0 {
		return t.Take(keep), nil
	}
	thresh := p.Float("z_thresh")
	for r := 0; r < c.Len(); r++ {
		f, ok := c.Value(r).(float64)
		if ok && math.Abs((f-mean)/std) > thresh {
			keep = append(keep, r)
		}
	}
	return t.Take(keep), nil
}

func aggregateTrend(in []*frame.Table, p Params) (any, error) {
	t := in[0]
	groupCol := p.String("group_col")
	gc, err := column(t, groupCol)
	if err != nil {
		return nil, err
	}
	vc, ok, err := numeric(t, p.String("value_col"))
	if err != nil {
		return nil, err
	}
	if !ok {
		return t, nil
	}
	var keys, slopes []any
	for _, g := range groupRows(t, []string{groupCol}) {
		if len(g.rows) < 2 {
			continue
		}
		var xs, ys []float64
		for pos, r := range g.rows {
			if y, ok := vc.Value(r).(float64); ok {
				xs = append(xs, float64(pos))
				ys = append(ys, y)
			}
		}
		if len(xs) < 2 {
			continue
		}
		_, beta := stat.LinearRegression(xs, ys, nil, false)
		keys = append(keys, g.key[0])
		slopes = append(slopes, beta)
	}
	return frame.New(
		frame.NewColumn(groupCol, gc.Kind(), keys),
		frame.NewColumn("trend_slope", frame.Numeric, slopes),
	)
}

func compareMeans(in []*frame.Table, p Params) (any, error) {
	return groupReducer("mean")(in, Params{
		"key":  []string{p.String("group_col")},
		"cols": []string{p.String("value_col")},
	})
}
