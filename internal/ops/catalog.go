// Package ops is the closed catalog of deterministic table operations.
//
// Every operation is a Kind with a Spec declaring its wire name, input arity
// and parameter schema. Plans are decoded against the schema before anything
// runs, so Apply only ever sees validated Params. Operations never mutate
// their inputs.
package ops

import (
	"fmt"
	"strings"

	"tabula/internal/frame"
)

// Kind identifies an operation.
type Kind int

// The operation set. The zero Kind is invalid.
const (
	FilterRows Kind = iota + 1
	DropMissing
	FillMissing
	RenameColumns
	SelectColumns
	SortRows
	RemoveDuplicates
	FilterDateRange
	RankRows
	GroupByMean
	GroupBySum
	GroupByMedian
	GroupByCount
	AggregateMultiple
	PivotTable
	FlattenMultiIndex
	MergeTables
	ConcatTables
	AlignColumns
	LookupValue
	AddComputedColumn
	ComputeCorrelation
	ColumnCorrelation
	YearlyTrend
	MovingAverage
	PercentageChange
	NormalizeColumn
	StandardizeColumn
	DescribeStats
	DetectOutliers
	AggregateTrend
	CompareMeans
)

// Arity is the number of table inputs an operation takes.
type Arity int

const (
	// One takes a single table.
	One Arity = iota
	// Pair takes exactly two tables.
	Pair
	// Many takes one or more tables.
	Many
)

// Category groups operations in the catalog listing.
type Category string

const (
	CategoryCleaning    Category = "Cleaning & filtering"
	CategoryAggregation Category = "Aggregation & grouping"
	CategoryCombination Category = "Joining & combining"
	CategoryStatistics  Category = "Trend, correlation & statistics"
)

// Func is the body of an operation.
type Func func(in []*frame.Table, p Params) (any, error)

// Spec describes one operation.
type Spec struct {
	Kind     Kind
	Name     string
	Category Category
	Arity    Arity
	Params   []Param
	Doc      string
	fn       Func
}

var (
	catalog []*Spec
	byName  map[string]*Spec
	byKind  map[Kind]*Spec
)

func init() {
	catalog = []*Spec{
		{FilterRows, "filter_rows", CategoryCleaning, One, []Param{
			{Name: "condition", Type: TypeString, Required: true},
		}, "Keep rows matching a boolean expression, e.g. \"Year >= 2015 and State == 'Kerala'\".", filterRows},
		{DropMissing, "drop_missing", CategoryCleaning, One, []Param{
			{Name: "cols", Type: TypeStrings},
		}, "Drop rows with a null in any of cols (all columns when omitted).", dropMissing},
		{FillMissing, "fill_missing", CategoryCleaning, One, []Param{
			{Name: "cols", Type: TypeStrings},
			{Name: "method", Type: TypeString, Default: "mean", Enum: []string{"mean", "median", "zero"}},
		}, "Fill nulls in numeric columns with the column mean, median or zero.", fillMissing},
		{RenameColumns, "rename_columns", CategoryCleaning, One, []Param{
			{Name: "mapping", Type: TypeStringMap, Required: true},
		}, "Rename columns using an {old: new} mapping.", renameColumns},
		{SelectColumns, "select_columns", CategoryCleaning, One, []Param{
			{Name: "cols", Type: TypeStrings, Required: true},
		}, "Keep only the listed columns, in that order. Absent names are ignored.", selectColumns},
		{SortRows, "sort_rows", CategoryCleaning, One, []Param{
			{Name: "by", Type: TypeStrings, Required: true},
			{Name: "ascending", Type: TypeBool, Default: true},
		}, "Sort rows by one or more columns. Nulls sort last.", sortRows},
		{RemoveDuplicates, "remove_duplicates", CategoryCleaning, One, []Param{
			{Name: "subset", Type: TypeStrings},
		}, "Drop duplicate rows, keeping the first occurrence.", removeDuplicates},
		{FilterDateRange, "filter_date_range", CategoryCleaning, One, []Param{
			{Name: "col", Type: TypeString, Required: true},
			{Name: "start", Type: TypeString, Required: true},
			{Name: "end", Type: TypeString, Required: true},
		}, "Keep rows whose date column lies within [start, end].", filterDateRange},
		{RankRows, "rank_rows", CategoryCleaning, One, []Param{
			{Name: "col", Type: TypeString, Required: true},
			{Name: "ascending", Type: TypeBool, Default: false},
			{Name: "n", Type: TypeInt, Default: 5},
		}, "Return the top n rows ordered by col (largest first by default).", rankRows},

		{GroupByMean, "group_by_mean", CategoryAggregation, One, []Param{
			{Name: "key", Type: TypeStrings, Required: true},
			{Name: "cols", Type: TypeStrings, Required: true},
		}, "Mean of cols per key group.", groupReducer("mean")},
		{GroupBySum, "group_by_sum", CategoryAggregation, One, []Param{
			{Name: "key", Type: TypeStrings, Required: true},
			{Name: "cols", Type: TypeStrings, Required: true},
		}, "Sum of cols per key group.", groupReducer("sum")},
		{GroupByMedian, "group_by_median", CategoryAggregation, One, []Param{
			{Name: "key", Type: TypeStrings, Required: true},
			{Name: "cols", Type: TypeStrings, Required: true},
		}, "Median of cols per key group.", groupReducer("median")},
		{GroupByCount, "group_by_count", CategoryAggregation, One, []Param{
			{Name: "key", Type: TypeStrings, Required: true},
		}, "Row count per key group, in column \"count\".", groupByCount},
		{AggregateMultiple, "aggregate_multiple", CategoryAggregation, One, []Param{
			{Name: "key", Type: TypeStrings, Required: true},
			{Name: "agg_map", Type: TypeAggMap, Required: true},
		}, "Aggregate several columns per key, e.g. {\"Area\": \"sum\", \"Yield\": [\"mean\", \"max\"]}.", aggregateMultiple},
		{PivotTable, "pivot_table", CategoryAggregation, One, []Param{
			{Name: "index", Type: TypeStrings, Required: true},
			{Name: "columns", Type: TypeString, Required: true},
			{Name: "values", Type: TypeStrings, Required: true},
			{Name: "aggfunc", Type: TypeString, Default: "mean", Enum: reducerNames()},
		}, "Pivot values into one column per distinct value of columns.", pivotTable},
		{FlattenMultiIndex, "flatten_multiindex", CategoryAggregation, One, nil,
			"Join hierarchical column labels with \"_\".", flattenMultiIndex},

		{MergeTables, "merge_dfs", CategoryCombination, Pair, []Param{
			{Name: "on", Type: TypeStrings, Required: true},
			{Name: "how", Type: TypeString, Default: "inner", Enum: []string{"inner", "outer", "left", "right"}},
		}, "Join two tables on key columns. Clashing columns get _x/_y suffixes.", mergeTables},
		{ConcatTables, "concat_dfs", CategoryCombination, Many, []Param{
			{Name: "axis", Type: TypeInt, Default: 0},
		}, "Stack tables vertically (axis 0) or side by side (axis 1).", concatTables},
		{AlignColumns, "align_columns", CategoryCombination, Pair, nil,
			"Restrict both tables to their common columns.", alignColumns},
		{LookupValue, "lookup_value", CategoryCombination, One, []Param{
			{Name: "key_col", Type: TypeString, Required: true},
			{Name: "key_val", Type: TypeScalar, Required: true},
			{Name: "target_col", Type: TypeString, Required: true},
		}, "Return target_col of the first row where key_col equals key_val (scalar).", lookupValue},
		{AddComputedColumn, "add_computed_column", CategoryCombination, One, []Param{
			{Name: "new_col", Type: TypeString, Required: true},
			{Name: "expr", Type: TypeString, Required: true},
		}, "Add a column computed from an arithmetic expression, e.g. \"Production / Area\".", addComputedColumn},

		{ComputeCorrelation, "compute_correlation", CategoryStatistics, Pair, []Param{
			{Name: "cols1", Type: TypeStrings, Required: true},
			{Name: "cols2", Type: TypeStrings, Required: true},
		}, "Pearson correlation matrix across selected columns of two tables.", computeCorrelation},
		{ColumnCorrelation, "column_correlation", CategoryStatistics, One, []Param{
			{Name: "col_x", Type: TypeString, Required: true},
			{Name: "col_y", Type: TypeString, Required: true},
		}, "Pearson correlation of two columns (scalar).", columnCorrelation},
		{YearlyTrend, "yearly_trend", CategoryStatistics, One, []Param{
			{Name: "year_col", Type: TypeString, Required: true},
			{Name: "value_col", Type: TypeString, Required: true},
		}, "Least-squares fit of value_col on year_col; adds the prediction as \"trend\".", yearlyTrend},
		{MovingAverage, "moving_average", CategoryStatistics, One, []Param{
			{Name: "col", Type: TypeString, Required: true},
			{Name: "window", Type: TypeInt, Default: 3},
		}, "Rolling mean of col, added as \"<col>_ma<window>\".", movingAverage},
		{PercentageChange, "percentage_change", CategoryStatistics, One, []Param{
			{Name: "col", Type: TypeString, Required: true},
		}, "Row-over-row percent change of col, added as \"<col>_pct_change\".", percentageChange},
		{NormalizeColumn, "normalize_column", CategoryStatistics, One, []Param{
			{Name: "col", Type: TypeString, Required: true},
		}, "Min-max scale col to [0, 1].", normalizeColumn},
		{StandardizeColumn, "standardize_column", CategoryStatistics, One, []Param{
			{Name: "col", Type: TypeString, Required: true},
		}, "Z-score standardize col.", standardizeColumn},
		{DescribeStats, "describe_stats", CategoryStatistics, One, nil,
			"Count, mean, std, min, quartiles and max of every numeric column.", describeStats},
		{DetectOutliers, "detect_outliers", CategoryStatistics, One, []Param{
			{Name: "col", Type: TypeString, Required: true},
			{Name: "z_thresh", Type: TypeNumber, Default: 3.0},
		}, "Rows whose z-score on col exceeds z_thresh.", detectOutliers},
		{AggregateTrend, "aggregate_trend", CategoryStatistics, One, []Param{
			{Name: "group_col", Type: TypeString, Required: true},
			{Name: "value_col", Type: TypeString, Required: true},
		}, "Least-squares slope of value_col over row order within each group, as \"trend_slope\".", aggregateTrend},
		{CompareMeans, "compare_means", CategoryStatistics, One, []Param{
			{Name: "group_col", Type: TypeString, Required: true},
			{Name: "value_col", Type: TypeString, Required: true},
		}, "Mean of value_col per group.", compareMeans},
	}

	byName = make(map[string]*Spec, len(catalog))
	byKind = make(map[Kind]*Spec, len(catalog))
	for _, s := range catalog {
		byName[s.Name] = s
		byKind[s.Kind] = s
	}
}

// String returns the wire name of the operation.
func (k Kind) String() string {
	if s, ok := byKind[k]; ok {
		return s.Name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Lookup returns the Spec for a wire name.
func Lookup(name string) (*Spec, bool) {
	s, ok := byName[strings.TrimSpace(name)]
	return s, ok
}

// Specs returns every operation in catalog order.
func Specs() []*Spec {
	return append([]*Spec(nil), catalog...)
}

// Names returns every wire name in catalog order.
func Names() []string {
	out := make([]string, len(catalog))
	for i, s := range catalog {
		out[i] = s.Name
	}
	return out
}

// Apply runs operation k on inputs. Params must come from the Spec's Decode.
func Apply(k Kind, inputs []*frame.Table, p Params) (any, error) {
	s, ok := byKind[k]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownOperation, k)
	}
	switch s.Arity {
	case One:
		if len(inputs) != 1 {
			return nil, fmt.Errorf("%s: %w: want 1, got %d", s.Name, ErrArity, len(inputs))
		}
	case Pair:
		if len(inputs) != 2 {
			return nil, fmt.Errorf("%s: %w: want 2, got %d", s.Name, ErrArity, len(inputs))
		}
	case Many:
		if len(inputs) == 0 {
			return nil, fmt.Errorf("%s: %w: want at least 1", s.Name, ErrArity)
		}
	}
	for i, in := range inputs {
		if in == nil {
			return nil, fmt.Errorf("%s: input %d is nil", s.Name, i)
		}
	}
	if p == nil {
		p = Params{}
	}
	return s.fn(inputs, p)
}

// Signature renders the call shape of the operation.
func (s *Spec) Signature() string {
	parts := []string{}
	switch s.Arity {
	case One:
		parts = append(parts, "df")
	case Pair:
		parts = append(parts, "[df1, df2]")
	case Many:
		parts = append(parts, "[df, ...]")
	}
	for _, p := range s.Params {
		part := p.Name + ": " + p.Type.String()
		if len(p.Enum) > 0 {
			part = p.Name + ": " + strings.Join(p.Enum, "|")
		}
		if !p.Required {
			if p.Default != nil {
				part += fmt.Sprintf(" = %v", p.Default)
			} else {
				part += "?"
			}
		}
		parts = append(parts, part)
	}
	return s.Name + "(" + strings.Join(parts, ", ") + ")"
}

// Docs renders the catalog as a plain-text function reference.
func Docs() string {
	var sb strings.Builder
	var current Category
	for _, s := range catalog {
		if s.Category != current {
			if current != "" {
				sb.WriteString("\n")
			}
			current = s.Category
			sb.WriteString("# " + string(current) + "\n")
		}
		fmt.Fprintf(&sb, "- %s: %s\n", s.Signature(), s.Doc)
	}
	return sb.String()
}
