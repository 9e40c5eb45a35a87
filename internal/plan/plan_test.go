package plan

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tabula/internal/ops"
	"tabula/internal/parse"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseSequence(t *testing.T) {
	text := "```json\n" + `[
  ["A", "group_by_mean", "D1", {"key": "State", "cols": ["Production"]}],
  ["B", "unknown_op", "A", {}],
  ["C", "sort_rows", "A", {"by": "YEAR"}]
]` + "\n```"
	seq, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, seq, 3)

	assert.Equal(t, ops.GroupByMean, seq[0].Kind)
	assert.Equal(t, []string{"D1"}, seq[0].Inputs)
	assert.Equal(t, []string{"State"}, seq[0].Params.Strings("key"))
	assert.NoError(t, seq[0].Err)

	assert.True(t, seq[1].Skipped())
	assert.ErrorIs(t, seq[1].Err, ops.ErrUnknownOperation)

	assert.Equal(t, true, seq[2].Params.Bool("ascending"))
	outputs := make([]string, len(seq))
	for i, st := range seq {
		outputs[i] = st.Output
	}
	assert.Equal(t, []string{"A", "B", "C"}, outputs)
	assert.Equal(t, []int{0, 1, 2}, []int{seq[0].Index, seq[1].Index, seq[2].Index})
}

func TestDecodeSingleElementReference(t *testing.T) {
	seq, err := Decode([]any{
		[]any{"A", "select_columns", []any{"D1"}, map[string]any{"cols": "x"}},
		[]any{"B", "merge_dfs", []any{"D1", "D2"}, map[string]any{"on": "k"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"D1"}, seq[0].Inputs)
	assert.Equal(t, "D1", seq[0].Reference())
	assert.Equal(t, []any{"D1", "D2"}, seq[1].Reference())
}

func TestDecodeLoneInstruction(t *testing.T) {
	seq, err := Decode([]any{"A", "describe_stats", "D1", map[string]any{}})
	require.NoError(t, err)
	require.Len(t, seq, 1)
	assert.Equal(t, ops.DescribeStats, seq[0].Kind)
}

func TestDecodeMalformedStepsAreKept(t *testing.T) {
	tests := []struct {
		name string
		item any
	}{
		{"not a list", "A"},
		{"three elements", []any{"A", "sort_rows", "D1"}},
		{"numeric output", []any{int64(1), "sort_rows", "D1", map[string]any{}}},
		{"blank output", []any{"  ", "sort_rows", "D1", map[string]any{}}},
		{"numeric op", []any{"A", int64(3), "D1", map[string]any{}}},
		{"empty reference", []any{"A", "sort_rows", []any{}, map[string]any{}}},
		{"numeric reference", []any{"A", "sort_rows", 1.0, map[string]any{}}},
		{"list params", []any{"A", "sort_rows", "D1", []any{"by"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := Decode([]any{tt.item, []any{"Z", "describe_stats", "D1", nil}})
			require.NoError(t, err)
			require.Len(t, seq, 2)
			assert.True(t, seq[0].Skipped())
			assert.ErrorIs(t, seq[0].Err, ErrMalformedStep)
			assert.NoError(t, seq[1].Err)
		})
	}
}

func TestDecodeParamErrorsStayOnStep(t *testing.T) {
	seq, err := Decode([]any{
		[]any{"A", "sort_rows", "D1", map[string]any{"order": "Year"}},
		[]any{"B", "moving_average", "D1", map[string]any{"col": "x", "window": 2.5}},
	})
	require.NoError(t, err)
	assert.False(t, seq[0].Skipped())
	assert.ErrorIs(t, seq[0].Err, ops.ErrUnknownArg)
	assert.ErrorIs(t, seq[1].Err, ops.ErrInvalidArgType)
}

func TestDecodeRejectsNonArray(t *testing.T) {
	_, err := Decode(map[string]any{"steps": []any{}})
	assert.ErrorIs(t, err, ErrNotSequence)

	_, err = Parse("no plan here")
	var f *parse.Failure
	assert.True(t, errors.As(err, &f))
}

func TestSequenceWireForm(t *testing.T) {
	seq, err := Parse(`[["A","rank_rows",["D1"],{"col":"Yield"}]]`)
	require.NoError(t, err)
	b, err := json.Marshal(seq)
	require.NoError(t, err)
	assert.JSONEq(t, `[["A","rank_rows","D1",{"col":"Yield"}]]`, string(b))
	assert.Equal(t, `["A","rank_rows","D1",{"col":"Yield"}]`, seq[0].String())
}

func TestValidateColumns(t *testing.T) {
	schemas := map[string][]string{
		"D1": {"State", "Year", "Production"},
		"D2": {"State", "Rainfall"},
	}
	tests := []struct {
		name    string
		text    string
		step    int
		table   string
		missing []string
	}{
		{
			name: "valid chain",
			text: `[["A","group_by_mean","D1",{"key":"State","cols":["Production"]}],
			        ["B","merge_dfs",["A","D2"],{"on":"State"}],
			        ["C","sort_rows","B",{"by":"Rainfall"}]]`,
		},
		{
			name:    "missing column in first input",
			text:    `[["A","select_columns","D1",{"cols":["State","Area"]}]]`,
			step:    0,
			table:   "D1",
			missing: []string{"Area"},
		},
		{
			name:    "merge key must be in both",
			text:    `[["A","merge_dfs",["D1","D2"],{"on":"Year"}]]`,
			step:    0,
			table:   "D2",
			missing: []string{"Year"},
		},
		{
			name:    "tracks inferred schema",
			text:    `[["A","group_by_count","D1",{"key":"State"}],["B","sort_rows","A",{"by":"Production"}]]`,
			step:    1,
			table:   "A",
			missing: []string{"Production"},
		},
		{
			name:    "agg map keys",
			text:    `[["A","aggregate_multiple","D1",{"key":"State","agg_map":{"Yield":"mean"}}]]`,
			step:    0,
			table:   "D1",
			missing: []string{"Yield"},
		},
		{
			name:    "rename then use new name",
			text:    `[["A","rename_columns","D1",{"mapping":{"Production":"Prod"}}],["B","sort_rows","A",{"by":"Production"}]]`,
			step:    1,
			table:   "A",
			missing: []string{"Production"},
		},
		{
			name: "unknown schema is not checked",
			text: `[["A","pivot_table","D1",{"index":"State","columns":"Year","values":"Production"}],
			        ["B","sort_rows","A",{"by":"anything"}]]`,
		},
		{
			name:    "second input of correlation",
			text:    `[["A","compute_correlation",["D1","D2"],{"cols1":"Production","cols2":"Yield"}]]`,
			step:    0,
			table:   "D2",
			missing: []string{"Yield"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := Parse(tt.text)
			require.NoError(t, err)
			err = ValidateColumns(seq, schemas)
			if tt.missing == nil {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.step, verr.Step)
			assert.Equal(t, tt.table, verr.Table)
			assert.Equal(t, tt.missing, verr.Missing)
			assert.Contains(t, verr.Error(), "available")
		})
	}
}

func TestValidateColumnsDoesNotMutateSchemas(t *testing.T) {
	schemas := map[string][]string{"D1": {"x"}}
	seq, err := Parse(`[["D1","add_computed_column","D1",{"new_col":"y","expr":"x * 2"}]]`)
	require.NoError(t, err)
	require.NoError(t, ValidateColumns(seq, schemas))
	assert.Equal(t, []string{"x"}, schemas["D1"])
}

func TestReferenceError(t *testing.T) {
	err := error(&ReferenceError{Step: 2, Name: "X"})
	assert.EqualError(t, err, `step 2: input "X" not found`)
}
