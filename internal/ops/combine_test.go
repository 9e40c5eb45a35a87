package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabula/internal/frame"
)

func rainfall() *frame.Table {
	return frame.MustNew(
		frame.NewText("State", "Kerala", "Goa", "Punjab"),
		frame.NewNumeric("Rainfall", 3000, 2500, 600),
		frame.NewNumeric("Year", 2020, 2020, 2020),
	)
}

func TestMergeHow(t *testing.T) {
	left := frame.MustNew(
		frame.NewText("State", "Kerala", "Goa", "Assam"),
		frame.NewNumeric("Production", 150, 30, 70),
	)
	right := frame.MustNew(
		frame.NewText("State", "Goa", "Kerala", "Punjab"),
		frame.NewNumeric("Rainfall", 2500, 3000, 600),
	)
	tests := []struct {
		how  string
		want [][]any
	}{
		{"inner", [][]any{{"Kerala", 150.0, 3000.0}, {"Goa", 30.0, 2500.0}}},
		{"left", [][]any{{"Kerala", 150.0, 3000.0}, {"Goa", 30.0, 2500.0}, {"Assam", 70.0, nil}}},
		{"right", [][]any{{"Goa", 30.0, 2500.0}, {"Kerala", 150.0, 3000.0}, {"Punjab", nil, 600.0}}},
		{"outer", [][]any{{"Kerala", 150.0, 3000.0}, {"Goa", 30.0, 2500.0}, {"Assam", 70.0, nil}, {"Punjab", nil, 600.0}}},
	}
	for _, tt := range tests {
		t.Run(tt.how, func(t *testing.T) {
			out := mustTable(t, "merge_dfs", map[string]any{"on": "State", "how": tt.how}, left, right)
			assert.Equal(t, []string{"State", "Production", "Rainfall"}, out.Names())
			assertCells(t, tt.want, out)
		})
	}
}

func TestMergeSuffixesAndMixedKeyKinds(t *testing.T) {
	right := frame.MustNew(
		frame.NewText("Year", "2019", "2020"),
		frame.NewNumeric("Production", 1, 2),
	)
	out := mustTable(t, "merge_dfs", map[string]any{"on": "Year"}, crops(), right)
	assert.Equal(t, []string{"Year", "State", "Area", "Production_x", "Production_y"}, out.Names())
	assert.Equal(t, 5, out.NumRows())
	assert.Equal(t, 1.0, out.Value(0, "Production_y"))

	_, err := apply(t, "merge_dfs", map[string]any{"on": "District"}, crops(), right)
	assert.ErrorIs(t, err, ErrColumnNotFound)
}

func TestConcat(t *testing.T) {
	out := mustTable(t, "concat_dfs", nil, crops(), rainfall())
	assert.Equal(t, []string{"State", "Year", "Area", "Production", "Rainfall"}, out.Names())
	assert.Equal(t, 8, out.NumRows())
	assert.Nil(t, out.Value(0, "Rainfall"))
	assert.Equal(t, 600.0, out.Value(7, "Rainfall"))
	assert.Nil(t, out.Value(7, "Production"))

	side := mustTable(t, "concat_dfs", map[string]any{"axis": 1}, crops(), rainfall())
	assert.Equal(t, []string{"State", "Year", "Area", "Production", "State_1", "Rainfall", "Year_1"}, side.Names())
	assert.Equal(t, 5, side.NumRows())
	assert.Nil(t, side.Value(4, "Rainfall"))

	_, err := apply(t, "concat_dfs", map[string]any{"axis": 2}, crops())
	assert.ErrorIs(t, err, ErrInvalidArgType)
}

func TestConcatMixedKindsFallsBackToText(t *testing.T) {
	a := frame.MustNew(frame.NewNumeric("x", 1))
	b := frame.MustNew(frame.NewText("x", "one"))
	out := mustTable(t, "concat_dfs", nil, a, b)
	c, _ := out.Column("x")
	assert.Equal(t, frame.Text, c.Kind())
	assert.Equal(t, []any{"1", "one"}, c.Values())
}

func TestAlignColumns(t *testing.T) {
	out, err := apply(t, "align_columns", nil, crops(), rainfall())
	require.NoError(t, err)
	pair, ok := out.([]*frame.Table)
	require.True(t, ok)
	require.Len(t, pair, 2)
	assert.Equal(t, []string{"State", "Year"}, pair[0].Names())
	assert.Equal(t, []string{"State", "Year"}, pair[1].Names())
	assert.Equal(t, 5, pair[0].NumRows())
	assert.Equal(t, 3, pair[1].NumRows())
}

func TestLookupValue(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		want   any
	}{
		{"text key", map[string]any{"key_col": "State", "key_val": "Goa", "target_col": "Production"}, 20.0},
		{"numeric key", map[string]any{"key_col": "Year", "key_val": 2020, "target_col": "State"}, "Kerala"},
		{"numeric key given as text", map[string]any{"key_col": "Year", "key_val": "2020", "target_col": "State"}, "Kerala"},
		{"no match", map[string]any{"key_col": "State", "key_val": "Punjab", "target_col": "Year"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := apply(t, "lookup_value", tt.params, crops())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := apply(t, "lookup_value", map[string]any{"key_col": "State", "key_val": "Goa", "target_col": "Rain"}, crops())
	assert.ErrorIs(t, err, ErrColumnNotFound)
}

func TestAddComputedColumn(t *testing.T) {
	out := mustTable(t, "add_computed_column", map[string]any{"new_col": "Yield", "expr": "Production / Area"}, crops())
	assert.Equal(t, []any{10.0, 12.5, 5.0, nil, 10.0}, columnValues(out, "Yield"))

	out = mustTable(t, "add_computed_column", map[string]any{"new_col": "Big", "expr": "Production > 60"}, crops())
	c, _ := out.Column("Big")
	assert.Equal(t, frame.Text, c.Kind())
	assert.Equal(t, "true", out.Value(0, "Big"))

	same := mustTable(t, "add_computed_column", map[string]any{"new_col": "x", "expr": "Production /"}, crops())
	assert.Equal(t, crops().Names(), same.Names())

	_, err := apply(t, "add_computed_column", map[string]any{"new_col": "x", "expr": "Rain * 2"}, crops())
	assert.ErrorIs(t, err, ErrColumnNotFound)
}
