package frame

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRecordsInfersKinds(t *testing.T) {
	tbl, err := FromRecords(
		[]string{"state", " year ", "value", "date"},
		[][]string{
			{"Kerala", "2019", "1.5", "2019-04-01"},
			{"Goa", "2020", "NA", "2020-04-01"},
			{"Assam", "2021", " ", "01/04/2021"},
		},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"state", "year", "value", "date"}, tbl.Names())
	assert.Equal(t, 3, tbl.NumRows())

	kinds := map[string]Kind{}
	for _, c := range tbl.Columns() {
		kinds[c.Name()] = c.Kind()
	}
	assert.Equal(t, map[string]Kind{
		"state": Text,
		"year":  Numeric,
		"value": Numeric,
		"date":  Temporal,
	}, kinds)

	value, _ := tbl.Column("value")
	assert.Equal(t, 2, value.NullCount())
	assert.Equal(t, 2021.0, tbl.Value(2, "year"))
	assert.Equal(t, time.Date(2021, 4, 1, 0, 0, 0, 0, time.UTC), tbl.Value(2, "date"))
}

func TestInferColumn(t *testing.T) {
	tests := []struct {
		name   string
		values []any
		want   Kind
	}{
		{"all null", []any{nil, nil}, Numeric},
		{"ints", []any{1, int64(2)}, Numeric},
		{"numeric strings", []any{"1", "2.5", nil}, Numeric},
		{"mixed text", []any{"1", "two"}, Text},
		{"dates", []any{"2020-01", "2021-02"}, Temporal},
		{"bool", []any{true, false}, Text},
		{"times", []any{time.Now(), nil}, Temporal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferColumn("c", tt.values).Kind())
		})
	}
}

func TestTableIsNotMutatedByTransformations(t *testing.T) {
	orig := MustNew(NewText("k", "a", "b"), NewNumeric("v", 1, 2))

	renamed, err := orig.Rename(map[string]string{"v": "value"})
	require.NoError(t, err)
	extended, err := orig.With(NewNumeric("w", 3, 4))
	require.NoError(t, err)
	taken := orig.Take([]int{1})

	assert.Equal(t, []string{"k", "v"}, orig.Names())
	assert.Equal(t, []string{"k", "value"}, renamed.Names())
	assert.Equal(t, []string{"k", "v", "w"}, extended.Names())
	assert.Equal(t, 1, taken.NumRows())
	assert.Equal(t, "b", taken.Value(0, "k"))
	assert.Equal(t, 2, orig.NumRows())
}

func TestNewRejectsBadShapes(t *testing.T) {
	_, err := New(NewNumeric("a", 1), NewNumeric("b", 1, 2))
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = New(NewNumeric("a", 1), NewNumeric("a", 2))
	assert.ErrorIs(t, err, ErrDuplicateColumn)

	_, err = MustNew(NewNumeric("a", 1)).Select("b")
	assert.ErrorIs(t, err, ErrNoSuchColumn)
}

func TestWithReplacesSameName(t *testing.T) {
	tbl := MustNew(NewNumeric("a", 1, 2))
	out, err := tbl.With(NewNumeric("a", 5, 6))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, out.Names())
	assert.Equal(t, 5.0, out.Value(0, "a"))
}

func TestTakeWithMissingIndexYieldsNull(t *testing.T) {
	tbl := MustNew(NewNumeric("a", 1, 2))
	out := tbl.Take([]int{1, -1})
	assert.Equal(t, 2.0, out.Value(0, "a"))
	assert.Nil(t, out.Value(1, "a"))
}

func TestLevelsAndFlatten(t *testing.T) {
	c := NewNumeric("x", 1).WithLevels("value", "2020")
	assert.Equal(t, "value/2020", c.Name())
	assert.Equal(t, []string{"value", "2020"}, c.Levels())

	flat := c.Flattened("_")
	assert.Equal(t, "value_2020", flat.Name())
	assert.Nil(t, flat.Levels())
}

func TestCloneIsIndependent(t *testing.T) {
	tbl := MustNew(NewNumeric("a", 1, 2))
	clone := tbl.Clone()
	assert.True(t, tbl.Equal(clone))
	assert.NotSame(t, tbl, clone)
}

func TestCompareAndKey(t *testing.T) {
	assert.Equal(t, -1, Compare(1.0, 2.0))
	assert.Equal(t, 0, Compare("a", "a"))
	assert.Equal(t, -1, Compare(1.0, "a"))
	d1 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 1, 0)
	assert.Equal(t, -1, Compare(d1, d2))

	assert.NotEqual(t, Key(1.0), Key("1"))
	assert.Equal(t, Key(2.0), Key(2.0))
}

func TestNonFiniteNumbersBecomeNull(t *testing.T) {
	zero := 0.0
	inf := 1 / zero

	tbl, err := FromRows([]string{"ratio"}, [][]any{{inf}, {2.0}, {math.NaN()}, {float32(-inf)}})
	require.NoError(t, err)
	c, _ := tbl.Column("ratio")
	assert.Equal(t, Numeric, c.Kind())
	assert.Equal(t, []any{nil, 2.0, nil, nil}, c.Values())

	assert.Equal(t, []any{nil, 1.0}, NewNumeric("x", inf, 1).Values())
	assert.Equal(t, []any{nil}, NewColumn("y", Numeric, []any{-inf}).Values())

	_, ok := AsFloat(inf)
	assert.False(t, ok)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "", FormatValue(nil))
	assert.Equal(t, "2.5", FormatValue(2.5))
	assert.Equal(t, "2020-01-02", FormatValue(time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "x", FormatValue("x"))
}

func TestMarkdown(t *testing.T) {
	tbl := MustNew(NewText("k", "a"), NewNumeric("v", 1))
	assert.Equal(t, "| k | v |\n| --- | --- |\n| a | 1 |\n", tbl.Markdown())
}
