// Package frame implements the in-memory table model shared by the registry,
// the operation library and the sandbox.
//
// A Table is rows x named columns. Every column carries an inferred kind
// (numeric, text, temporal) and nil marks a null cell. Tables are value-like:
// no exported method mutates its receiver, transformations return new tables.
package frame

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLengthMismatch is returned when columns of different lengths are combined.
	ErrLengthMismatch = errors.New("column length mismatch")
	// ErrDuplicateColumn is returned when two columns share a name.
	ErrDuplicateColumn = errors.New("duplicate column name")
	// ErrNoSuchColumn is returned when a named column does not exist.
	ErrNoSuchColumn = errors.New("no such column")
)

// Table is an immutable rows x columns dataset.
type Table struct {
	cols  []*Column
	index map[string]int
	rows  int
}

// New assembles a table from columns of equal length with unique names.
func New(cols ...*Column) (*Table, error) {
	t := &Table{index: make(map[string]int, len(cols))}
	for i, c := range cols {
		if i == 0 {
			t.rows = c.Len()
		} else if c.Len() != t.rows {
			return nil, fmt.Errorf("%w: %q has %d rows, want %d", ErrLengthMismatch, c.Name(), c.Len(), t.rows)
		}
		if _, dup := t.index[c.Name()]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, c.Name())
		}
		t.index[c.Name()] = i
		t.cols = append(t.cols, c)
	}
	return t, nil
}

// MustNew is New that panics; intended for literals in tests and examples.
func MustNew(cols ...*Column) *Table {
	t, err := New(cols...)
	if err != nil {
		panic(err)
	}
	return t
}

// Empty returns a table with no rows and no columns.
func Empty() *Table {
	return &Table{index: map[string]int{}}
}

// FromRecords builds a table from a header and raw text records, as produced by
// CSV readers. Missing-value sentinels become null and column kinds are
// inferred. Short records are padded with nulls.
func FromRecords(header []string, records [][]string) (*Table, error) {
	cols := make([]*Column, len(header))
	for j, name := range header {
		values := make([]any, len(records))
		for i, rec := range records {
			if j >= len(rec) || IsMissingSentinel(rec[j]) {
				continue
			}
			values[i] = strings.TrimSpace(rec[j])
		}
		cols[j] = InferColumn(strings.TrimSpace(name), values)
	}
	return New(cols...)
}

// FromRows builds a table from a header and rows of Go values, inferring kinds.
func FromRows(header []string, rows [][]any) (*Table, error) {
	cols := make([]*Column, len(header))
	for j, name := range header {
		values := make([]any, len(rows))
		for i, row := range rows {
			if j < len(row) {
				values[i] = row[j]
			}
		}
		cols[j] = InferColumn(name, values)
	}
	return New(cols...)
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int { return t.rows }

// NumCols returns the number of columns.
func (t *Table) NumCols() int { return len(t.cols) }

// Names returns the column names in order.
func (t *Table) Names() []string {
	out := make([]string, len(t.cols))
	for i, c := range t.cols {
		out[i] = c.Name()
	}
	return out
}

// Has reports whether a column exists.
func (t *Table) Has(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Column returns the named column.
func (t *Table) Column(name string) (*Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.cols[i], true
}

// Columns returns the columns in order.
func (t *Table) Columns() []*Column {
	return append([]*Column(nil), t.cols...)
}

// Value returns the cell at row i of the named column, nil if absent.
func (t *Table) Value(i int, name string) any {
	c, ok := t.Column(name)
	if !ok || i < 0 || i >= t.rows {
		return nil
	}
	return c.Value(i)
}

// Row returns row i as a name -> cell map.
func (t *Table) Row(i int) map[string]any {
	row := make(map[string]any, len(t.cols))
	for _, c := range t.cols {
		row[c.Name()] = c.Value(i)
	}
	return row
}

// Select returns the named columns in the requested order.
func (t *Table) Select(names ...string) (*Table, error) {
	cols := make([]*Column, 0, len(names))
	for _, n := range names {
		c, ok := t.Column(n)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNoSuchColumn, n)
		}
		cols = append(cols, c)
	}
	out, err := New(cols...)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		out.rows = t.rows
	}
	return out, nil
}

// Take returns the rows at idx in that order.
func (t *Table) Take(idx []int) *Table {
	cols := make([]*Column, len(t.cols))
	for i, c := range t.cols {
		cols[i] = c.Take(idx)
	}
	out := MustNew(cols...)
	out.rows = len(idx)
	return out
}

// Head returns the first n rows.
func (t *Table) Head(n int) *Table {
	if n > t.rows {
		n = t.rows
	}
	if n < 0 {
		n = 0
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return t.Take(idx)
}

// With returns a table where col replaces the same-named column, or is
// appended when no such column exists.
func (t *Table) With(col *Column) (*Table, error) {
	if len(t.cols) > 0 && col.Len() != t.rows {
		return nil, fmt.Errorf("%w: %q has %d rows, want %d", ErrLengthMismatch, col.Name(), col.Len(), t.rows)
	}
	cols := t.Columns()
	if i, ok := t.index[col.Name()]; ok {
		cols[i] = col
	} else {
		cols = append(cols, col)
	}
	return New(cols...)
}

// Rename returns a table with columns renamed per mapping. Unknown keys are
// ignored.
func (t *Table) Rename(mapping map[string]string) (*Table, error) {
	cols := make([]*Column, len(t.cols))
	for i, c := range t.cols {
		if to, ok := mapping[c.Name()]; ok {
			cols[i] = c.Renamed(to)
		} else {
			cols[i] = c
		}
	}
	return New(cols...)
}

// Clone returns a structurally independent copy.
func (t *Table) Clone() *Table {
	cols := make([]*Column, len(t.cols))
	for i, c := range t.cols {
		cols[i] = &Column{name: c.name, levels: c.Levels(), kind: c.kind, values: c.Values()}
	}
	out := MustNew(cols...)
	out.rows = t.rows
	return out
}

// Equal reports whether two tables have identical columns and cells.
func (t *Table) Equal(o *Table) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.rows != o.rows || len(t.cols) != len(o.cols) {
		return false
	}
	for i := range t.cols {
		if !t.cols[i].Equal(o.cols[i]) {
			return false
		}
	}
	return true
}

// String renders the table as tab-separated text with a header line.
func (t *Table) String() string {
	var sb strings.Builder
	sb.WriteString(strings.Join(t.Names(), "\t"))
	sb.WriteString("\n")
	for i := 0; i < t.rows; i++ {
		for j, c := range t.cols {
			if j > 0 {
				sb.WriteString("\t")
			}
			sb.WriteString(FormatValue(c.Value(i)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Markdown renders the table as a GitHub-flavoured markdown table.
func (t *Table) Markdown() string {
	var sb strings.Builder
	names := t.Names()
	sb.WriteString("| " + strings.Join(names, " | ") + " |\n")
	sb.WriteString("|" + strings.Repeat(" --- |", len(names)) + "\n")
	for i := 0; i < t.rows; i++ {
		cells := make([]string, len(t.cols))
		for j, c := range t.cols {
			cells[j] = FormatValue(c.Value(i))
		}
		sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return sb.String()
}
