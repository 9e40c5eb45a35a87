// Package registry holds the named tables of one analysis session.
//
// A Registry is owned by exactly one session. It is safe for concurrent use
// but never shared between sessions; concurrent queries each build their own.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/stat"

	"tabula/internal/frame"
	"tabula/internal/logging"
)

var (
	// ErrInvalidName is returned for empty table names.
	ErrInvalidName = errors.New("invalid table name")
	// ErrNilTable is returned when registering a nil table.
	ErrNilTable = errors.New("nil table")
)

// DescribeOptions bound the structural summary produced by DescribeAll.
type DescribeOptions struct {
	MaxCols    int
	MaxRows    int
	MaxUniques int
}

// DefaultDescribeOptions returns the default summary bounds.
func DefaultDescribeOptions() DescribeOptions {
	return DescribeOptions{MaxCols: 8, MaxRows: 2, MaxUniques: 10}
}

// Registry maps unique names to tables.
type Registry struct {
	mu       sync.RWMutex
	tables   map[string]*frame.Table
	describe DescribeOptions
}

// New creates an empty registry.
func New(opts DescribeOptions) *Registry {
	def := DefaultDescribeOptions()
	if opts.MaxCols <= 0 {
		opts.MaxCols = def.MaxCols
	}
	if opts.MaxRows < 0 {
		opts.MaxRows = def.MaxRows
	}
	if opts.MaxUniques <= 0 {
		opts.MaxUniques = def.MaxUniques
	}
	return &Registry{tables: make(map[string]*frame.Table), describe: opts}
}

// Register cleans a copy of t and stores it under name, replacing any previous
// table. Missing-value sentinels become null, numeric nulls are filled with
// the column mean and text nulls with the column mode. t is left untouched.
func (r *Registry) Register(name string, t *frame.Table) error {
	if err := check(name, t); err != nil {
		return err
	}
	cleaned := Clean(t)
	r.mu.Lock()
	r.tables[name] = cleaned
	r.mu.Unlock()
	logging.Registry("registered %s (%d rows x %d cols)", name, cleaned.NumRows(), cleaned.NumCols())
	return nil
}

// Put stores t under name verbatim.
func (r *Registry) Put(name string, t *frame.Table) error {
	if err := check(name, t); err != nil {
		return err
	}
	r.mu.Lock()
	r.tables[name] = t
	r.mu.Unlock()
	logging.RegistryDebug("put %s (%d rows x %d cols)", name, t.NumRows(), t.NumCols())
	return nil
}

func check(name string, t *frame.Table) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNilTable, name)
	}
	return nil
}

// Get returns the table stored under name.
func (r *Registry) Get(name string) (*frame.Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[name]
	return t, ok
}

// Names returns the stored names in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tables))
	for n := range r.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of stored tables.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tables)
}

// Snapshot returns a copy of the name -> table map.
func (r *Registry) Snapshot() map[string]*frame.Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*frame.Table, len(r.tables))
	for n, t := range r.tables {
		out[n] = t
	}
	return out
}

// Headers returns each table's column names, keyed by table name.
func (r *Registry) Headers() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.tables))
	for n, t := range r.tables {
		out[n] = t.Names()
	}
	return out
}

type description struct {
	Shape        [2]int           `json:"shape"`
	Columns      []string         `json:"columns"`
	Sample       []map[string]any `json:"sample"`
	UniqueValues map[string][]any `json:"unique_values,omitempty"`
}

// DescribeAll renders a bounded structural summary of every table as indented
// JSON keyed by table name. A table whose summary cannot be encoded is
// reported in place without hiding the others.
func (r *Registry) DescribeAll() string {
	snap := r.Snapshot()
	summary := make(map[string]json.RawMessage, len(snap))
	for name, t := range snap {
		data, err := json.Marshal(describe(t, r.describe))
		if err != nil {
			logging.Get(logging.CategoryRegistry).Warn("describe %s failed: %v", name, err)
			data, _ = json.Marshal(map[string]string{"error": err.Error()})
		}
		summary[name] = data
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		logging.Get(logging.CategoryRegistry).Warn("describe_all failed: %v", err)
		return "{}"
	}
	return string(data)
}

func describe(t *frame.Table, opts DescribeOptions) description {
	names := t.Names()
	if len(names) > opts.MaxCols {
		names = names[:opts.MaxCols]
	}
	d := description{
		Shape:   [2]int{t.NumRows(), t.NumCols()},
		Columns: names,
		Sample:  []map[string]any{},
	}
	head := t.Head(opts.MaxRows)
	for i := 0; i < head.NumRows(); i++ {
		row := make(map[string]any, len(names))
		for _, n := range names {
			row[n] = jsonCell(head.Value(i, n))
		}
		d.Sample = append(d.Sample, row)
	}
	for _, n := range names {
		c, _ := t.Column(n)
		if c.Kind() != frame.Text {
			continue
		}
		seen := map[string]bool{}
		var vals []any
		for i := 0; i < c.Len() && len(vals) < opts.MaxUniques; i++ {
			s, ok := c.Value(i).(string)
			if !ok || seen[s] {
				continue
			}
			seen[s] = true
			vals = append(vals, s)
		}
		if len(vals) > 0 {
			if d.UniqueValues == nil {
				d.UniqueValues = map[string][]any{}
			}
			d.UniqueValues[n] = vals
		}
	}
	return d
}

func jsonCell(v any) any {
	if f, ok := v.(float64); ok && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	if v == nil {
		return nil
	}
	return frame.FormatValue(v)
}

// Clean returns a copy of t with sentinels nulled and nulls imputed.
// Numeric nulls take the mean of the non-null cells, text nulls take the
// column mode (smallest value on ties). Temporal columns are left as is.
func Clean(t *frame.Table) *frame.Table {
	cols := t.Columns()
	out := make([]*frame.Column, len(cols))
	for i, c := range cols {
		out[i] = cleanColumn(c)
	}
	cleaned, err := frame.New(out...)
	if err != nil {
		// Columns keep their names and lengths, so this cannot happen.
		return t.Clone()
	}
	return cleaned
}

func cleanColumn(c *frame.Column) *frame.Column {
	levels := c.Levels()
	if c.Kind() == frame.Text {
		values := c.Values()
		nonNull := 0
		for i, v := range values {
			if s, ok := v.(string); ok && frame.IsMissingSentinel(s) {
				values[i] = nil
			} else if v != nil {
				nonNull++
			}
		}
		c = frame.NewColumn(c.Name(), frame.Text, values)
		if nonNull > 0 {
			if inferred := frame.InferColumn(c.Name(), values); inferred.Kind() == frame.Numeric {
				c = inferred
			}
		}
		if len(levels) > 0 {
			c = c.WithLevels(levels...)
		}
	}
	if c.NullCount() == 0 {
		return c
	}

	var fill any
	switch c.Kind() {
	case frame.Numeric:
		xs := c.Floats()
		if len(xs) == 0 {
			return c
		}
		fill = stat.Mean(xs, nil)
	case frame.Text:
		m, ok := mode(c)
		if !ok {
			return c
		}
		fill = m
	default:
		return c
	}
	filled := c.Map(c.Kind(), func(v any) any {
		if v == nil {
			return fill
		}
		return v
	})
	if len(levels) > 0 {
		filled = filled.WithLevels(levels...)
	}
	return filled
}

func mode(c *frame.Column) (string, bool) {
	counts := map[string]int{}
	for i := 0; i < c.Len(); i++ {
		if s, ok := c.Value(i).(string); ok {
			counts[s]++
		}
	}
	best, bestN := "", 0
	for s, n := range counts {
		if n > bestN || (n == bestN && s < best) {
			best, bestN = s, n
		}
	}
	return best, bestN > 0
}
