package sandbox

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"

	"github.com/traefik/yaegi/interp"

	"tabula/internal/frame"
	"tabula/internal/ops"
)

// EnvImportPath is the import path generated code uses for its bindings.
const EnvImportPath = "tabula/env"

// namespace is the per-run state behind the env package.
type namespace struct {
	tables map[string]*frame.Table
	out    io.Writer
}

// exports builds the env package symbols bound to ns.
//
//	env.Tables                      map[string]*env.Table, seeded from the registry
//	env.Get(name) *env.Table        nil when absent
//	env.Set(name, t)                store a table under name
//	env.Names() []string            sorted table names
//	env.Apply(op, inputs, params)   run a catalog operation, returns any
//	env.ApplyTable(op, ...)         same, but requires a table result
//	env.NewTable(header, rows)      build a table from rows of values
//	env.Show(t)                     print a table as markdown
//	env.Println(args...)            print to the captured output
func (ns *namespace) exports() interp.Exports {
	return interp.Exports{
		EnvImportPath + "/env": {
			"Tables": reflect.ValueOf(&ns.tables).Elem(),

			"Table":  reflect.ValueOf((*frame.Table)(nil)),
			"Column": reflect.ValueOf((*frame.Column)(nil)),

			"Get":        reflect.ValueOf(ns.get),
			"Set":        reflect.ValueOf(ns.set),
			"Names":      reflect.ValueOf(ns.names),
			"Apply":      reflect.ValueOf(ns.apply),
			"ApplyTable": reflect.ValueOf(ns.applyTable),
			"NewTable":   reflect.ValueOf(frame.FromRows),
			"Show":       reflect.ValueOf(ns.show),
			"Println":    reflect.ValueOf(ns.println),
			"Sprint":     reflect.ValueOf(fmt.Sprint),
		},
	}
}

func (ns *namespace) get(name string) *frame.Table {
	return ns.tables[name]
}

func (ns *namespace) set(name string, t *frame.Table) {
	ns.tables[name] = t
}

func (ns *namespace) names() []string {
	out := make([]string, 0, len(ns.tables))
	for n := range ns.tables {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (ns *namespace) apply(op string, inputs []*frame.Table, params map[string]any) (any, error) {
	spec, ok := ops.Lookup(op)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ops.ErrUnknownOperation, op)
	}
	p, err := spec.Decode(params)
	if err != nil {
		return nil, err
	}
	return ops.Apply(spec.Kind, inputs, p)
}

func (ns *namespace) applyTable(op string, inputs []*frame.Table, params map[string]any) (*frame.Table, error) {
	v, err := ns.apply(op, inputs, params)
	if err != nil {
		return nil, err
	}
	t, ok := v.(*frame.Table)
	if !ok {
		return nil, fmt.Errorf("%s returned %T, not a table", op, v)
	}
	return t, nil
}

func (ns *namespace) show(t *frame.Table) {
	if t == nil {
		fmt.Fprintln(ns.out, "<nil table>")
		return
	}
	fmt.Fprintln(ns.out, t.Markdown())
}

func (ns *namespace) println(args ...any) {
	fmt.Fprintln(ns.out, args...)
}

// syncBuffer is written by the interpreter goroutine and read once the run
// is over, which may be before that goroutine notices a cancellation.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
