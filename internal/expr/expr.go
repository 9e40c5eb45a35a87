// Package expr implements the small row expression language used by
// filter_rows and add_computed_column.
//
// The grammar follows dataframe query syntax: and/or/not (also & | ~),
// comparisons, in / not in against bracketed lists, arithmetic with // % and
// **, string literals in either quote, backtick-quoted column names and a few
// numeric functions (abs, sqrt, log, exp, round).
package expr

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"tabula/internal/frame"
)

var (
	// ErrSyntax is returned for expressions that do not parse.
	ErrSyntax = errors.New("expression syntax error")
	// ErrUnknownName is returned when an identifier is not bound.
	ErrUnknownName = errors.New("unknown name")
	// ErrType is returned when operands cannot be combined.
	ErrType = errors.New("type error")
)

// Env resolves identifiers during evaluation.
type Env interface {
	Lookup(name string) (any, bool)
}

// MapEnv is an Env backed by a map.
type MapEnv map[string]any

// Lookup implements Env.
func (m MapEnv) Lookup(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Expr is a parsed expression.
type Expr struct {
	src  string
	root node
	refs []string
}

// Parse compiles src into an Expr.
func Parse(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, refs: map[string]bool{}}
	root, err := p.parse(bpOr)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %s", ErrSyntax, t)
	}
	refs := make([]string, 0, len(p.refs))
	for r := range p.refs {
		refs = append(refs, r)
	}
	sort.Strings(refs)
	return &Expr{src: src, root: root, refs: refs}, nil
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Names returns the identifiers referenced by the expression, sorted.
func (e *Expr) Names() []string { return append([]string(nil), e.refs...) }

// Eval evaluates the expression. The result is nil, bool, float64, string or
// time.Time.
func (e *Expr) Eval(env Env) (any, error) {
	return eval(e.root, env)
}

// Truthy reports whether a value counts as true in a filter.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

func eval(n node, env Env) (any, error) {
	switch x := n.(type) {
	case literal:
		return x.value, nil
	case ident:
		v, ok := env.Lookup(x.name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownName, x.name)
		}
		return cell(v), nil
	case list:
		out := make([]any, len(x.items))
		for i, item := range x.items {
			v, err := eval(item, env)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case unary:
		v, err := eval(x.x, env)
		if err != nil {
			return nil, err
		}
		return evalUnary(x.op, v)
	case binary:
		return evalBinary(x, env)
	case call:
		return evalCall(x, env)
	}
	return nil, fmt.Errorf("%w: unknown node %T", ErrSyntax, n)
}

func cell(v any) any {
	if f, ok := frame.AsFloat(v); ok {
		return f
	}
	return v
}

func evalUnary(op string, v any) (any, error) {
	if op == "not" {
		return !Truthy(v), nil
	}
	if v == nil {
		return nil, nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("%w: unary %s on %T", ErrType, op, v)
	}
	if op == "-" {
		return -f, nil
	}
	return f, nil
}

func evalBinary(b binary, env Env) (any, error) {
	l, err := eval(b.l, env)
	if err != nil {
		return nil, err
	}
	switch b.op {
	case "and":
		if !Truthy(l) {
			return false, nil
		}
		r, err := eval(b.r, env)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	case "or":
		if Truthy(l) {
			return true, nil
		}
		r, err := eval(b.r, env)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	}

	r, err := eval(b.r, env)
	if err != nil {
		return nil, err
	}
	switch b.op {
	case "in", "not in":
		items, ok := r.([]any)
		if !ok {
			items = []any{r}
		}
		found := false
		for _, item := range items {
			if c, ok := compare(l, item); ok && c == 0 {
				found = true
				break
			}
		}
		return found == (b.op == "in"), nil
	case "==", "!=", "<", "<=", ">", ">=":
		c, ok := compare(l, r)
		if !ok {
			return b.op == "!=", nil
		}
		switch b.op {
		case "==":
			return c == 0, nil
		case "!=":
			return c != 0, nil
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	}
	return arith(b.op, l, r)
}

// compare orders two values, coercing text to the other side's kind when
// possible. ok is false when either side is null or the kinds are unrelated.
func compare(l, r any) (int, bool) {
	if l == nil || r == nil {
		return 0, false
	}
	if lb, ok := l.(bool); ok {
		l = boolNum(lb)
	}
	if rb, ok := r.(bool); ok {
		r = boolNum(rb)
	}
	switch lv := l.(type) {
	case float64:
		if s, ok := r.(string); ok {
			f, ok := frame.ParseNumber(s)
			if !ok {
				return 0, false
			}
			r = f
		}
		if _, ok := r.(float64); !ok {
			return 0, false
		}
	case time.Time:
		if s, ok := r.(string); ok {
			t, ok := frame.ParseTime(s)
			if !ok {
				return 0, false
			}
			r = t
		}
		if _, ok := r.(time.Time); !ok {
			return 0, false
		}
		return lv.Compare(r.(time.Time)), true
	case string:
		switch r.(type) {
		case float64, time.Time:
			c, ok := compare(r, l)
			return -c, ok
		}
	}
	return frame.Compare(l, r), true
}

func boolNum(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func arith(op string, l, r any) (any, error) {
	if l == nil || r == nil {
		return nil, nil
	}
	if ls, ok := l.(string); ok && op == "+" {
		if rs, ok := r.(string); ok {
			return ls + rs, nil
		}
	}
	if lb, ok := l.(bool); ok {
		l = boolNum(lb)
	}
	if rb, ok := r.(bool); ok {
		r = boolNum(rb)
	}
	a, aok := l.(float64)
	b, bok := r.(float64)
	if !aok || !bok {
		return nil, fmt.Errorf("%w: %T %s %T", ErrType, l, op, r)
	}
	var v float64
	switch op {
	case "+":
		v = a + b
	case "-":
		v = a - b
	case "*":
		v = a * b
	case "/":
		if b == 0 {
			return nil, nil
		}
		v = a / b
	case "//":
		if b == 0 {
			return nil, nil
		}
		v = math.Floor(a / b)
	case "%":
		if b == 0 {
			return nil, nil
		}
		v = a - b*math.Floor(a/b)
	case "**":
		v = math.Pow(a, b)
	default:
		return nil, fmt.Errorf("%w: operator %s", ErrSyntax, op)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, nil
	}
	return v, nil
}

func evalCall(c call, env Env) (any, error) {
	args := make([]float64, len(c.args))
	for i, a := range c.args {
		v, err := eval(a, env)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, nil
		}
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects numbers", ErrType, c.fn)
		}
		args[i] = f
	}
	one := func(fn func(float64) float64) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s takes one argument", ErrSyntax, c.fn)
		}
		v := fn(args[0])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil
		}
		return v, nil
	}
	switch c.fn {
	case "abs":
		return one(math.Abs)
	case "sqrt":
		return one(math.Sqrt)
	case "log":
		return one(math.Log)
	case "exp":
		return one(math.Exp)
	case "round":
		switch len(args) {
		case 1:
			return math.RoundToEven(args[0]), nil
		case 2:
			p := math.Pow(10, args[1])
			return math.Round(args[0]*p) / p, nil
		}
		return nil, fmt.Errorf("%w: round takes one or two arguments", ErrSyntax)
	}
	return nil, fmt.Errorf("%w: function %s", ErrUnknownName, c.fn)
}
