package ops

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ParamType is the declared type of an operation parameter.
type ParamType int

const (
	// TypeString is a single string.
	TypeString ParamType = iota
	// TypeStrings is a list of strings. A bare string is accepted as a
	// one-element list.
	TypeStrings
	// TypeNumber is a float.
	TypeNumber
	// TypeInt is a whole number.
	TypeInt
	// TypeBool is a boolean.
	TypeBool
	// TypeStringMap maps strings to strings.
	TypeStringMap
	// TypeAggMap maps column names to one or more aggregation functions.
	TypeAggMap
	// TypeScalar is any scalar: string, number or bool.
	TypeScalar
)

// String returns the schema name of the type.
func (t ParamType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeStrings:
		return "string[]"
	case TypeNumber:
		return "number"
	case TypeInt:
		return "integer"
	case TypeBool:
		return "boolean"
	case TypeStringMap:
		return "object<string,string>"
	case TypeAggMap:
		return "object<string,string|string[]>"
	default:
		return "scalar"
	}
}

// Param describes a single parameter of an operation.
type Param struct {
	Name     string
	Type     ParamType
	Required bool
	Default  any
	Enum     []string
}

// Params holds decoded parameter values. Every declared parameter with a
// default is present after decoding.
type Params map[string]any

// String returns a string parameter or "".
func (p Params) String(name string) string {
	s, _ := p[name].(string)
	return s
}

// Strings returns a list parameter or nil.
func (p Params) Strings(name string) []string {
	s, _ := p[name].([]string)
	return s
}

// Has reports whether a parameter was supplied or defaulted.
func (p Params) Has(name string) bool {
	v, ok := p[name]
	return ok && v != nil
}

// Float returns a numeric parameter or 0.
func (p Params) Float(name string) float64 {
	f, _ := p[name].(float64)
	return f
}

// Int returns an integer parameter or 0.
func (p Params) Int(name string) int {
	i, _ := p[name].(int)
	return i
}

// Bool returns a boolean parameter or false.
func (p Params) Bool(name string) bool {
	b, _ := p[name].(bool)
	return b
}

// StringMap returns a string map parameter or nil.
func (p Params) StringMap(name string) map[string]string {
	m, _ := p[name].(map[string]string)
	return m
}

// AggMap returns an aggregation map parameter or nil.
func (p Params) AggMap(name string) AggMap {
	m, _ := p[name].(AggMap)
	return m
}

// Scalar returns a scalar parameter as decoded.
func (p Params) Scalar(name string) any { return p[name] }

// AggMap maps column names to aggregation functions. Nested reports whether
// the column was given a list, which yields hierarchical output labels.
type AggMap map[string]AggSpec

// AggSpec is the aggregation requested for one column.
type AggSpec struct {
	Funcs  []string
	Nested bool
}

// Columns returns the map keys sorted.
func (m AggMap) Columns() []string {
	cols := make([]string, 0, len(m))
	for c := range m {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Decode validates raw parameters against the operation's schema and applies
// defaults. Unknown names and wrong types are rejected.
func (s *Spec) Decode(raw map[string]any) (Params, error) {
	out := make(Params, len(s.Params))
	declared := make(map[string]Param, len(s.Params))
	for _, p := range s.Params {
		declared[p.Name] = p
	}
	for name := range raw {
		if _, ok := declared[name]; !ok {
			return nil, fmt.Errorf("%s: %w %q", s.Name, ErrUnknownArg, name)
		}
	}
	for _, p := range s.Params {
		v, ok := raw[p.Name]
		if !ok || v == nil {
			if p.Required {
				return nil, fmt.Errorf("%s: %w %q", s.Name, ErrMissingRequiredArg, p.Name)
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		dv, err := decodeValue(p, v)
		if err != nil {
			return nil, fmt.Errorf("%s: parameter %q: %w", s.Name, p.Name, err)
		}
		out[p.Name] = dv
	}
	return out, nil
}

func decodeValue(p Param, v any) (any, error) {
	bad := func() error {
		return fmt.Errorf("%w: want %s, got %T", ErrInvalidArgType, p.Type, v)
	}
	switch p.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, bad()
		}
		if len(p.Enum) > 0 {
			for _, e := range p.Enum {
				if strings.EqualFold(e, s) {
					return e, nil
				}
			}
			return nil, fmt.Errorf("%w: %q not one of %s", ErrInvalidArgType, s, strings.Join(p.Enum, ", "))
		}
		return s, nil
	case TypeStrings:
		return stringList(v)
	case TypeNumber:
		f, ok := number(v)
		if !ok {
			return nil, bad()
		}
		return f, nil
	case TypeInt:
		f, ok := number(v)
		if !ok || f != math.Trunc(f) {
			return nil, bad()
		}
		return int(f), nil
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, bad()
		}
		return b, nil
	case TypeStringMap:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, bad()
		}
		out := make(map[string]string, len(m))
		for k, mv := range m {
			s, ok := mv.(string)
			if !ok {
				return nil, fmt.Errorf("%w: value for %q must be a string", ErrInvalidArgType, k)
			}
			out[k] = s
		}
		return out, nil
	case TypeAggMap:
		m, ok := v.(map[string]any)
		if !ok || len(m) == 0 {
			return nil, bad()
		}
		out := make(AggMap, len(m))
		for col, fv := range m {
			funcs, err := stringList(fv)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", col, err)
			}
			for _, fn := range funcs {
				if _, ok := reducers[fn]; !ok {
					return nil, fmt.Errorf("%w: unsupported aggregation %q", ErrInvalidArgType, fn)
				}
			}
			_, nested := fv.([]any)
			out[col] = AggSpec{Funcs: funcs, Nested: nested}
		}
		return out, nil
	default:
		switch x := v.(type) {
		case string, bool:
			return x, nil
		}
		if f, ok := number(v); ok {
			return f, nil
		}
		return nil, bad()
	}
}

func stringList(v any) ([]string, error) {
	switch x := v.(type) {
	case string:
		return []string{x}, nil
	case []string:
		return x, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: list items must be strings, got %T", ErrInvalidArgType, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: want string list, got %T", ErrInvalidArgType, v)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
