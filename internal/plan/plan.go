// Package plan decodes instruction sequences from their wire form.
//
// The wire form is an array of 4-element arrays:
//
//	[output_name, operation, input_reference, parameters]
//
// where input_reference is a name or a list of names. Decoding never drops a
// step: malformed entries and unknown operations stay in the Sequence marked
// as skipped, and parameter errors stay attached to the step so they surface
// when it runs.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tabula/internal/logging"
	"tabula/internal/ops"
	"tabula/internal/parse"
)

var (
	// ErrNotSequence is returned when the decoded payload is not an array.
	ErrNotSequence = errors.New("instruction payload is not an array")

	// ErrMalformedStep marks an entry that is not a well-formed 4-tuple.
	ErrMalformedStep = errors.New("malformed step")
)

// Step is one decoded instruction.
type Step struct {
	Index  int
	Output string
	Op     string
	Kind   ops.Kind
	Inputs []string
	Params ops.Params
	// Raw holds the parameters exactly as received.
	Raw map[string]any
	// Err is the decode problem for this step, if any.
	Err error
}

// Skipped reports whether the step is never executed: its entry was
// malformed or it names an operation outside the catalog.
func (s Step) Skipped() bool {
	return errors.Is(s.Err, ErrMalformedStep) || errors.Is(s.Err, ops.ErrUnknownOperation)
}

// Reference renders the input reference the way it appears on the wire.
func (s Step) Reference() any {
	if len(s.Inputs) == 1 {
		return s.Inputs[0]
	}
	out := make([]any, len(s.Inputs))
	for i, name := range s.Inputs {
		out[i] = name
	}
	return out
}

// Wire returns the step as a 4-element array.
func (s Step) Wire() []any {
	raw := s.Raw
	if raw == nil {
		raw = map[string]any{}
	}
	return []any{s.Output, s.Op, s.Reference(), raw}
}

func (s Step) String() string {
	b, err := json.Marshal(s.Wire())
	if err != nil {
		return fmt.Sprintf("[%q, %q, %v, ...]", s.Output, s.Op, s.Inputs)
	}
	return string(b)
}

// Sequence is an ordered list of steps. Order is execution order.
type Sequence []Step

// MarshalJSON encodes the sequence in its wire form.
func (seq Sequence) MarshalJSON() ([]byte, error) {
	out := make([][]any, len(seq))
	for i, s := range seq {
		out[i] = s.Wire()
	}
	return json.Marshal(out)
}

// Parse recovers the instruction array from generator text and decodes it.
func Parse(text string) (Sequence, error) {
	v, err := parse.Structured(text)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// Decode turns a parsed payload into a Sequence. A lone instruction (a flat
// array whose first element is a string) is accepted as a one-step sequence.
func Decode(v any) (Sequence, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotSequence, v)
	}
	if len(items) == 4 {
		if _, flat := items[0].(string); flat {
			items = []any{items}
		}
	}
	seq := make(Sequence, 0, len(items))
	for i, item := range items {
		s := decodeStep(item)
		s.Index = i
		if s.Err != nil {
			logging.ExecutorDebug("step %d: %v", i, s.Err)
		}
		seq = append(seq, s)
	}
	return seq, nil
}

func decodeStep(item any) Step {
	tuple, ok := item.([]any)
	if !ok || len(tuple) != 4 {
		return Step{Err: fmt.Errorf("%w: want a 4-element array, got %s", ErrMalformedStep, describe(item))}
	}
	var s Step
	if s.Output, ok = tuple[0].(string); !ok || strings.TrimSpace(s.Output) == "" {
		return Step{Err: fmt.Errorf("%w: output name must be a non-empty string", ErrMalformedStep)}
	}
	s.Output = strings.TrimSpace(s.Output)
	if s.Op, ok = tuple[1].(string); !ok {
		return Step{Output: s.Output, Err: fmt.Errorf("%w: operation must be a string", ErrMalformedStep)}
	}
	s.Op = strings.TrimSpace(s.Op)
	inputs, err := references(tuple[2])
	if err != nil {
		return Step{Output: s.Output, Op: s.Op, Err: err}
	}
	s.Inputs = inputs
	switch raw := tuple[3].(type) {
	case map[string]any:
		s.Raw = raw
	case nil:
		s.Raw = map[string]any{}
	default:
		s.Err = fmt.Errorf("%w: parameters must be an object, got %T", ErrMalformedStep, tuple[3])
		return s
	}

	spec, ok := ops.Lookup(s.Op)
	if !ok {
		s.Err = fmt.Errorf("%w: %q", ops.ErrUnknownOperation, s.Op)
		return s
	}
	s.Kind = spec.Kind
	s.Params, s.Err = spec.Decode(s.Raw)
	return s
}

// references reads an input reference. A single-element list collapses to a
// bare name.
func references(v any) ([]string, error) {
	switch ref := v.(type) {
	case string:
		if strings.TrimSpace(ref) == "" {
			return nil, fmt.Errorf("%w: empty input reference", ErrMalformedStep)
		}
		return []string{strings.TrimSpace(ref)}, nil
	case []any:
		if len(ref) == 0 {
			return nil, fmt.Errorf("%w: empty input reference", ErrMalformedStep)
		}
		out := make([]string, 0, len(ref))
		for _, item := range ref {
			name, ok := item.(string)
			if !ok || strings.TrimSpace(name) == "" {
				return nil, fmt.Errorf("%w: input names must be non-empty strings", ErrMalformedStep)
			}
			out = append(out, strings.TrimSpace(name))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: input reference must be a name or list of names, got %T", ErrMalformedStep, v)
	}
}

func describe(v any) string {
	if list, ok := v.([]any); ok {
		return fmt.Sprintf("%d elements", len(list))
	}
	return fmt.Sprintf("%T", v)
}
