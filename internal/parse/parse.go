// Package parse recovers structured data and code from free-form generator
// output.
//
// Structured tries candidate spans in order (fenced block, first balanced
// bracket span, trimmed text) and for each span an ordered list of decoders
// (strict JSON, JSON without trailing commas, permissive literal syntax).
// Every strategy is total: it reports a tagged outcome instead of panicking,
// and the first success wins.
package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"tabula/internal/logging"
)

// ErrEmptyResponse is returned for blank input.
var ErrEmptyResponse = errors.New("empty response")

// Failure is returned when no strategy recovers a structured payload.
type Failure struct {
	// Text is the offending input.
	Text string
	// Attempts lists every strategy that was tried, in order.
	Attempts []Attempt
}

func (f *Failure) Error() string {
	text := f.Text
	if len(text) > 120 {
		text = text[:120] + "..."
	}
	return fmt.Sprintf("parse failure after %d attempts: %q", len(f.Attempts), text)
}

// Attempt is the tagged outcome of one strategy on one candidate span.
type Attempt struct {
	Source  string
	Decoder string
	Err     error
}

type decoder struct {
	name string
	fn   func(span string) (any, error)
}

var decoders = []decoder{
	{"strict", decodeStrict},
	{"trailing-commas", func(span string) (any, error) { return decodeStrict(stripTrailingCommas(span)) }},
	{"literal", decodeLiteral},
}

// Structured extracts and decodes a JSON-like value from text. The result
// uses map[string]any, []any, string, int64, float64, bool and nil.
func Structured(text string) (any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyResponse
	}
	var attempts []Attempt
	for _, c := range Candidates(text) {
		for _, d := range decoders {
			v, err := d.fn(c.Span)
			if err == nil {
				logging.ParserDebug("decoded %s span with %s decoder", c.Source, d.name)
				return v, nil
			}
			attempts = append(attempts, Attempt{Source: c.Source, Decoder: d.name, Err: err})
		}
	}
	return nil, &Failure{Text: text, Attempts: attempts}
}

// Candidate is a span of the input that may hold the payload.
type Candidate struct {
	Source string
	Span   string
}

var fencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n?(.*?)```")

// Candidates returns the spans Structured tries, in order and without
// duplicates: fenced block content, first balanced bracket span, trimmed text.
func Candidates(text string) []Candidate {
	var out []Candidate
	seen := map[string]bool{}
	add := func(source, span string) {
		span = strings.TrimSpace(span)
		if span == "" || seen[span] {
			return
		}
		seen[span] = true
		out = append(out, Candidate{Source: source, Span: span})
	}
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		add("fence", m[1])
		if span, ok := balancedSpan(m[1]); ok {
			add("fence-brackets", span)
		}
	}
	if span, ok := balancedSpan(text); ok {
		add("brackets", span)
	}
	add("raw", text)
	return out
}

// balancedSpan finds the first '[' or '{' and returns the span up to its
// matching closer. Quoted strings in either quote style are skipped.
func balancedSpan(text string) (string, bool) {
	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return "", false
	}
	open := text[start]
	closer := byte(']')
	if open == '{' {
		closer = '}'
	}
	depth := 0
	var quote byte
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			quote = ch
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func decodeStrict(span string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(span))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if err := ensureEOF(dec); err != nil {
		return nil, err
	}
	return Normalize(v), nil
}

func ensureEOF(dec *json.Decoder) error {
	var extra any
	if err := dec.Decode(&extra); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return errors.New("unexpected trailing data")
}

// stripTrailingCommas removes commas that directly precede a closing bracket,
// outside string literals.
func stripTrailingCommas(span string) string {
	var sb strings.Builder
	var quote byte
	escaped := false
	for i := 0; i < len(span); i++ {
		ch := span[i]
		if quote != 0 {
			sb.WriteByte(ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == quote:
				quote = 0
			}
			continue
		}
		if ch == '"' || ch == '\'' {
			quote = ch
		}
		if ch == ',' {
			j := i + 1
			for j < len(span) && strings.IndexByte(" \t\r\n", span[j]) >= 0 {
				j++
			}
			if j < len(span) && (span[j] == ']' || span[j] == '}') {
				continue
			}
		}
		sb.WriteByte(ch)
	}
	return sb.String()
}

var literalWords = map[string]string{
	"True":  "true",
	"False": "false",
	"None":  "null",
}

// translateLiterals rewrites True/False/None outside string literals.
func translateLiterals(span string) string {
	var sb strings.Builder
	var quote byte
	escaped := false
	for i := 0; i < len(span); {
		ch := span[i]
		if quote != 0 {
			sb.WriteByte(ch)
			i++
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == quote:
				quote = 0
			}
			continue
		}
		if ch == '"' || ch == '\'' {
			quote = ch
			sb.WriteByte(ch)
			i++
			continue
		}
		if isWordByte(ch) {
			j := i
			for j < len(span) && isWordByte(span[j]) {
				j++
			}
			word := span[i:j]
			if repl, ok := literalWords[word]; ok {
				word = repl
			}
			sb.WriteString(word)
			i = j
			continue
		}
		sb.WriteByte(ch)
		i++
	}
	return sb.String()
}

func isWordByte(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

// decodeLiteral accepts flow-style literals: single-quoted strings, unquoted
// keys, trailing commas and True/False/None. Only bracketed spans qualify so
// that arbitrary prose is never mistaken for a bare string.
func decodeLiteral(span string) (any, error) {
	if span == "" || (span[0] != '[' && span[0] != '{') {
		return nil, errors.New("literal decoder needs a bracketed span")
	}
	src := stripTrailingCommas(translateLiterals(span))
	var v any
	if err := yaml.Unmarshal([]byte(src), &v); err != nil {
		return nil, err
	}
	return Normalize(v), nil
}

// Normalize converts decoded values into the canonical shapes used across
// the module.
func Normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = Normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = Normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[fmt.Sprint(k)] = Normalize(item)
		}
		return out
	default:
		return v
	}
}
