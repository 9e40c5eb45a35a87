package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokLBrack
	tokRBrack
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q at %d", t.text, t.pos)
}

// operators sorted longest first so that greedy matching works.
var operators = []string{
	"**", "//", "==", "!=", "<=", ">=", "&&", "||",
	"+", "-", "*", "/", "%", "<", ">", "=", "&", "|", "~", "!",
}

func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	i := 0
	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == '[':
			toks = append(toks, token{tokLBrack, "[", i})
			i++
		case r == ']':
			toks = append(toks, token{tokRBrack, "]", i})
			i++
		case r == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case r == '\'' || r == '"':
			start := i
			var sb strings.Builder
			i++
			for i < len(rs) && rs[i] != r {
				if rs[i] == '\\' && i+1 < len(rs) {
					i++
				}
				sb.WriteRune(rs[i])
				i++
			}
			if i >= len(rs) {
				return nil, fmt.Errorf("%w: unterminated string at %d", ErrSyntax, start)
			}
			i++
			toks = append(toks, token{tokString, sb.String(), start})
		case r == '`':
			start := i
			end := i + 1
			for end < len(rs) && rs[end] != '`' {
				end++
			}
			if end >= len(rs) {
				return nil, fmt.Errorf("%w: unterminated quoted name at %d", ErrSyntax, start)
			}
			toks = append(toks, token{tokIdent, string(rs[i+1 : end]), start})
			i = end + 1
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			start := i
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.' || rs[i] == '_') {
				i++
			}
			if i < len(rs) && (rs[i] == 'e' || rs[i] == 'E') {
				j := i + 1
				if j < len(rs) && (rs[j] == '+' || rs[j] == '-') {
					j++
				}
				if j < len(rs) && unicode.IsDigit(rs[j]) {
					i = j
					for i < len(rs) && unicode.IsDigit(rs[i]) {
						i++
					}
				}
			}
			toks = append(toks, token{tokNumber, strings.ReplaceAll(string(rs[start:i]), "_", ""), start})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_' || rs[i] == '.') {
				i++
			}
			toks = append(toks, token{tokIdent, string(rs[start:i]), start})
		default:
			matched := false
			for _, op := range operators {
				if strings.HasPrefix(string(rs[i:]), op) {
					toks = append(toks, token{tokOp, op, i})
					i += len([]rune(op))
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, r, i)
			}
		}
	}
	return append(toks, token{tokEOF, "", len(rs)}), nil
}
