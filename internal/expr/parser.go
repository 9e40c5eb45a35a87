package expr

import (
	"fmt"
	"strconv"
	"strings"
)

type node interface{}

type (
	literal struct{ value any }
	ident   struct{ name string }
	list    struct{ items []node }
	unary   struct {
		op string
		x  node
	}
	binary struct {
		op   string
		l, r node
	}
	call struct {
		fn   string
		args []node
	}
)

// Binding powers, loosest first.
const (
	bpOr = iota + 1
	bpAnd
	bpNot
	bpCompare
	bpSum
	bpProduct
	bpUnary
	bpPower
)

type parser struct {
	toks []token
	pos  int
	refs map[string]bool
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) error {
	if t := p.next(); t.kind != kind {
		return fmt.Errorf("%w: expected %s, found %s", ErrSyntax, what, t)
	}
	return nil
}

func keyword(t token) string {
	if t.kind != tokIdent {
		return ""
	}
	switch strings.ToLower(t.text) {
	case "and", "or", "not", "in", "true", "false", "none", "null", "nan":
		return strings.ToLower(t.text)
	}
	return ""
}

func (p *parser) parse(minBP int) (node, error) {
	left, err := p.prefix()
	if err != nil {
		return nil, err
	}
	for {
		op, lbp, ok := p.infix()
		if !ok || lbp < minBP {
			return left, nil
		}
		p.next()
		if op == "not in" {
			p.next()
		}
		rbp := lbp + 1
		if op == "**" {
			rbp = lbp
		}
		right, err := p.parse(rbp)
		if err != nil {
			return nil, err
		}
		left = binary{op: op, l: left, r: right}
	}
}

// infix classifies the next token as a binary operator.
func (p *parser) infix() (string, int, bool) {
	t := p.peek()
	switch kw := keyword(t); kw {
	case "or":
		return "or", bpOr, true
	case "and":
		return "and", bpAnd, true
	case "in":
		return "in", bpCompare, true
	case "not":
		if nt := p.toks[p.pos+1]; keyword(nt) == "in" {
			return "not in", bpCompare, true
		}
		return "", 0, false
	}
	if t.kind != tokOp {
		return "", 0, false
	}
	switch t.text {
	case "|", "||":
		return "or", bpOr, true
	case "&", "&&":
		return "and", bpAnd, true
	case "==", "=":
		return "==", bpCompare, true
	case "!=", "<", "<=", ">", ">=":
		return t.text, bpCompare, true
	case "+", "-":
		return t.text, bpSum, true
	case "*", "/", "//", "%":
		return t.text, bpProduct, true
	case "**":
		return "**", bpPower, true
	}
	return "", 0, false
}

func (p *parser) prefix() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %s", ErrSyntax, t)
		}
		return literal{f}, nil
	case tokString:
		return literal{t.text}, nil
	case tokLParen:
		inner, err := p.parse(bpOr)
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokLBrack:
		items, err := p.items(tokRBrack, "]")
		if err != nil {
			return nil, err
		}
		return list{items}, nil
	case tokOp:
		switch t.text {
		case "-", "+":
			x, err := p.parse(bpUnary)
			if err != nil {
				return nil, err
			}
			return unary{op: t.text, x: x}, nil
		case "~", "!":
			x, err := p.parse(bpNot)
			if err != nil {
				return nil, err
			}
			return unary{op: "not", x: x}, nil
		}
	case tokIdent:
		switch keyword(t) {
		case "true":
			return literal{true}, nil
		case "false":
			return literal{false}, nil
		case "none", "null", "nan":
			return literal{nil}, nil
		case "not":
			x, err := p.parse(bpNot)
			if err != nil {
				return nil, err
			}
			return unary{op: "not", x: x}, nil
		case "":
			if p.peek().kind == tokLParen {
				p.next()
				args, err := p.items(tokRParen, ")")
				if err != nil {
					return nil, err
				}
				return call{fn: strings.ToLower(t.text), args: args}, nil
			}
			p.refs[t.text] = true
			return ident{t.text}, nil
		}
	}
	return nil, fmt.Errorf("%w: unexpected %s", ErrSyntax, t)
}

func (p *parser) items(closer tokenKind, what string) ([]node, error) {
	var items []node
	if p.peek().kind == closer {
		p.next()
		return items, nil
	}
	for {
		item, err := p.parse(bpOr)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		t := p.next()
		if t.kind == closer {
			return items, nil
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("%w: expected , or %s, found %s", ErrSyntax, what, t)
		}
	}
}
