package expression

import (
	"fmt"
	"strings"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/schema"
)

// Predicate is a compiled expression bound to one schema.
type Predicate struct {
	src  string
	root node
}

// Compile parses src and resolves every field and literal against s.
// Failures are *errors.HorizonExpressionError.
func Compile(src string, s *schema.Schema, opts ...schema.ParseOptions) (*Predicate, error) {
	var po schema.ParseOptions
	if len(opts) > 0 {
		po = opts[0]
	}

	toks, pos, err := lex(src)
	if err != nil {
		return nil, &errors.HorizonExpressionError{Expr: src, Pos: pos, Reason: err.Error()}
	}
	if len(toks) == 1 {
		return nil, &errors.HorizonExpressionError{Expr: src, Pos: -1, Reason: "empty expression"}
	}

	p := &parser{src: src, toks: toks, schema: s, opts: po}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.fail(t.pos, "unexpected %q", t.text)
	}
	return &Predicate{src: src, root: root}, nil
}

// MustCompile is Compile for expressions known to be valid.
func MustCompile(src string, s *schema.Schema) *Predicate {
	p, err := Compile(src, s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source text.
func (p *Predicate) String() string {
	return p.src
}

type parser struct {
	src    string
	toks   []token
	i      int
	schema *schema.Schema
	opts   schema.ParseOptions
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) fail(pos int, format string, args ...any) error {
	return &errors.HorizonExpressionError{Expr: p.src, Pos: pos, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().is(LogicOr) {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().is(LogicAnd) {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	switch {
	case t.is(LogicNot):
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	case t.kind == tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, p.fail(c.pos, "expected ')'")
		}
		return inner, nil
	case t.is("true"):
		p.next()
		return constNode(true), nil
	case t.is("false"):
		p.next()
		return constNode(false), nil
	case t.kind == tokIdent:
		return p.parseCondition()
	case t.kind == tokEOF:
		return nil, p.fail(t.pos, "unexpected end of expression")
	}
	return nil, p.fail(t.pos, "expected a field name, got %q", t.text)
}

func (p *parser) parseCondition() (node, error) {
	ft := p.next()
	field, ok := p.schema.Field(ft.text)
	if !ok {
		return nil, p.fail(ft.pos, "unknown field %q", ft.text)
	}

	opTok := p.next()
	switch {
	case opTok.is("is"):
		negate := false
		if p.peek().is(LogicNot) {
			p.next()
			negate = true
		}
		if t := p.next(); !t.is("null") {
			return nil, p.fail(t.pos, "expected null after is")
		}
		return nullNode{field: field.Name, negate: negate}, nil

	case opTok.is(OpIn):
		return p.parseIn(field)
	}

	op := ""
	switch opTok.kind {
	case tokOp:
		op = symbolOps[opTok.text]
	case tokIdent:
		if w := strings.ToLower(opTok.text); wordOps[w] {
			op = w
		}
	}
	if op == "" {
		return nil, p.fail(opTok.pos, "expected an operator after %s", field.Name)
	}

	lit := p.next()
	if lit.kind != tokNumber && lit.kind != tokString {
		return nil, p.fail(lit.pos, "expected a literal after %s", opTok.text)
	}

	cond := &condition{field: field, op: op, text: lit.text, opts: p.opts}
	if isTextOp(op) {
		if op == OpRegexMatch {
			re, err := compileRegex(lit.text)
			if err != nil {
				return nil, p.fail(lit.pos, "%v", err)
			}
			cond.re = re
		}
		return cond, nil
	}

	v, err := p.literal(field, lit)
	if err != nil {
		return nil, err
	}
	cond.value = v
	return cond, nil
}

func (p *parser) parseIn(field schema.Field) (node, error) {
	if t := p.next(); t.kind != tokLParen {
		return nil, p.fail(t.pos, "expected '(' after in")
	}
	n := inNode{field: field}
	for {
		lit := p.next()
		if lit.kind != tokNumber && lit.kind != tokString {
			return nil, p.fail(lit.pos, "expected a literal in list")
		}
		v, err := p.literal(field, lit)
		if err != nil {
			return nil, err
		}
		n.values = append(n.values, v)

		sep := p.next()
		if sep.kind == tokRParen {
			return n, nil
		}
		if sep.kind != tokComma {
			return nil, p.fail(sep.pos, "expected ',' or ')'")
		}
	}
}

func (p *parser) literal(field schema.Field, lit token) (any, error) {
	v, err := field.Type.ParseValue(lit.text, p.opts)
	if err != nil {
		return nil, p.fail(lit.pos, "literal for %s: %v", field.Name, err)
	}
	if v == nil {
		return nil, p.fail(lit.pos, "empty literal for %s; use is null", field.Name)
	}
	return v, nil
}

