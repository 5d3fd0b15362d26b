package expression

import (
	"regexp"
	"strings"

	"github.com/c360/espflow/event"
	"github.com/c360/espflow/schema"
)

// Match evaluates the predicate against a row whose values are canonical
// for the schema the predicate was compiled with.
func (p *Predicate) Match(r event.Record) bool {
	return p.root.eval(r)
}

type node interface {
	eval(r event.Record) bool
}

type constNode bool

func (c constNode) eval(event.Record) bool { return bool(c) }

type andNode struct{ left, right node }

func (n andNode) eval(r event.Record) bool { return n.left.eval(r) && n.right.eval(r) }

type orNode struct{ left, right node }

func (n orNode) eval(r event.Record) bool { return n.left.eval(r) || n.right.eval(r) }

type notNode struct{ inner node }

func (n notNode) eval(r event.Record) bool { return !n.inner.eval(r) }

type nullNode struct {
	field  string
	negate bool
}

func (n nullNode) eval(r event.Record) bool {
	return (r[n.field] == nil) != n.negate
}

type inNode struct {
	field  schema.Field
	values []any
}

func (n inNode) eval(r event.Record) bool {
	v := r[n.field.Name]
	if v == nil {
		return false
	}
	for _, want := range n.values {
		if n.field.Type.Compare(v, want) == 0 {
			return true
		}
	}
	return false
}

type condition struct {
	field schema.Field
	op    string
	value any    // canonical literal for ordered operators
	text  string // raw literal for text operators
	re    *regexp.Regexp
	opts  schema.ParseOptions
}

func (c *condition) eval(r event.Record) bool {
	v := r[c.field.Name]
	if v == nil {
		return false
	}

	if isTextOp(c.op) {
		s := c.field.Type.FormatValue(v, c.opts)
		switch c.op {
		case OpContains:
			return strings.Contains(s, c.text)
		case OpStartsWith:
			return strings.HasPrefix(s, c.text)
		case OpEndsWith:
			return strings.HasSuffix(s, c.text)
		case OpRegexMatch:
			return c.re.MatchString(s)
		}
		return false
	}

	cmp := c.field.Type.Compare(v, c.value)
	switch c.op {
	case OpEqual:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpLessThan:
		return cmp < 0
	case OpLessThanEqual:
		return cmp <= 0
	case OpGreaterThan:
		return cmp > 0
	case OpGreaterThanEqual:
		return cmp >= 0
	}
	return false
}
