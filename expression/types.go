// Package expression compiles boolean row predicates against a schema.
//
// The grammar is small:
//
//	expr       := or
//	or         := and { "or" and }
//	and        := unary { "and" unary }
//	unary      := "not" unary | "(" expr ")" | "true" | "false" | condition
//	condition  := field op literal
//	            | field "in" "(" literal { "," literal } ")"
//	            | field "is" [ "not" ] "null"
//
// Operators are ==, =, !=, <>, <, <=, >, >= (or their word forms eq, ne, lt,
// lte, gt, gte) and the text operators contains, starts_with, ends_with and
// regex. Literals are numbers or single- or double-quoted strings and are
// coerced to the field's schema type at compile time. A comparison against a
// null field is false; use "is null" to test for nulls.
package expression

// Comparison operators
const (
	OpEqual            = "eq"
	OpNotEqual         = "ne"
	OpLessThan         = "lt"
	OpLessThanEqual    = "lte"
	OpGreaterThan      = "gt"
	OpGreaterThanEqual = "gte"
	OpIn               = "in"
)

// Text operators work on the field's formatted text.
const (
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpRegexMatch = "regex"
)

// Logic operators
const (
	LogicAnd = "and"
	LogicOr  = "or"
	LogicNot = "not"
)

var symbolOps = map[string]string{
	"==": OpEqual,
	"=":  OpEqual,
	"!=": OpNotEqual,
	"<>": OpNotEqual,
	"<":  OpLessThan,
	"<=": OpLessThanEqual,
	">":  OpGreaterThan,
	">=": OpGreaterThanEqual,
}

var wordOps = map[string]bool{
	OpEqual:            true,
	OpNotEqual:         true,
	OpLessThan:         true,
	OpLessThanEqual:    true,
	OpGreaterThan:      true,
	OpGreaterThanEqual: true,
	OpContains:         true,
	OpStartsWith:       true,
	OpEndsWith:         true,
	OpRegexMatch:       true,
}

func isTextOp(op string) bool {
	switch op {
	case OpContains, OpStartsWith, OpEndsWith, OpRegexMatch:
		return true
	}
	return false
}
