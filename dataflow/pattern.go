package dataflow

import "slices"

// PatternEvent is one named event of interest in a pattern, bound to a
// source window and selected by an expression.
type PatternEvent struct {
	Source     string `json:"source"`
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// FieldExpr computes one output field from a pattern node.
type FieldExpr struct {
	Expression string `json:"expression"`
	Node       string `json:"node,omitempty"`
}

// FieldSelection copies one field of a pattern node into the output.
type FieldSelection struct {
	Name string `json:"name"`
	Node string `json:"node"`
}

// TimeField names the field carrying event time for a source window.
type TimeField struct {
	Field  string `json:"field"`
	Source string `json:"source"`
}

// Pattern is an ordered event sequence with the logic relating its events and
// the fields emitted when it matches.
type Pattern struct {
	name       string
	active     bool
	index      string
	events     []PatternEvent
	logic      string
	exprs      []FieldExpr
	selections []FieldSelection
	timeFields []TimeField
}

// PatternOption configures a pattern at creation.
type PatternOption func(*Pattern)

// PatternInactive creates the pattern switched off.
func PatternInactive() PatternOption {
	return func(p *Pattern) { p.active = false }
}

// PatternIndex sets the comma separated index fields of the pattern.
func PatternIndex(fields string) PatternOption {
	return func(p *Pattern) { p.index = fields }
}

func (p *Pattern) Name() string  { return p.name }
func (p *Pattern) Active() bool  { return p.active }
func (p *Pattern) Index() string { return p.index }
func (p *Pattern) Logic() string { return p.logic }

func (p *Pattern) Events() []PatternEvent            { return slices.Clone(p.events) }
func (p *Pattern) FieldExprs() []FieldExpr           { return slices.Clone(p.exprs) }
func (p *Pattern) FieldSelections() []FieldSelection { return slices.Clone(p.selections) }
func (p *Pattern) TimeFields() []TimeField           { return slices.Clone(p.timeFields) }

// AddEvent appends an event of interest.
func (p *Pattern) AddEvent(source, name, expr string) *Pattern {
	p.events = append(p.events, PatternEvent{Source: source, Name: name, Expression: expr})
	return p
}

// SetLogic sets the operator expression over event names, e.g. fby(e1,e2).
func (p *Pattern) SetLogic(logic string) *Pattern {
	p.logic = logic
	return p
}

// AddFieldExpr appends an output field computed by expr.
func (p *Pattern) AddFieldExpr(expr, node string) *Pattern {
	p.exprs = append(p.exprs, FieldExpr{Expression: expr, Node: node})
	return p
}

// AddFieldSelection appends an output field copied from node.
func (p *Pattern) AddFieldSelection(name, node string) *Pattern {
	p.selections = append(p.selections, FieldSelection{Name: name, Node: node})
	return p
}

// AddTimeField marks field as the event time of source.
func (p *Pattern) AddTimeField(field, source string) *Pattern {
	p.timeFields = append(p.timeFields, TimeField{Field: field, Source: source})
	return p
}
