package dataflow

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/schema"
	"github.com/c360/espflow/stream"
)

// Connector describes an adapter that feeds a window from an external system
// or drains it into one. Type is the direction: "publish" or "subscribe".
type Connector struct {
	Class      string            `json:"class"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Active     bool              `json:"active"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (c Connector) clone() Connector {
	c.Properties = maps.Clone(c.Properties)
	return c
}

// Window is one node of a continuous query. The kind decides which setters
// apply and what validation requires of it.
//
// Graph mutation is not synchronized; build a graph from one goroutine.
// The streaming methods (Publisher, Subscribe, Unsubscribe) are safe to call
// concurrently.
type Window struct {
	name  string
	kind  Kind
	query *ContinuousQuery

	schema      *schema.Schema
	description string
	attrs       map[string]string
	params      map[string]string
	inputs      map[string]string
	outputs     map[string]string
	connectors  []Connector
	expression  string
	patterns    []*Pattern
	extra       []Element
	roles       []Role

	mu  sync.Mutex
	sub *stream.Subscriber
}

// NewWindow creates a detached window of the given kind.
func NewWindow(name string, kind Kind) *Window {
	return &Window{
		name:    name,
		kind:    kind,
		attrs:   make(map[string]string),
		params:  make(map[string]string),
		inputs:  make(map[string]string),
		outputs: make(map[string]string),
	}
}

// NewSource creates a source window with its schema.
func NewSource(name string, s *schema.Schema) *Window {
	w := NewWindow(name, KindSource)
	w.schema = s
	return w
}

// NewCalculate creates a calculate window running the named algorithm.
func NewCalculate(name, algorithm string) *Window {
	w := NewWindow(name, KindCalculate)
	w.attrs["algorithm"] = algorithm
	return w
}

// NewScore creates a score window.
func NewScore(name string) *Window {
	return NewWindow(name, KindScore)
}

// NewTrain creates a train window running the named algorithm.
func NewTrain(name, algorithm string) *Window {
	w := NewWindow(name, KindTrain)
	w.attrs["algorithm"] = algorithm
	return w
}

// NewFilter creates a filter window with an expression.
func NewFilter(name, expression string) *Window {
	w := NewWindow(name, KindFilter)
	w.expression = expression
	return w
}

// NewPattern creates a pattern window.
func NewPattern(name string) *Window {
	return NewWindow(name, KindPattern)
}

func (w *Window) Name() string { return w.name }
func (w *Window) Kind() Kind   { return w.kind }

// Query returns the continuous query owning the window, or nil when detached.
func (w *Window) Query() *ContinuousQuery { return w.query }

func (w *Window) Schema() *schema.Schema { return w.schema }
func (w *Window) Description() string    { return w.description }
func (w *Window) Expression() string     { return w.expression }

// Path is project/query/window. It is empty until the window is attached to
// a query that belongs to a project.
func (w *Window) Path() string {
	if w.query == nil || w.query.project == nil {
		return ""
	}
	return w.query.project.name + "/" + w.query.name + "/" + w.name
}

// Attr returns an XML attribute of the window element.
func (w *Window) Attr(name string) (string, bool) {
	v, ok := w.attrs[name]
	return v, ok
}

// Attrs returns a copy of the window element's attributes.
func (w *Window) Attrs() map[string]string { return maps.Clone(w.attrs) }

// Parameters returns a copy of the named parameters.
func (w *Window) Parameters() map[string]string { return maps.Clone(w.params) }

// Inputs returns a copy of the input map.
func (w *Window) Inputs() map[string]string { return maps.Clone(w.inputs) }

// Outputs returns a copy of the output map.
func (w *Window) Outputs() map[string]string { return maps.Clone(w.outputs) }

// Algorithm returns the algorithm attribute.
func (w *Window) Algorithm() string { return w.attrs["algorithm"] }

// Connectors returns a copy of the connector list.
func (w *Window) Connectors() []Connector {
	out := make([]Connector, len(w.connectors))
	for i, c := range w.connectors {
		out[i] = c.clone()
	}
	return out
}

// Patterns returns the window's patterns in definition order.
func (w *Window) Patterns() []*Pattern { return slices.Clone(w.patterns) }

// Elements returns the unmodelled child elements kept from a parsed document.
func (w *Window) Elements() []Element { return slices.Clone(w.extra) }

// AddElement appends a raw child element, written before the connectors.
func (w *Window) AddElement(e Element) { w.extra = append(w.extra, e) }

// AcceptedRoles returns the incoming edge roles the window accepts.
func (w *Window) AcceptedRoles() []Role {
	if w.roles != nil {
		return slices.Clone(w.roles)
	}
	return slices.Clone(SpecFor(w.kind).Roles)
}

// Accepts reports whether an incoming edge with role r is allowed.
func (w *Window) Accepts(r Role) bool {
	return slices.Contains(w.AcceptedRoles(), r.normalize())
}

// SetAcceptedRoles overrides the accepted incoming roles of the window.
// It is meant for extension kinds whose roles the package cannot know.
func (w *Window) SetAcceptedRoles(roles ...Role) {
	w.roles = make([]Role, len(roles))
	for i, r := range roles {
		w.roles[i] = r.normalize()
	}
}

// SetSchema replaces the window's schema.
func (w *Window) SetSchema(s *schema.Schema) { w.schema = s }

// SetDescription replaces the window's description.
func (w *Window) SetDescription(d string) { w.description = d }

// SetAttr sets an XML attribute of the window element. The name attribute is
// owned by the window and cannot be set here.
func (w *Window) SetAttr(name, value string) error {
	if name == "name" {
		return errors.Invalidf("dataflow", "SetAttr", "window %q: name is not a settable attribute", w.name)
	}
	w.attrs[name] = value
	return nil
}

// SetParameter sets one named parameter.
func (w *Window) SetParameter(name, value string) {
	w.params[name] = value
}

// SetParameters merges params into the window's parameters.
func (w *Window) SetParameters(params map[string]string) {
	maps.Copy(w.params, params)
}

// AddConnector appends a connector. Connector names are unique per window.
func (w *Window) AddConnector(c Connector) error {
	if c.Class == "" {
		return errors.Invalidf("dataflow", "AddConnector", "window %q: connector class is required", w.name)
	}
	for _, existing := range w.connectors {
		if c.Name != "" && existing.Name == c.Name {
			return errors.Invalidf("dataflow", "AddConnector", "window %q: duplicate connector %q", w.name, c.Name)
		}
	}
	w.connectors = append(w.connectors, c.clone())
	return nil
}

func (w *Window) requireAlgorithmic(method string) error {
	if !SpecFor(w.kind).Algorithmic {
		return errors.Invalidf("dataflow", method, "window %q: %s windows take no algorithm settings", w.name, w.kind)
	}
	return nil
}

// SetAlgorithm sets the algorithm of a calculate, score or train window.
func (w *Window) SetAlgorithm(name string) error {
	if err := w.requireAlgorithmic("SetAlgorithm"); err != nil {
		return err
	}
	w.attrs["algorithm"] = name
	return nil
}

// SetInputs maps algorithm input ports to schema field names, replacing the
// previous input map.
func (w *Window) SetInputs(m map[string]string) error {
	if err := w.requireAlgorithmic("SetInputs"); err != nil {
		return err
	}
	w.inputs = maps.Clone(m)
	if w.inputs == nil {
		w.inputs = make(map[string]string)
	}
	return nil
}

// SetOutputs maps algorithm output ports to schema field names, replacing the
// previous output map.
func (w *Window) SetOutputs(m map[string]string) error {
	if err := w.requireAlgorithmic("SetOutputs"); err != nil {
		return err
	}
	w.outputs = maps.Clone(m)
	if w.outputs == nil {
		w.outputs = make(map[string]string)
	}
	return nil
}

// SetExpression sets the filter expression.
func (w *Window) SetExpression(expr string) error {
	if w.kind != KindFilter && w.kind.Known() {
		return errors.Invalidf("dataflow", "SetExpression", "window %q: %s windows take no expression", w.name, w.kind)
	}
	w.expression = expr
	return nil
}

// CreatePattern appends a pattern to a pattern window and returns its builder.
func (w *Window) CreatePattern(name string, opts ...PatternOption) (*Pattern, error) {
	if w.kind != KindPattern && w.kind.Known() {
		return nil, errors.Invalidf("dataflow", "CreatePattern", "window %q: %s windows take no patterns", w.name, w.kind)
	}
	for _, p := range w.patterns {
		if name != "" && p.name == name {
			return nil, errors.Invalidf("dataflow", "CreatePattern", "window %q: duplicate pattern %q", w.name, name)
		}
	}
	p := &Pattern{name: name, active: true}
	for _, opt := range opts {
		opt(p)
	}
	w.patterns = append(w.patterns, p)
	return p, nil
}

// AddTarget connects w to target with the given role. The role must be one
// target accepts; otherwise an *errors.InvalidRoleError is returned and the
// graph is left unchanged.
func (w *Window) AddTarget(target *Window, role Role) error {
	if w.query == nil || target.query != w.query {
		return errors.Invalidf("dataflow", "AddTarget",
			"windows %q and %q must belong to the same continuous query", w.name, target.name)
	}
	if !target.Accepts(role) {
		accepted := target.AcceptedRoles()
		names := make([]string, len(accepted))
		for i, r := range accepted {
			names[i] = string(r)
		}
		return &errors.InvalidRoleError{
			Window:   target.name,
			Kind:     string(target.kind),
			Role:     string(role.normalize()),
			Accepted: names,
		}
	}
	return w.query.AddEdge(w.name, target.name, role)
}

// Targets returns the windows w has outgoing edges to, in edge order.
func (w *Window) Targets() []*Window {
	if w.query == nil {
		return nil
	}
	var out []*Window
	for _, e := range w.query.edges {
		if e.Source == w.name {
			if t := w.query.Window(e.Target); t != nil {
				out = append(out, t)
			}
		}
	}
	return out
}

func (w *Window) String() string {
	return fmt.Sprintf("%s(%s)", w.name, w.kind)
}
