package dataflow

import (
	"maps"
	"slices"
	"strings"

	"github.com/c360/espflow/errors"
)

// Edge is a directed dataflow connection between two windows of one query.
// Slot is an optional engine-side input slot.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Role   Role   `json:"role,omitempty"`
	Slot   string `json:"slot,omitempty"`
}

// ContinuousQuery is a named subgraph of windows and the edges between them.
// Windows are kept in insertion order; names are unique when the query is
// built through its methods. A parsed query may hold duplicates, which
// Validate reports.
type ContinuousQuery struct {
	name    string
	project *Project

	description string
	attrs       map[string]string
	metadata    map[string]string
	trace       []string

	windows []*Window
	edges   []Edge
	extra   []Element
}

// NewQuery creates a detached continuous query.
func NewQuery(name string) *ContinuousQuery {
	return &ContinuousQuery{
		name:     name,
		attrs:    make(map[string]string),
		metadata: make(map[string]string),
	}
}

func (q *ContinuousQuery) Name() string        { return q.name }
func (q *ContinuousQuery) Project() *Project   { return q.project }
func (q *ContinuousQuery) Description() string { return q.description }

// SetDescription replaces the query description.
func (q *ContinuousQuery) SetDescription(d string) { q.description = d }

// Attr returns an attribute of the contquery element (index, timing-threshold, ...).
func (q *ContinuousQuery) Attr(name string) (string, bool) {
	v, ok := q.attrs[name]
	return v, ok
}

// SetAttr sets an attribute of the contquery element. Name and trace are
// owned by the query and cannot be set here.
func (q *ContinuousQuery) SetAttr(name, value string) error {
	if name == "name" || name == "trace" {
		return errors.Invalidf("dataflow", "SetAttr", "query %q: %s is not a settable attribute", q.name, name)
	}
	q.attrs[name] = value
	return nil
}

// Metadata returns a copy of the query metadata.
func (q *ContinuousQuery) Metadata() map[string]string { return maps.Clone(q.metadata) }

// SetMetadata sets one metadata entry.
func (q *ContinuousQuery) SetMetadata(id, value string) { q.metadata[id] = value }

// SetTrace flags windows for engine debug output, replacing the previous set.
func (q *ContinuousQuery) SetTrace(windows ...string) {
	set := make([]string, 0, len(windows))
	for _, w := range windows {
		for _, name := range strings.Fields(w) {
			if !slices.Contains(set, name) {
				set = append(set, name)
			}
		}
	}
	slices.Sort(set)
	q.trace = set
}

// Trace returns the traced window names, sorted.
func (q *ContinuousQuery) Trace() []string { return slices.Clone(q.trace) }

// AddWindow attaches w to the query. A window already attached elsewhere or a
// name already taken is rejected and the query is left unchanged.
func (q *ContinuousQuery) AddWindow(w *Window) error {
	if w == nil || w.name == "" {
		return errors.Invalidf("dataflow", "AddWindow", "query %q: window needs a name", q.name)
	}
	if w.query != nil {
		return errors.Invalidf("dataflow", "AddWindow", "window %q already belongs to query %q", w.name, w.query.name)
	}
	if q.Window(w.name) != nil {
		return errors.WrapInvalid(errors.ErrDuplicateKey, "dataflow", "AddWindow",
			"add window "+w.name+" to query "+q.name)
	}
	w.query = q
	q.windows = append(q.windows, w)
	return nil
}

// RemoveWindow detaches the named window and drops its incident edges and
// trace flag. It reports whether a window was removed.
func (q *ContinuousQuery) RemoveWindow(name string) bool {
	i := slices.IndexFunc(q.windows, func(w *Window) bool { return w.name == name })
	if i < 0 {
		return false
	}
	q.windows[i].query = nil
	q.windows = slices.Delete(q.windows, i, i+1)
	q.edges = slices.DeleteFunc(q.edges, func(e Edge) bool {
		return e.Source == name || e.Target == name
	})
	q.trace = slices.DeleteFunc(q.trace, func(t string) bool { return t == name })
	return true
}

// Window returns the first window with the given name, or nil.
func (q *ContinuousQuery) Window(name string) *Window {
	for _, w := range q.windows {
		if w.name == name {
			return w
		}
	}
	return nil
}

// Windows returns the query's windows in insertion order.
func (q *ContinuousQuery) Windows() []*Window { return slices.Clone(q.windows) }

// WindowsByName returns a name index of the query's windows. The map is a
// copy; changing it does not change the query.
func (q *ContinuousQuery) WindowsByName() map[string]*Window {
	out := make(map[string]*Window, len(q.windows))
	for _, w := range q.windows {
		if _, dup := out[w.name]; !dup {
			out[w.name] = w
		}
	}
	return out
}

// AddEdge connects two windows of the query. Both must exist. Role checks are
// left to Window.AddTarget and Validate, so AddEdge can load graphs whose
// roles the package does not know.
func (q *ContinuousQuery) AddEdge(source, target string, role Role) error {
	return q.addEdge(Edge{Source: source, Target: target, Role: role})
}

// AddSlotEdge is AddEdge with an engine input slot.
func (q *ContinuousQuery) AddSlotEdge(source, target string, role Role, slot string) error {
	return q.addEdge(Edge{Source: source, Target: target, Role: role, Slot: slot})
}

func (q *ContinuousQuery) addEdge(e Edge) error {
	for _, name := range []string{e.Source, e.Target} {
		if q.Window(name) == nil {
			return errors.WrapInvalid(errors.ErrKeyNotFound, "dataflow", "AddEdge",
				"edge "+e.Source+" -> "+e.Target+" in query "+q.name+": unknown window "+name)
		}
	}
	if slices.Contains(q.edges, e) {
		return errors.WrapInvalid(errors.ErrDuplicateKey, "dataflow", "AddEdge",
			"edge "+e.Source+" -> "+e.Target+" in query "+q.name)
	}
	q.edges = append(q.edges, e)
	return nil
}

// RemoveEdge deletes every edge from source to target and reports whether
// any was removed.
func (q *ContinuousQuery) RemoveEdge(source, target string) bool {
	n := len(q.edges)
	q.edges = slices.DeleteFunc(q.edges, func(e Edge) bool {
		return e.Source == source && e.Target == target
	})
	return len(q.edges) != n
}

// Edges returns a copy of the query's edges in insertion order.
func (q *ContinuousQuery) Edges() []Edge { return slices.Clone(q.edges) }

// Incoming returns the edges whose target is the named window.
func (q *ContinuousQuery) Incoming(window string) []Edge {
	var out []Edge
	for _, e := range q.edges {
		if e.Target == window {
			out = append(out, e)
		}
	}
	return out
}

func (q *ContinuousQuery) scope() string {
	if q.project == nil {
		return q.name
	}
	return q.project.name + "." + q.name
}
