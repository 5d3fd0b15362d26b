// Package dataflow models the topology of an engine project: continuous
// queries holding windows connected by role-tagged edges.
//
// A Project is built incrementally or parsed from the engine's XML, checked
// with Validate, and written back with ToXML. Windows double as proxies for
// the streaming paths: Window.Publisher injects events into the engine window
// and Window.Subscribe keeps a local cache of the rows it emits.
//
//	p := dataflow.NewProject("trading", dataflow.WithPubSub(dataflow.PubSubAuto, 0))
//	q, _ := p.NewQuery("cq")
//	trades := dataflow.NewSource("trades", schema.MustParse("id*:int64,price:double"))
//	large := dataflow.NewFilter("large", "price > 1000")
//	_ = q.AddWindow(trades)
//	_ = q.AddWindow(large)
//	_ = trades.AddTarget(large, dataflow.RoleData)
//	if err := p.Validate(); err != nil { ... }
//	doc, _ := p.ToXML()
package dataflow

import (
	"maps"
	"slices"
	"sort"

	"github.com/c360/espflow/errors"
)

// PubSubMode selects how the engine assigns the project's publish/subscribe port.
type PubSubMode string

// Publish/subscribe modes
const (
	PubSubNone   PubSubMode = "none"
	PubSubAuto   PubSubMode = "auto"
	PubSubManual PubSubMode = "manual"
)

// Project is a named dataflow graph of continuous queries.
type Project struct {
	name string

	pubsub      PubSubMode
	port        int
	threads     int
	taggedToken bool
	index       string
	heartbeat   int

	description string
	attrs       map[string]string
	metadata    map[string]string
	properties  map[string]string

	queries []*ContinuousQuery
	extra   []Element
}

// ProjectOption configures a new project.
type ProjectOption func(*Project)

// WithPubSub sets the publish/subscribe mode; port is used by PubSubManual.
func WithPubSub(mode PubSubMode, port int) ProjectOption {
	return func(p *Project) {
		p.pubsub = mode
		p.port = port
	}
}

// WithThreads sets the engine thread pool size of the project.
func WithThreads(n int) ProjectOption {
	return func(p *Project) { p.threads = n }
}

// WithTaggedToken turns on tagged token data flow.
func WithTaggedToken(on bool) ProjectOption {
	return func(p *Project) { p.taggedToken = on }
}

// WithIndex sets the default window index type (pi_HASH, pi_EMPTY, ...).
func WithIndex(index string) ProjectOption {
	return func(p *Project) { p.index = index }
}

// WithHeartbeat sets the heartbeat interval in seconds.
func WithHeartbeat(seconds int) ProjectOption {
	return func(p *Project) { p.heartbeat = seconds }
}

// WithDescription sets the project description.
func WithDescription(d string) ProjectOption {
	return func(p *Project) { p.description = d }
}

// NewProject creates an empty project.
func NewProject(name string, opts ...ProjectOption) *Project {
	p := &Project{
		name:       name,
		attrs:      make(map[string]string),
		metadata:   make(map[string]string),
		properties: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Project) Name() string        { return p.name }
func (p *Project) PubSub() PubSubMode  { return p.pubsub }
func (p *Project) Port() int           { return p.port }
func (p *Project) Threads() int        { return p.threads }
func (p *Project) TaggedToken() bool   { return p.taggedToken }
func (p *Project) Index() string       { return p.index }
func (p *Project) Heartbeat() int      { return p.heartbeat }
func (p *Project) Description() string { return p.description }

// SetAttr sets an extra attribute of the project element.
func (p *Project) SetAttr(name, value string) error {
	if _, owned := projectAttrs[name]; owned {
		return errors.Invalidf("dataflow", "SetAttr", "project %q: %s has a dedicated setter", p.name, name)
	}
	p.attrs[name] = value
	return nil
}

// Attr returns an extra attribute of the project element.
func (p *Project) Attr(name string) (string, bool) {
	v, ok := p.attrs[name]
	return v, ok
}

// Metadata returns a copy of the project metadata.
func (p *Project) Metadata() map[string]string { return maps.Clone(p.metadata) }

// SetMetadata sets one metadata entry.
func (p *Project) SetMetadata(id, value string) { p.metadata[id] = value }

// Properties returns a copy of the project properties.
func (p *Project) Properties() map[string]string { return maps.Clone(p.properties) }

// SetProperty sets one project property.
func (p *Project) SetProperty(name, value string) { p.properties[name] = value }

// AddQuery attaches q to the project. Duplicate names are rejected and the
// project is left unchanged.
func (p *Project) AddQuery(q *ContinuousQuery) error {
	if q == nil || q.name == "" {
		return errors.Invalidf("dataflow", "AddQuery", "project %q: query needs a name", p.name)
	}
	if q.project != nil {
		return errors.Invalidf("dataflow", "AddQuery", "query %q already belongs to project %q", q.name, q.project.name)
	}
	if p.Query(q.name) != nil {
		return errors.WrapInvalid(errors.ErrDuplicateKey, "dataflow", "AddQuery",
			"add query "+q.name+" to project "+p.name)
	}
	q.project = p
	p.queries = append(p.queries, q)
	return nil
}

// NewQuery creates a query and attaches it to the project.
func (p *Project) NewQuery(name string) (*ContinuousQuery, error) {
	q := NewQuery(name)
	if err := p.AddQuery(q); err != nil {
		return nil, err
	}
	return q, nil
}

// RemoveQuery detaches the named query and reports whether it existed.
func (p *Project) RemoveQuery(name string) bool {
	i := slices.IndexFunc(p.queries, func(q *ContinuousQuery) bool { return q.name == name })
	if i < 0 {
		return false
	}
	p.queries[i].project = nil
	p.queries = slices.Delete(p.queries, i, i+1)
	return true
}

// Query returns the first query with the given name, or nil.
func (p *Project) Query(name string) *ContinuousQuery {
	for _, q := range p.queries {
		if q.name == name {
			return q
		}
	}
	return nil
}

// Queries returns the project's queries sorted by name.
func (p *Project) Queries() []*ContinuousQuery {
	out := slices.Clone(p.queries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// QueriesByName returns a name index of the project's queries. The map is a
// copy; changing it does not change the project.
func (p *Project) QueriesByName() map[string]*ContinuousQuery {
	out := make(map[string]*ContinuousQuery, len(p.queries))
	for _, q := range p.queries {
		if _, dup := out[q.name]; !dup {
			out[q.name] = q
		}
	}
	return out
}

// Window resolves a project/query/window or query/window path inside the project.
func (p *Project) Window(path string) *Window {
	parts := splitPath(path)
	switch {
	case len(parts) == 3 && parts[0] == p.name:
		parts = parts[1:]
	case len(parts) != 2:
		return nil
	}
	q := p.Query(parts[0])
	if q == nil {
		return nil
	}
	return q.Window(parts[1])
}
