package dataflow

import (
	"sort"
	"strings"

	"github.com/c360/espflow/schema"
)

// GraphView is a read-only copy of a project's topology for renderers.
// Nothing in it aliases the project.
type GraphView struct {
	Project string     `json:"project"`
	Nodes   []NodeView `json:"nodes"`
	Edges   []EdgeView `json:"edges"`
}

// NodeView is one window of the exported graph
type NodeView struct {
	Query  string         `json:"query"`
	Name   string         `json:"name"`
	Kind   Kind           `json:"kind"`
	Schema *schema.Schema `json:"schema,omitempty"`
}

// EdgeView is one edge of the exported graph
type EdgeView struct {
	Query  string `json:"query"`
	Source string `json:"source"`
	Target string `json:"target"`
	Role   Role   `json:"role"`
}

// Export returns the project's nodes and edges sorted by query, then name.
// Schemas are immutable and shared.
func (p *Project) Export() GraphView {
	view := GraphView{
		Project: p.name,
		Nodes:   []NodeView{},
		Edges:   []EdgeView{},
	}
	for _, q := range p.queries {
		for _, w := range q.windows {
			view.Nodes = append(view.Nodes, NodeView{Query: q.name, Name: w.name, Kind: w.kind, Schema: w.schema})
		}
		for _, e := range q.edges {
			view.Edges = append(view.Edges, EdgeView{Query: q.name, Source: e.Source, Target: e.Target, Role: e.Role.normalize()})
		}
	}

	sort.SliceStable(view.Nodes, func(i, j int) bool {
		a, b := view.Nodes[i], view.Nodes[j]
		if a.Query != b.Query {
			return a.Query < b.Query
		}
		return a.Name < b.Name
	})
	sort.SliceStable(view.Edges, func(i, j int) bool {
		a, b := view.Edges[i], view.Edges[j]
		if a.Query != b.Query {
			return a.Query < b.Query
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Target < b.Target
	})
	return view
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
