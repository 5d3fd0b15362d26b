package dataflow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/c360/espflow/errors"
)

// Validate checks the whole project and returns an *errors.GraphValidationError
// listing every violation, or nil. Checks run in a fixed order: name
// uniqueness, edge endpoints, cycles, then per-kind requirements. All of them
// run regardless of earlier failures.
func (p *Project) Validate() error {
	v := &validator{}
	v.names(p)
	for _, q := range p.queries {
		v.endpoints(q)
	}
	for _, q := range p.queries {
		v.cycles(q)
	}
	for _, q := range p.queries {
		v.kinds(q)
	}
	return v.err()
}

// Validate checks a single query the same way Project.Validate does.
func (q *ContinuousQuery) Validate() error {
	v := &validator{}
	v.windowNames(q)
	v.endpoints(q)
	v.cycles(q)
	v.kinds(q)
	return v.err()
}

type validator struct {
	violations []errors.Violation
}

func (v *validator) add(kind errors.ViolationKind, scope, format string, args ...any) {
	v.violations = append(v.violations, errors.Violation{
		Kind:    kind,
		Scope:   scope,
		Message: fmt.Sprintf(format, args...),
	})
}

func (v *validator) err() error {
	if len(v.violations) == 0 {
		return nil
	}
	return &errors.GraphValidationError{Violations: v.violations}
}

func (v *validator) names(p *Project) {
	seen := make(map[string]bool, len(p.queries))
	for _, q := range p.queries {
		if seen[q.name] {
			v.add(errors.ViolationDuplicateName, p.name, "duplicate continuous query %q", q.name)
		}
		seen[q.name] = true
	}
	for _, q := range p.queries {
		v.windowNames(q)
	}
}

func (v *validator) windowNames(q *ContinuousQuery) {
	seen := make(map[string]bool, len(q.windows))
	for _, w := range q.windows {
		if seen[w.name] {
			v.add(errors.ViolationDuplicateName, q.scope(), "duplicate window %q", w.name)
		}
		seen[w.name] = true
	}
}

func (v *validator) endpoints(q *ContinuousQuery) {
	for _, e := range q.edges {
		for _, end := range []string{e.Source, e.Target} {
			if q.Window(end) == nil {
				v.add(errors.ViolationUnknownEndpoint, q.scope(),
					"edge %s -> %s references unknown window %q", e.Source, e.Target, end)
			}
		}
	}
}

const (
	white = iota
	grey
	black
)

// cycles runs a three-colour depth-first search over the query's edges. Every
// edge into a grey window closes a cycle, reported with its full path.
func (v *validator) cycles(q *ContinuousQuery) {
	adj := make(map[string][]string, len(q.windows))
	for _, e := range q.edges {
		if q.Window(e.Source) == nil || q.Window(e.Target) == nil {
			continue
		}
		if !slices.Contains(adj[e.Source], e.Target) {
			adj[e.Source] = append(adj[e.Source], e.Target)
		}
	}

	color := make(map[string]int, len(q.windows))
	var stack []string
	var visit func(name string)
	visit = func(name string) {
		color[name] = grey
		stack = append(stack, name)
		for _, next := range adj[name] {
			switch color[next] {
			case white:
				visit(next)
			case grey:
				start := slices.Index(stack, next)
				path := append(slices.Clone(stack[start:]), next)
				v.violations = append(v.violations, errors.Violation{
					Kind:    errors.ViolationCycle,
					Scope:   q.scope(),
					Message: fmt.Sprintf("edge %s -> %s closes a cycle", name, next),
					Path:    path,
				})
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
	}

	for _, w := range q.windows {
		if color[w.name] == white {
			visit(w.name)
		}
	}
}

func (v *validator) kinds(q *ContinuousQuery) {
	checked := make(map[string]bool, len(q.windows))
	for _, w := range q.windows {
		if checked[w.name] {
			continue
		}
		checked[w.name] = true
		v.window(q, w)
	}
}

func (v *validator) window(q *ContinuousQuery, w *Window) {
	spec := SpecFor(w.kind)
	scope := q.scope() + "." + w.name

	if spec.NeedsSchema && w.schema == nil {
		v.add(errors.ViolationMissingSchema, scope, "%s window has no schema", w.kind)
	}
	for _, attr := range spec.Attributes {
		if strings.TrimSpace(w.attrs[attr]) == "" {
			v.add(errors.ViolationMissingParam, scope, "%s window requires attribute %q", w.kind, attr)
		}
	}
	for _, param := range spec.Parameters {
		if _, ok := w.params[param]; !ok {
			v.add(errors.ViolationMissingParam, scope, "%s window requires parameter %q", w.kind, param)
		}
	}
	if spec.Check != nil {
		for _, problem := range spec.Check(w) {
			v.add(errors.ViolationMissingParam, scope, "%s", problem)
		}
	}

	incoming := q.Incoming(w.name)
	byRole := make(map[Role]int)
	for _, e := range incoming {
		role := e.Role.normalize()
		byRole[role]++
		if !w.Accepts(role) {
			v.add(errors.ViolationInvalidRole, scope, "edge from %q has role %q; %s accepts %s",
				e.Source, role, w.kind, joinRoles(w.AcceptedRoles()))
		}
	}

	n, data := len(incoming), byRole[RoleData]
	switch {
	case spec.MaxInputs >= 0 && n > spec.MaxInputs:
		if spec.MaxInputs == 0 {
			v.add(errors.ViolationEdgeRole, scope, "%s window takes no incoming edges, has %d", w.kind, n)
		} else {
			v.add(errors.ViolationEdgeRole, scope, "%s window takes at most %d incoming edges, has %d", w.kind, spec.MaxInputs, n)
		}
	case n < spec.MinInputs:
		v.add(errors.ViolationEdgeRole, scope, "%s window needs at least %d incoming edge(s), has %d", w.kind, spec.MinInputs, n)
	}
	if data < spec.MinData {
		v.add(errors.ViolationEdgeRole, scope, "%s window needs at least %d incoming data edge(s), has %d", w.kind, spec.MinData, data)
	}
	if spec.MaxData >= 0 && spec.MaxInputs != 0 && data > spec.MaxData {
		v.add(errors.ViolationEdgeRole, scope, "%s window takes at most %d incoming data edge(s), has %d", w.kind, spec.MaxData, data)
	}
	for _, role := range sortedRoles(spec.Exact) {
		if want := spec.Exact[role]; byRole[role] != want {
			v.add(errors.ViolationEdgeRole, scope, "%s window needs exactly %d incoming %s edge(s), has %d",
				w.kind, want, role, byRole[role])
		}
	}
}

func sortedRoles(m map[Role]int) []Role {
	out := make([]Role, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

func joinRoles(roles []Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return "{" + strings.Join(names, ", ") + "}"
}
