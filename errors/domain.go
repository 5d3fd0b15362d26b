package errors

import (
	"fmt"
	"sort"
	"strings"
)

// ViolationKind names one class of structural problem found by graph validation
type ViolationKind string

// Violation kinds reported by graph validation
const (
	ViolationDuplicateName   ViolationKind = "duplicate-name"
	ViolationUnknownEndpoint ViolationKind = "unknown-endpoint"
	ViolationCycle           ViolationKind = "cycle"
	ViolationMissingParam    ViolationKind = "missing-parameter"
	ViolationEdgeRole        ViolationKind = "edge-role"
	ViolationInvalidRole     ViolationKind = "invalid-role"
	ViolationMissingSchema   ViolationKind = "missing-schema"
)

// Violation is a single structural problem in a dataflow graph.
// Scope is the dotted path of the offending object (project.query.window).
// Path is set for cycles and lists the windows on the cycle, first window repeated last.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	Scope   string        `json:"scope"`
	Message string        `json:"message"`
	Path    []string      `json:"path,omitempty"`
}

func (v Violation) String() string {
	if len(v.Path) > 0 {
		return fmt.Sprintf("%s [%s] %s: %s", v.Scope, v.Kind, v.Message, strings.Join(v.Path, " -> "))
	}
	return fmt.Sprintf("%s [%s] %s", v.Scope, v.Kind, v.Message)
}

// GraphValidationError aggregates every violation found in one validation pass.
type GraphValidationError struct {
	Violations []Violation
}

func (e *GraphValidationError) Error() string {
	if len(e.Violations) == 1 {
		return "graph validation failed: " + e.Violations[0].String()
	}
	lines := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		lines = append(lines, "  "+v.String())
	}
	return fmt.Sprintf("graph validation failed with %d violations:\n%s", len(e.Violations), strings.Join(lines, "\n"))
}

// Kinds returns the distinct violation kinds, sorted.
func (e *GraphValidationError) Kinds() []ViolationKind {
	seen := make(map[ViolationKind]struct{})
	for _, v := range e.Violations {
		seen[v.Kind] = struct{}{}
	}
	kinds := make([]ViolationKind, 0, len(seen))
	for k := range seen {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Filter returns the violations of the given kind.
func (e *GraphValidationError) Filter(kind ViolationKind) []Violation {
	var out []Violation
	for _, v := range e.Violations {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

// SchemaMismatchError reports a record that does not fit its schema.
// Row and Column are 1-based; zero means unknown.
type SchemaMismatchError struct {
	Field  string
	Row    int
	Column int
	Reason string
	Err    error
}

func (e *SchemaMismatchError) Error() string {
	var b strings.Builder
	b.WriteString("schema mismatch")
	if e.Row > 0 {
		fmt.Fprintf(&b, " at row %d", e.Row)
	}
	if e.Column > 0 {
		fmt.Fprintf(&b, " column %d", e.Column)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %q", e.Field)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SchemaMismatchError) Unwrap() error {
	return e.Err
}

// InvalidRoleError reports an edge role the target window kind does not accept.
type InvalidRoleError struct {
	Window   string
	Kind     string
	Role     string
	Accepted []string
}

func (e *InvalidRoleError) Error() string {
	return fmt.Sprintf("window %q (%s) does not accept role %q; accepted roles: %s",
		e.Window, e.Kind, e.Role, strings.Join(e.Accepted, ", "))
}

// ChannelError reports a transport failure on an open or opening channel.
// The affected publisher or subscription is terminal once this is returned.
type ChannelError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s %s: %v", e.Endpoint, e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// HorizonExpressionError reports a malformed or ill-typed predicate.
// Pos is the 0-based byte offset of the problem, or -1 when it is not positional.
type HorizonExpressionError struct {
	Expr   string
	Pos    int
	Reason string
}

func (e *HorizonExpressionError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("horizon expression %q at offset %d: %s", e.Expr, e.Pos, e.Reason)
	}
	return fmt.Sprintf("horizon expression %q: %s", e.Expr, e.Reason)
}
