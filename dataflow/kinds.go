package dataflow

import (
	"slices"
	"strings"
)

// Kind is the variant tag of a window. It is the suffix of the window's XML
// element name (window-<kind>).
type Kind string

// Window kinds known to this package. Any other tag is an extension kind.
const (
	KindSource          Kind = "source"
	KindCalculate       Kind = "calculate"
	KindAggregate       Kind = "aggregate"
	KindCompute         Kind = "compute"
	KindCopy            Kind = "copy"
	KindCounter         Kind = "counter"
	KindFilter          Kind = "filter"
	KindFunctional      Kind = "functional"
	KindGeofence        Kind = "geofence"
	KindJoin            Kind = "join"
	KindModelReader     Kind = "model-reader"
	KindModelSupervisor Kind = "model-supervisor"
	KindNotification    Kind = "notification"
	KindPattern         Kind = "pattern"
	KindProcedural      Kind = "procedural"
	KindScore           Kind = "score"
	KindTrain           Kind = "train"
	KindUnion           Kind = "union"
	KindTextCategory    Kind = "textcategory"
	KindTextContext     Kind = "textcontext"
	KindTextSentiment   Kind = "textsentiment"
	KindTextTopic       Kind = "texttopic"
)

// ParseKind accepts a kind tag or a full window element name. Built-in kinds
// match case-insensitively; extension kinds keep their tag as written, since
// element names are case-sensitive.
func ParseKind(s string) Kind {
	s = strings.TrimPrefix(strings.TrimSpace(s), "window-")
	if k := Kind(strings.ToLower(s)); k.Known() {
		return k
	}
	return Kind(s)
}

// Element returns the XML element name of windows of this kind.
func (k Kind) Element() string {
	return "window-" + string(k)
}

// Known reports whether k is one of the built-in kinds.
func (k Kind) Known() bool {
	_, ok := kindSpecs[k]
	return ok
}

func (k Kind) String() string {
	return string(k)
}

// Role tags an edge with the meaning of the data it carries into its target.
type Role string

// Edge roles understood by the engine. An empty role means RoleData.
const (
	RoleData    Role = "data"
	RoleModel   Role = "model"
	RoleRequest Role = "request"
)

func (r Role) normalize() Role {
	if r == "" {
		return RoleData
	}
	return r
}

// KindSpec describes what a window kind requires to be valid and which
// incoming edge roles it accepts.
type KindSpec struct {
	// Roles accepted on incoming edges
	Roles []Role
	// Attributes that must be set (algorithm, ...)
	Attributes []string
	// Parameters that must be set
	Parameters []string

	// MaxInputs bounds incoming edges of any role; -1 is unbounded
	MaxInputs int
	// MinInputs is the minimum number of incoming edges of any role
	MinInputs int
	// MinData and MaxData bound incoming data edges; MaxData -1 is unbounded
	MinData int
	MaxData int
	// Exact requires exactly n incoming edges of a role
	Exact map[Role]int

	// Algorithmic kinds take an algorithm and input/output maps
	Algorithmic bool
	// NeedsSchema is set for kinds the engine cannot derive a schema for
	NeedsSchema bool

	// Check runs kind-specific checks and returns a problem description per failure
	Check func(w *Window) []string
}

func unbounded(s KindSpec) KindSpec {
	if s.MaxInputs == 0 {
		s.MaxInputs = -1
	}
	if s.MaxData == 0 {
		s.MaxData = -1
	}
	if len(s.Roles) == 0 {
		s.Roles = []Role{RoleData}
	}
	return s
}

var kindSpecs = map[Kind]KindSpec{
	KindSource: {Roles: []Role{RoleData}, MaxInputs: 0, MaxData: 0, NeedsSchema: true},
	KindCalculate: unbounded(KindSpec{
		Roles:       []Role{RoleData, RoleRequest},
		Attributes:  []string{"algorithm"},
		Parameters:  []string{"windowLength"},
		MinData:     1,
		Algorithmic: true,
	}),
	KindScore: unbounded(KindSpec{
		Roles:       []Role{RoleData, RoleModel},
		MinData:     1,
		Exact:       map[Role]int{RoleModel: 1},
		Algorithmic: true,
	}),
	KindTrain: unbounded(KindSpec{
		Roles:       []Role{RoleData, RoleRequest},
		Attributes:  []string{"algorithm"},
		MinData:     1,
		Algorithmic: true,
	}),
	KindJoin:            unbounded(KindSpec{MinData: 2, MaxData: 2}),
	KindUnion:           unbounded(KindSpec{MinData: 2}),
	KindModelReader:     unbounded(KindSpec{Roles: []Role{RoleRequest}}),
	KindModelSupervisor: unbounded(KindSpec{Roles: []Role{RoleRequest, RoleModel}, MinInputs: 1}),
	KindPattern:         unbounded(KindSpec{MinInputs: 1, Check: checkPatterns}),
	KindFilter:          unbounded(KindSpec{MinInputs: 1, Check: checkFilter}),
	KindAggregate:       unbounded(KindSpec{MinInputs: 1}),
	KindCompute:         unbounded(KindSpec{MinInputs: 1}),
	KindCopy:            unbounded(KindSpec{MinInputs: 1}),
	KindCounter:         unbounded(KindSpec{MinInputs: 1}),
	KindFunctional:      unbounded(KindSpec{MinInputs: 1}),
	KindGeofence:        unbounded(KindSpec{MinInputs: 1}),
	KindNotification:    unbounded(KindSpec{MinInputs: 1}),
	KindProcedural:      unbounded(KindSpec{MinInputs: 1}),
	KindTextCategory:    unbounded(KindSpec{MinInputs: 1}),
	KindTextContext:     unbounded(KindSpec{MinInputs: 1}),
	KindTextSentiment:   unbounded(KindSpec{MinInputs: 1}),
	KindTextTopic:       unbounded(KindSpec{MinInputs: 1}),
}

// extensionSpec applies to server-defined kinds this package does not know.
var extensionSpec = unbounded(KindSpec{Algorithmic: true})

// SpecFor returns the requirements of a kind. Unknown kinds get the
// permissive extension spec.
func SpecFor(k Kind) KindSpec {
	if s, ok := kindSpecs[k]; ok {
		return s
	}
	return extensionSpec
}

// Kinds lists the built-in kinds, sorted.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindSpecs))
	for k := range kindSpecs {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func checkPatterns(w *Window) []string {
	if len(w.patterns) == 0 {
		return []string{"pattern window defines no patterns"}
	}
	var problems []string
	for _, p := range w.patterns {
		if len(p.events) == 0 {
			problems = append(problems, "pattern "+p.name+" has no events")
		}
		if strings.TrimSpace(p.logic) == "" {
			problems = append(problems, "pattern "+p.name+" has no logic")
		}
	}
	return problems
}

func checkFilter(w *Window) []string {
	if strings.TrimSpace(w.expression) != "" {
		return nil
	}
	if _, ok := w.params["plugin"]; ok {
		return nil
	}
	return []string{"filter window needs an expression or a plugin parameter"}
}
