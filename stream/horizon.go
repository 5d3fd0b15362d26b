package stream

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/expression"
	"github.com/c360/espflow/schema"
)

// HorizonKind tags a Horizon
type HorizonKind int

// Horizon kinds
const (
	HorizonDeadline HorizonKind = iota
	HorizonDuration
	HorizonCount
	HorizonPredicate
)

func (k HorizonKind) String() string {
	switch k {
	case HorizonDeadline:
		return "deadline"
	case HorizonDuration:
		return "duration"
	case HorizonCount:
		return "count"
	case HorizonPredicate:
		return "predicate"
	}
	return fmt.Sprintf("horizon(%d)", int(k))
}

// Horizon is a condition that stops a subscription.
type Horizon struct {
	Kind     HorizonKind
	Deadline time.Time
	Span     time.Duration
	Count    uint64
	Expr     string
}

// Deadline stops the subscription once the clock reaches t.
func Deadline(t time.Time) Horizon {
	return Horizon{Kind: HorizonDeadline, Deadline: t}
}

// After stops the subscription once d has elapsed since it became active.
func After(d time.Duration) Horizon {
	return Horizon{Kind: HorizonDuration, Span: d}
}

// Count stops the subscription after n events have been applied.
func Count(n uint64) Horizon {
	return Horizon{Kind: HorizonCount, Count: n}
}

// Predicate stops the subscription when expr is true for an applied row. The
// expression is compiled against the window schema when the subscription starts.
func Predicate(expr string) Horizon {
	return Horizon{Kind: HorizonPredicate, Expr: expr}
}

func (h Horizon) String() string {
	switch h.Kind {
	case HorizonDeadline:
		return "deadline " + h.Deadline.Format(time.RFC3339Nano)
	case HorizonDuration:
		return "after " + h.Span.String()
	case HorizonCount:
		return fmt.Sprintf("count %d", h.Count)
	case HorizonPredicate:
		return "when " + h.Expr
	}
	return h.Kind.String()
}

func (h Horizon) validate() error {
	switch h.Kind {
	case HorizonDeadline:
		if h.Deadline.IsZero() {
			return invalidOption("deadline horizon without a time")
		}
	case HorizonDuration:
		if h.Span <= 0 {
			return invalidOption("duration horizon must be positive, got %s", h.Span)
		}
	case HorizonCount:
		if h.Count == 0 {
			return invalidOption("count horizon must be at least 1")
		}
	case HorizonPredicate:
		if strings.TrimSpace(h.Expr) == "" {
			return &errors.HorizonExpressionError{Expr: h.Expr, Pos: -1, Reason: "empty expression"}
		}
	default:
		return invalidOption("unknown horizon kind %d", h.Kind)
	}
	return nil
}

// HorizonMode combines several horizons
type HorizonMode int

// Horizon modes
const (
	// HorizonAny stops when the first horizon is satisfied.
	HorizonAny HorizonMode = iota
	// HorizonAll stops once every horizon has been satisfied at least once.
	HorizonAll
)

func (m HorizonMode) String() string {
	if m == HorizonAll {
		return "all"
	}
	return "any"
}

// ParseHorizonMode reads "any" or "all".
func ParseHorizonMode(s string) (HorizonMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "or":
		return HorizonAny, nil
	case "all", "and":
		return HorizonAll, nil
	}
	return HorizonAny, errors.Invalidf("stream", "ParseHorizonMode", "unknown horizon mode %q", s)
}

// horizonSet tracks the members of one subscription's horizon. It is owned by
// the apply loop.
type horizonSet struct {
	mode    HorizonMode
	members []horizonMember
	start   time.Time
	timed   bool
}

type horizonMember struct {
	Horizon
	pred  *expression.Predicate
	fired bool
}

func newHorizonSet(hs []Horizon, mode HorizonMode, s *schema.Schema, po schema.ParseOptions) (*horizonSet, error) {
	set := &horizonSet{mode: mode, members: make([]horizonMember, 0, len(hs))}
	for _, h := range hs {
		m := horizonMember{Horizon: h}
		switch h.Kind {
		case HorizonPredicate:
			p, err := expression.Compile(h.Expr, s, po)
			if err != nil {
				return nil, err
			}
			m.pred = p
		case HorizonDeadline, HorizonDuration:
			set.timed = true
		}
		set.members = append(set.members, m)
	}
	return set, nil
}

func (hs *horizonSet) empty() bool {
	return len(hs.members) == 0
}

// begin marks the moment the subscription became active.
func (hs *horizonSet) begin(now time.Time) {
	hs.start = now
}

// tick checks the time members.
func (hs *horizonSet) tick(now time.Time) bool {
	hs.checkTime(now)
	return hs.satisfied()
}

// applied checks every member after an event was applied.
func (hs *horizonSet) applied(now time.Time, total uint64, row event.Record) bool {
	hs.checkTime(now)
	for i := range hs.members {
		m := &hs.members[i]
		if m.fired {
			continue
		}
		switch m.Kind {
		case HorizonCount:
			m.fired = total >= m.Count
		case HorizonPredicate:
			m.fired = m.pred.Match(row)
		}
	}
	return hs.satisfied()
}

func (hs *horizonSet) checkTime(now time.Time) {
	for i := range hs.members {
		m := &hs.members[i]
		if m.fired {
			continue
		}
		switch m.Kind {
		case HorizonDeadline:
			m.fired = !now.Before(m.Deadline)
		case HorizonDuration:
			m.fired = now.Sub(hs.start) >= m.Span
		}
	}
}

func (hs *horizonSet) satisfied() bool {
	if hs.empty() {
		return false
	}
	for _, m := range hs.members {
		if m.fired && hs.mode == HorizonAny {
			return true
		}
		if !m.fired && hs.mode == HorizonAll {
			return false
		}
	}
	return hs.mode == HorizonAll
}

// firedNames lists the satisfied members for logging.
func (hs *horizonSet) firedNames() []string {
	var out []string
	for _, m := range hs.members {
		if m.fired {
			out = append(out, m.String())
		}
	}
	return out
}
