// Package event defines the transient event record exchanged with engine windows.
package event

import (
	"fmt"
	"sort"
	"strings"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/schema"
)

// Opcode tells the receiving window how to apply an event
type Opcode int

// Opcodes
const (
	Insert Opcode = iota
	Update
	Upsert
	Delete
)

var opcodeNames = [...]string{"insert", "update", "upsert", "delete"}
var opcodeShort = [...]string{"i", "u", "p", "d"}

// String returns the long opcode name used in XML and JSON.
func (o Opcode) String() string {
	if o < Insert || o > Delete {
		return fmt.Sprintf("opcode(%d)", int(o))
	}
	return opcodeNames[o]
}

// Short returns the one-letter opcode used in CSV.
func (o Opcode) Short() string {
	if o < Insert || o > Delete {
		return "?"
	}
	return opcodeShort[o]
}

// ParseOpcode accepts long and one-letter opcode names, case-insensitively.
func ParseOpcode(s string) (Opcode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i := range opcodeNames {
		if s == opcodeNames[i] || s == opcodeShort[i] {
			return Opcode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown opcode %q", s)
}

// Flags qualify how an event was produced
type Flags int

// Flag values
const (
	Normal Flags = iota
	// Retention marks events generated by the engine's retention policy
	Retention
)

// String returns the long flag name.
func (f Flags) String() string {
	if f == Retention {
		return "retention"
	}
	return "normal"
}

// Short returns the one-letter flag used in CSV.
func (f Flags) Short() string {
	if f == Retention {
		return "r"
	}
	return "n"
}

// ParseFlags accepts long and one-letter flag names; empty means normal.
func ParseFlags(s string) (Flags, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "n", "normal":
		return Normal, nil
	case "r", "retention":
		return Retention, nil
	}
	return Normal, fmt.Errorf("unknown event flags %q", s)
}

// Record maps field names to typed values. A nil value is a null field;
// an absent name means the field was not supplied.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Event is one insert, update, upsert or delete against a window.
type Event struct {
	Opcode Opcode
	Flags  Flags
	// Window is the engine path ("project/query/window") the event came from, when known.
	Window string
	Record Record
}

// Key is the ordered tuple of key-field values identifying a row.
type Key []any

// String renders the key for logs and error messages.
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = fmt.Sprint(v)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// CompareKeys orders two keys of the same schema by its key fields.
func CompareKeys(s *schema.Schema, a, b Key) int {
	for i, f := range s.KeyFields() {
		if c := f.Type.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

// KeyOf extracts the key tuple of a normalized record.
func KeyOf(s *schema.Schema, r Record) Key {
	keys := s.KeyFields()
	k := make(Key, len(keys))
	for i, f := range keys {
		k[i] = r[f.Name]
	}
	return k
}

// Key extracts the event's key tuple. The event must have been built with New
// or validated with Validate.
func (e Event) Key(s *schema.Schema) Key {
	return KeyOf(s, e.Record)
}

// New builds a validated event from loosely typed values. Values are normalized to
// the schema's canonical Go types and names to the schema's spelling.
func New(s *schema.Schema, op Opcode, values Record) (Event, error) {
	ev := Event{Opcode: op, Record: values}
	if err := Validate(s, &ev, 0); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate normalizes ev.Record in place against s and checks that the fields
// required by the opcode are present: every field for insert and upsert, the key
// fields for update and delete. Key fields can never be null. Row is the 1-based
// locator reported in errors (0 when unknown).
func Validate(s *schema.Schema, ev *Event, row int) error {
	if ev.Opcode < Insert || ev.Opcode > Delete {
		return &errors.SchemaMismatchError{Row: row, Reason: fmt.Sprintf("invalid opcode %d", ev.Opcode)}
	}

	normalized := make(Record, len(ev.Record))
	// Iterate in sorted order so the first reported problem is deterministic.
	names := make([]string, 0, len(ev.Record))
	for name := range ev.Record {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		idx := s.Index(name)
		if idx < 0 {
			return &errors.SchemaMismatchError{Field: name, Row: row, Reason: "field is not in the schema"}
		}
		f := s.At(idx)
		if _, dup := normalized[f.Name]; dup {
			return &errors.SchemaMismatchError{Field: f.Name, Row: row, Column: idx + 1, Reason: "field supplied twice"}
		}
		v, err := f.Type.Normalize(ev.Record[name])
		if err != nil {
			return &errors.SchemaMismatchError{Field: f.Name, Row: row, Column: idx + 1, Err: err}
		}
		normalized[f.Name] = v
	}

	full := ev.Opcode == Insert || ev.Opcode == Upsert
	for i, f := range s.Fields() {
		v, ok := normalized[f.Name]
		if !ok && (full || f.Key) {
			return &errors.SchemaMismatchError{Field: f.Name, Row: row, Column: i + 1, Reason: "missing field"}
		}
		if ok && f.Key && v == nil {
			return &errors.SchemaMismatchError{Field: f.Name, Row: row, Column: i + 1, Reason: "key field is null"}
		}
	}

	ev.Record = normalized
	return nil
}
