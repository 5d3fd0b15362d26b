package table

import (
	"github.com/google/btree"

	"github.com/c360/espflow/event"
	"github.com/c360/espflow/schema"
)

// Snapshot is an immutable view of a table at one version.
type Snapshot struct {
	Version uint64
	schema  *schema.Schema
	tree    *btree.BTreeG[*row]
}

// Row is one cached row. Values is a private copy.
type Row struct {
	Key    event.Key
	Values event.Record
}

// Schema returns the schema the rows conform to.
func (s *Snapshot) Schema() *schema.Schema { return s.schema }

// Len returns the number of rows.
func (s *Snapshot) Len() int { return s.tree.Len() }

// Rows returns every row in key order.
func (s *Snapshot) Rows() []Row {
	out := make([]Row, 0, s.tree.Len())
	s.Ascend(func(r Row) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Ascend calls fn for each row in key order until fn returns false.
func (s *Snapshot) Ascend(fn func(Row) bool) {
	s.tree.Ascend(func(r *row) bool {
		return fn(Row{Key: r.key, Values: r.values.Clone()})
	})
}

// Get looks a row up by key values given in key-field order. Values are
// normalized to the key fields' types, so Get(1) finds an int64 key.
func (s *Snapshot) Get(key ...any) (event.Record, bool) {
	keys := s.schema.KeyFields()
	if len(key) != len(keys) {
		return nil, false
	}
	k := make(event.Key, len(key))
	for i, f := range keys {
		v, err := f.Type.Normalize(key[i])
		if err != nil || v == nil {
			return nil, false
		}
		k[i] = v
	}
	r, ok := s.tree.Get(&row{key: k})
	if !ok {
		return nil, false
	}
	return r.values.Clone(), true
}

// Keys returns every key in order.
func (s *Snapshot) Keys() []event.Key {
	out := make([]event.Key, 0, s.tree.Len())
	s.tree.Ascend(func(r *row) bool {
		out = append(out, r.key)
		return true
	})
	return out
}

// Column returns the named field's values in key order.
func (s *Snapshot) Column(name string) ([]any, bool) {
	f, ok := s.schema.Field(name)
	if !ok {
		return nil, false
	}
	out := make([]any, 0, s.tree.Len())
	s.tree.Ascend(func(r *row) bool {
		out = append(out, r.values[f.Name])
		return true
	})
	return out, true
}

// Records returns every row's values in key order, as events of the given opcode.
// This is the form the codec encodes.
func (s *Snapshot) Records(op event.Opcode) []event.Event {
	out := make([]event.Event, 0, s.tree.Len())
	s.tree.Ascend(func(r *row) bool {
		out = append(out, event.Event{Opcode: op, Record: r.values.Clone()})
		return true
	})
	return out
}
