// Package schema describes the typed, ordered field list of an engine window.
//
// A Schema is immutable once built. Its key fields, in declaration order, define a
// row's identity and natural sort order. Schemas are written in three forms: the
// compact schema string ("id*:int64,x:double", '*' marks a key), the XML
// <schema><fields><field .../></fields></schema> element, and the engine's JSON form.
package schema

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
)

// Field is one column of a schema
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
	Key  bool      `json:"key,omitempty"`
}

// Schema is an ordered, typed field list with at least one key field
type Schema struct {
	fields []Field
	index  map[string]int
	keys   []int
}

// New builds a schema, checking names, types and key presence.
func New(fields ...Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("schema has no fields")
	}

	s := &Schema{
		fields: make([]Field, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field %d has no name", i+1)
		}
		if !f.Type.Valid() {
			return nil, fmt.Errorf("field %q: unknown type %q", f.Name, f.Type)
		}
		lower := strings.ToLower(f.Name)
		if _, dup := s.index[lower]; dup {
			return nil, fmt.Errorf("duplicate field name %q", f.Name)
		}
		s.index[lower] = i
		s.fields[i] = f
		if f.Key {
			s.keys = append(s.keys, i)
		}
	}
	if len(s.keys) == 0 {
		return nil, fmt.Errorf("schema %s has no key field", s.String())
	}
	return s, nil
}

// MustNew is New for statically known schemas; it panics on error.
func MustNew(fields ...Field) *Schema {
	s, err := New(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse reads the compact schema string form, e.g. "id*:int64,name:string".
func Parse(def string) (*Schema, error) {
	def = strings.TrimSpace(def)
	if def == "" {
		return nil, fmt.Errorf("empty schema string")
	}

	parts := strings.Split(def, ",")
	fields := make([]Field, 0, len(parts))
	for _, part := range parts {
		name, typ, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("schema item %q: expected name:type", part)
		}
		ft, err := ParseFieldType(typ)
		if err != nil {
			return nil, fmt.Errorf("schema item %q: %w", part, err)
		}
		name = strings.TrimSpace(name)
		key := strings.Contains(name, "*")
		fields = append(fields, Field{
			Name: strings.TrimSpace(strings.ReplaceAll(name, "*", "")),
			Type: ft,
			Key:  key,
		})
	}
	return New(fields...)
}

// MustParse is Parse for statically known schema strings; it panics on error.
func MustParse(def string) *Schema {
	s, err := Parse(def)
	if err != nil {
		panic(err)
	}
	return s
}

// String returns the compact schema string.
func (s *Schema) String() string {
	if s == nil {
		return ""
	}
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		name := f.Name
		if f.Key {
			name += "*"
		}
		parts[i] = name + ":" + string(f.Type)
	}
	return strings.Join(parts, ",")
}

// Len returns the number of fields.
func (s *Schema) Len() int {
	return len(s.fields)
}

// Fields returns a copy of the ordered field list.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// At returns the field at position i.
func (s *Schema) At(i int) Field {
	return s.fields[i]
}

// Field looks a field up by name, case-insensitively.
func (s *Schema) Field(name string) (Field, bool) {
	i := s.Index(name)
	if i < 0 {
		return Field{}, false
	}
	return s.fields[i], true
}

// Index returns the position of the named field, or -1.
func (s *Schema) Index(name string) int {
	if i, ok := s.index[strings.ToLower(name)]; ok {
		return i
	}
	return -1
}

// KeyFields returns the key fields in declaration order.
func (s *Schema) KeyFields() []Field {
	out := make([]Field, len(s.keys))
	for i, idx := range s.keys {
		out[i] = s.fields[idx]
	}
	return out
}

// KeyIndexes returns the positions of the key fields.
func (s *Schema) KeyIndexes() []int {
	return append([]int(nil), s.keys...)
}

// Names returns the field names in order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.Name
	}
	return out
}

// Equal reports whether both schemas have the same fields in the same order.
func (s *Schema) Equal(o *Schema) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.fields) != len(o.fields) {
		return false
	}
	for i := range s.fields {
		if s.fields[i] != o.fields[i] {
			return false
		}
	}
	return true
}

// Compatible checks that o can stand in for s: same field names and types
// (names compared case-insensitively) and the same key fields.
func (s *Schema) Compatible(o *Schema) error {
	if len(s.fields) != len(o.fields) {
		return fmt.Errorf("field count differs: %d vs %d", len(s.fields), len(o.fields))
	}
	for i, f := range s.fields {
		g := o.fields[i]
		if !strings.EqualFold(f.Name, g.Name) {
			return fmt.Errorf("field %d: name %q vs %q", i+1, f.Name, g.Name)
		}
		if f.Type != g.Type {
			return fmt.Errorf("field %q: type %s vs %s", f.Name, f.Type, g.Type)
		}
		if f.Key != g.Key {
			return fmt.Errorf("field %q: key flag differs", f.Name)
		}
	}
	return nil
}

// XMLField is the wire form of one <field> element.
type XMLField struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
	Key  string `xml:"key,attr,omitempty"`
}

type xmlSchema struct {
	Fields []XMLField `xml:"fields>field"`
}

// MarshalXML writes <schema><fields><field name type key/></fields></schema>.
func (s *Schema) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	doc := xmlSchema{Fields: make([]XMLField, len(s.fields))}
	for i, f := range s.fields {
		key := "false"
		if f.Key {
			key = "true"
		}
		doc.Fields[i] = XMLField{Name: f.Name, Type: string(f.Type), Key: key}
	}
	start.Name = xml.Name{Local: "schema"}
	return e.EncodeElement(doc, start)
}

// UnmarshalXML reads the <schema> element form.
func (s *Schema) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var doc xmlSchema
	if err := d.DecodeElement(&doc, &start); err != nil {
		return err
	}
	parsed, err := fromXMLFields(doc.Fields)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

func fromXMLFields(xf []XMLField) (*Schema, error) {
	fields := make([]Field, 0, len(xf))
	for _, f := range xf {
		ft, err := ParseFieldType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		fields = append(fields, Field{Name: f.Name, Type: ft, Key: strings.EqualFold(f.Key, "true")})
	}
	return New(fields...)
}

// ParseXML reads a standalone <schema> document.
func ParseXML(data []byte) (*Schema, error) {
	s := new(Schema)
	if err := xml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse schema xml: %w", err)
	}
	return s, nil
}

// engineJSON mirrors the engine's JSON schema message:
// {"schema":[{"fields":[{"field":{"attributes":{"name":..,"type":..,"key":"true"}}}]}]}
type engineJSON struct {
	Schema []struct {
		Fields []struct {
			Field struct {
				Attributes XMLField `json:"attributes"`
			} `json:"field"`
		} `json:"fields"`
	} `json:"schema"`
}

// ParseJSON reads the engine's JSON schema message.
func ParseJSON(data []byte) (*Schema, error) {
	var doc engineJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse schema json: %w", err)
	}
	if len(doc.Schema) == 0 {
		return nil, fmt.Errorf("parse schema json: no schema element")
	}
	xf := make([]XMLField, 0, len(doc.Schema[0].Fields))
	for _, f := range doc.Schema[0].Fields {
		xf = append(xf, f.Field.Attributes)
	}
	return fromXMLFields(xf)
}

// MarshalJSON writes the compact schema string.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the compact schema string or the engine's JSON form.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var def string
	var parsed *Schema
	var err error
	if json.Unmarshal(data, &def) == nil {
		parsed, err = Parse(def)
	} else {
		parsed, err = ParseJSON(data)
	}
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}
