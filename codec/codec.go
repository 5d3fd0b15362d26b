// Package codec converts between typed events and the engine's textual event
// encodings: CSV, JSON, XML and properties.
//
// Decoding is all-or-nothing: the first row that does not fit the schema aborts the
// call with an *errors.SchemaMismatchError carrying the row (1-based event index)
// and, when known, the column and field name. Field values are coerced through the
// schema's per-type table.
package codec

import (
	"fmt"
	"strings"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/schema"
)

// Format names an event encoding
type Format string

// Supported formats
const (
	CSV        Format = "csv"
	JSON       Format = "json"
	XML        Format = "xml"
	Properties Format = "properties"
)

// ParseFormat resolves a format name case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case CSV, JSON, XML, Properties:
		return f, nil
	}
	return "", fmt.Errorf("unknown event format %q", s)
}

// Options tune decoding and encoding
type Options struct {
	// DateFormat is the strftime-style format accepted (decode) for date and stamp text.
	DateFormat string
	// Opcode is used for events that carry none, e.g. CSV read with FieldsOnly.
	Opcode event.Opcode
	// FieldsOnly means CSV rows hold just the fields, without opcode and flags columns.
	FieldsOnly bool
	// Separator splits properties events; default is a blank line.
	Separator string
	// Window is written as the window attribute of encoded XML events.
	Window string
}

// Option configures Options
type Option func(*Options)

// WithDateFormat sets the date format for date and stamp fields
func WithDateFormat(format string) Option {
	return func(o *Options) { o.DateFormat = format }
}

// WithOpcode sets the opcode for events that do not carry one
func WithOpcode(op event.Opcode) Option {
	return func(o *Options) { o.Opcode = op }
}

// WithFieldsOnly reads and writes CSV rows without the opcode and flags columns
func WithFieldsOnly() Option {
	return func(o *Options) { o.FieldsOnly = true }
}

// WithSeparator sets the properties event separator
func WithSeparator(sep string) Option {
	return func(o *Options) { o.Separator = sep }
}

// WithWindow sets the window attribute written on XML events
func WithWindow(path string) Option {
	return func(o *Options) { o.Window = path }
}

func buildOptions(opts []Option) Options {
	o := Options{Opcode: event.Insert, Separator: "\n\n"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Separator == "" {
		o.Separator = "\n\n"
	}
	return o
}

type decoder func(data []byte, s *schema.Schema, o Options) ([]event.Event, error)
type encoder func(events []event.Event, s *schema.Schema, o Options) ([]byte, error)

var codecs = map[Format]struct {
	decode decoder
	encode encoder
}{
	CSV:        {decodeCSV, encodeCSV},
	JSON:       {decodeJSON, encodeJSON},
	XML:        {decodeXML, encodeXML},
	Properties: {decodeProperties, encodeProperties},
}

// Decode parses data into validated events under schema s.
func Decode(f Format, data []byte, s *schema.Schema, opts ...Option) ([]event.Event, error) {
	c, ok := codecs[f]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("unknown format %q", f), "codec", "Decode", "select codec")
	}
	if s == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "codec", "Decode", "schema required")
	}
	return c.decode(data, s, buildOptions(opts))
}

// Encode renders events under schema s. Events are expected to be validated.
func Encode(f Format, events []event.Event, s *schema.Schema, opts ...Option) ([]byte, error) {
	c, ok := codecs[f]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("unknown format %q", f), "codec", "Encode", "select codec")
	}
	if s == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "codec", "Encode", "schema required")
	}
	return c.encode(events, s, buildOptions(opts))
}

// parseField coerces the text of a named field, reporting mismatches against row.
func parseField(s *schema.Schema, name, text string, row int, o Options) (string, any, error) {
	idx := s.Index(name)
	if idx < 0 {
		return "", nil, &errors.SchemaMismatchError{Field: name, Row: row, Reason: "field is not in the schema"}
	}
	f := s.At(idx)
	v, err := f.Type.ParseValue(text, schema.ParseOptions{DateFormat: o.DateFormat})
	if err != nil {
		return "", nil, &errors.SchemaMismatchError{Field: f.Name, Row: row, Column: idx + 1, Err: err}
	}
	return f.Name, v, nil
}

// finish validates a decoded event and appends it.
func finish(out []event.Event, s *schema.Schema, ev event.Event, row int) ([]event.Event, error) {
	if err := event.Validate(s, &ev, row); err != nil {
		return nil, err
	}
	return append(out, ev), nil
}

// formatField renders one field of a record.
func formatField(f schema.Field, v any) string {
	return f.Type.FormatValue(v, schema.ParseOptions{})
}
