package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/schema"
)

// JSON events are {"events":[{"event":{"opcode":"insert","id":"1",...}}]}.
// Decode also accepts a bare array of events and a single event object, with or
// without the {"event": ...} wrapper.
func decodeJSON(data []byte, s *schema.Schema, o Options) ([]event.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &errors.SchemaMismatchError{Row: 1, Reason: "malformed json", Err: err}
	}

	var items []any
	switch v := doc.(type) {
	case map[string]any:
		if evs, ok := v["events"]; ok {
			list, isList := evs.([]any)
			if !isList {
				return nil, &errors.SchemaMismatchError{Row: 1, Reason: `"events" is not an array`}
			}
			items = list
		} else {
			items = []any{v}
		}
	case []any:
		items = v
	default:
		return nil, &errors.SchemaMismatchError{Row: 1, Reason: fmt.Sprintf("unexpected json %T", doc)}
	}

	out := make([]event.Event, 0, len(items))
	for i, item := range items {
		row := i + 1
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, &errors.SchemaMismatchError{Row: row, Reason: "event is not an object"}
		}
		if inner, wrapped := obj["event"].(map[string]any); wrapped && len(obj) == 1 {
			obj = inner
		}

		ev := event.Event{Opcode: o.Opcode, Record: make(event.Record, len(obj))}
		// Sorted so the reported field is deterministic.
		names := make([]string, 0, len(obj))
		for name := range obj {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			raw := obj[name]
			if s.Index(name) < 0 {
				if handled, err := jsonMeta(&ev, name, raw); handled {
					if err != nil {
						return nil, &errors.SchemaMismatchError{Row: row, Field: name, Err: err}
					}
					continue
				}
			}
			text, isNull, err := jsonText(raw)
			if err != nil {
				return nil, &errors.SchemaMismatchError{Row: row, Field: name, Err: err}
			}
			if isNull {
				idx := s.Index(name)
				if idx < 0 {
					return nil, &errors.SchemaMismatchError{Field: name, Row: row, Reason: "field is not in the schema"}
				}
				ev.Record[s.At(idx).Name] = nil
				continue
			}
			field, v, err := parseField(s, name, text, row, o)
			if err != nil {
				return nil, err
			}
			ev.Record[field] = v
		}

		var err error
		if out, err = finish(out, s, ev, row); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// jsonMeta consumes the opcode and flags members.
func jsonMeta(ev *event.Event, name string, raw any) (bool, error) {
	switch strings.ToLower(name) {
	case "opcode":
		str, _ := raw.(string)
		op, err := event.ParseOpcode(str)
		ev.Opcode = op
		return true, err
	case "flags":
		str, _ := raw.(string)
		f, err := event.ParseFlags(str)
		ev.Flags = f
		return true, err
	}
	return false, nil
}

// jsonText turns a decoded JSON value into the text form the coercion table parses.
// Arrays become the engine's bracketed, semicolon-separated notation.
func jsonText(raw any) (string, bool, error) {
	switch v := raw.(type) {
	case nil:
		return "", true, nil
	case string:
		return v, false, nil
	case json.Number:
		return v.String(), false, nil
	case bool:
		return "", false, fmt.Errorf("boolean values are not supported")
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			text, isNull, err := jsonText(item)
			if err != nil {
				return "", false, err
			}
			if isNull {
				return "", false, fmt.Errorf("null array element")
			}
			parts[i] = text
		}
		return "[" + strings.Join(parts, ";") + "]", false, nil
	}
	return "", false, fmt.Errorf("unsupported json value %T", raw)
}

func encodeJSON(events []event.Event, s *schema.Schema, _ Options) ([]byte, error) {
	fields := s.Fields()

	var buf bytes.Buffer
	buf.WriteString(`{"events":[`)
	for i, ev := range events {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"event":{"opcode":`)
		writeJSONString(&buf, ev.Opcode.String())
		if ev.Flags != event.Normal {
			buf.WriteString(`,"flags":`)
			writeJSONString(&buf, ev.Flags.String())
		}
		for _, f := range fields {
			v, ok := ev.Record[f.Name]
			if !ok {
				continue
			}
			buf.WriteByte(',')
			writeJSONString(&buf, f.Name)
			buf.WriteByte(':')
			writeJSONValue(&buf, f, v)
		}
		buf.WriteString("}}")
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	data, _ := json.Marshal(s)
	buf.Write(data)
}

// writeJSONValue writes numbers as JSON numbers and everything else as text.
func writeJSONValue(buf *bytes.Buffer, f schema.Field, v any) {
	if v == nil {
		buf.WriteString("null")
		return
	}
	text := formatField(f, v)
	switch f.Type {
	case schema.Int32, schema.Int64:
		buf.WriteString(text)
	case schema.Double:
		// NaN and infinities have no JSON number form.
		if strings.ContainsAny(text, "NI") {
			writeJSONString(buf, text)
		} else {
			buf.WriteString(text)
		}
	default:
		writeJSONString(buf, text)
	}
}
