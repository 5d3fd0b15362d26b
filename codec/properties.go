package codec

import (
	"bytes"
	"strings"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/schema"
)

// Properties events are blocks of name=value lines separated by a blank line.
// An opcode= line and a flags= line may precede the fields.
func decodeProperties(data []byte, s *schema.Schema, o Options) ([]event.Event, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	var out []event.Event
	row := 0
	for _, block := range strings.Split(text, o.Separator) {
		if strings.TrimSpace(block) == "" {
			continue
		}
		row++

		ev := event.Event{Opcode: o.Opcode, Record: make(event.Record)}
		for _, line := range strings.Split(block, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			name, value, ok := strings.Cut(line, "=")
			if !ok {
				return nil, &errors.SchemaMismatchError{Row: row, Reason: "expected name=value, got " + strings.TrimSpace(line)}
			}
			name = strings.TrimSpace(name)

			if s.Index(name) < 0 {
				var err error
				switch strings.ToLower(name) {
				case "opcode":
					ev.Opcode, err = event.ParseOpcode(value)
					if err != nil {
						return nil, &errors.SchemaMismatchError{Row: row, Reason: "bad opcode line", Err: err}
					}
					continue
				case "flags":
					ev.Flags, err = event.ParseFlags(value)
					if err != nil {
						return nil, &errors.SchemaMismatchError{Row: row, Reason: "bad flags line", Err: err}
					}
					continue
				}
			}

			field, v, err := parseField(s, name, value, row, o)
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

func encodeProperties(events []event.Event, s *schema.Schema, o Options) ([]byte, error) {
	fields := s.Fields()
	var buf bytes.Buffer
	for i, ev := range events {
		if i > 0 {
			buf.WriteString(o.Separator)
		}
		buf.WriteString("opcode=")
		buf.WriteString(ev.Opcode.String())
		buf.WriteByte('\n')
		if ev.Flags != event.Normal {
			buf.WriteString("flags=")
			buf.WriteString(ev.Flags.String())
			buf.WriteByte('\n')
		}
		for _, f := range fields {
			v, ok := ev.Record[f.Name]
			if !ok {
				continue
			}
			buf.WriteString(f.Name)
			buf.WriteByte('=')
			buf.WriteString(formatField(f, v))
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}
