package codec

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/schema"
)

// CSV rows are "opcode,flags,field1,field2,..." in schema order.
func decodeCSV(data []byte, s *schema.Schema, o Options) ([]event.Event, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	prefix := 2
	if o.FieldsOnly {
		prefix = 0
	}
	want := prefix + s.Len()

	var out []event.Event
	for row := 1; ; row++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &errors.SchemaMismatchError{Row: row, Reason: "malformed csv", Err: err}
		}
		if len(rec) == 1 && rec[0] == "" {
			continue
		}

		if len(rec) != want {
			sme := &errors.SchemaMismatchError{
				Row:    row,
				Reason: fmt.Sprintf("expected %d columns, got %d", want, len(rec)),
			}
			if len(rec) < want && len(rec) >= prefix {
				sme.Field = s.At(len(rec) - prefix).Name
				sme.Column = len(rec) - prefix + 1
			}
			return nil, sme
		}

		ev := event.Event{Opcode: o.Opcode, Record: make(event.Record, s.Len())}
		if !o.FieldsOnly {
			if ev.Opcode, err = event.ParseOpcode(rec[0]); err != nil {
				return nil, &errors.SchemaMismatchError{Row: row, Reason: "bad opcode column", Err: err}
			}
			if ev.Flags, err = event.ParseFlags(rec[1]); err != nil {
				return nil, &errors.SchemaMismatchError{Row: row, Reason: "bad flags column", Err: err}
			}
		}

		for i := 0; i < s.Len(); i++ {
			name, v, err := parseField(s, s.At(i).Name, rec[prefix+i], row, o)
			if err != nil {
				return nil, err
			}
			ev.Record[name] = v
		}

		if out, err = finish(out, s, ev, row); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func encodeCSV(events []event.Event, s *schema.Schema, o Options) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	fields := s.Fields()
	prefix := 2
	if o.FieldsOnly {
		prefix = 0
	}
	rec := make([]string, prefix+len(fields))
	for _, ev := range events {
		if !o.FieldsOnly {
			rec[0] = ev.Opcode.Short()
			rec[1] = ev.Flags.Short()
		}
		for i, f := range fields {
			rec[prefix+i] = formatField(f, ev.Record[f.Name])
		}
		if err := w.Write(rec); err != nil {
			return nil, errors.Wrap(err, "codec", "Encode", "write csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "codec", "Encode", "flush csv")
	}
	return buf.Bytes(), nil
}
