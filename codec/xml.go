package codec

import (
	"bytes"
	"encoding/xml"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/schema"
)

type xmlEvents struct {
	XMLName xml.Name   `xml:"events"`
	Events  []xmlEvent `xml:"event"`
}

type xmlEvent struct {
	XMLName xml.Name   `xml:"event"`
	Opcode  string     `xml:"opcode,attr,omitempty"`
	Flags   string     `xml:"flags,attr,omitempty"`
	Window  string     `xml:"window,attr,omitempty"`
	Fields  []xmlValue `xml:",any"`
}

type xmlValue struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// XML events are <events><event opcode="insert"><id>1</id>...</event></events>.
// A lone <event> root is also accepted. An empty element is a null field.
func decodeXML(data []byte, s *schema.Schema, o Options) ([]event.Event, error) {
	root, err := rootElement(data)
	if err != nil {
		return nil, &errors.SchemaMismatchError{Row: 1, Reason: "malformed xml", Err: err}
	}

	var items []xmlEvent
	switch root {
	case "events":
		var doc xmlEvents
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, &errors.SchemaMismatchError{Row: 1, Reason: "malformed xml", Err: err}
		}
		items = doc.Events
	case "event":
		var one xmlEvent
		if err := xml.Unmarshal(data, &one); err != nil {
			return nil, &errors.SchemaMismatchError{Row: 1, Reason: "malformed xml", Err: err}
		}
		items = []xmlEvent{one}
	default:
		return nil, &errors.SchemaMismatchError{Row: 1, Reason: "unexpected root element <" + root + ">"}
	}

	out := make([]event.Event, 0, len(items))
	for i, item := range items {
		row := i + 1
		ev := event.Event{Opcode: o.Opcode, Window: item.Window, Record: make(event.Record, len(item.Fields))}
		if item.Opcode != "" {
			if ev.Opcode, err = event.ParseOpcode(item.Opcode); err != nil {
				return nil, &errors.SchemaMismatchError{Row: row, Reason: "bad opcode attribute", Err: err}
			}
		}
		if ev.Flags, err = event.ParseFlags(item.Flags); err != nil {
			return nil, &errors.SchemaMismatchError{Row: row, Reason: "bad flags attribute", Err: err}
		}

		for _, fv := range item.Fields {
			name, v, err := parseField(s, fv.XMLName.Local, fv.Value, row, o)
			if err != nil {
				return nil, err
			}
			if _, dup := ev.Record[name]; dup {
				return nil, &errors.SchemaMismatchError{Field: name, Row: row, Reason: "field supplied twice"}
			}
			ev.Record[name] = v
		}

		if out, err = finish(out, s, ev, row); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func rootElement(data []byte) (string, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err != nil {
			return "", err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

func encodeXML(events []event.Event, s *schema.Schema, o Options) ([]byte, error) {
	fields := s.Fields()
	doc := xmlEvents{Events: make([]xmlEvent, 0, len(events))}
	for _, ev := range events {
		item := xmlEvent{Opcode: ev.Opcode.String(), Window: o.Window}
		if ev.Window != "" {
			item.Window = ev.Window
		}
		if ev.Flags != event.Normal {
			item.Flags = ev.Flags.String()
		}
		for _, f := range fields {
			v, ok := ev.Record[f.Name]
			if !ok {
				continue
			}
			item.Fields = append(item.Fields, xmlValue{
				XMLName: xml.Name{Local: f.Name},
				Value:   formatField(f, v),
			})
		}
		doc.Events = append(doc.Events, item)
	}

	data, err := xml.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "codec", "Encode", "marshal xml events")
	}
	return data, nil
}
