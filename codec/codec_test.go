package codec

import (
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/schema"
)

var tradeSchema = schema.MustParse("id*:int64,symbol:string,price:double,ts:stamp,tags:array(i32)")

func sampleEvents(t *testing.T) []event.Event {
	t.Helper()
	ts := time.Date(2024, 5, 1, 9, 30, 0, 250000000, time.UTC)
	a, err := event.New(tradeSchema, event.Insert, event.Record{
		"id": 1, "symbol": "IBM, Inc", "price": 101.5, "ts": ts, "tags": []int32{1, 2},
	})
	require.NoError(t, err)
	b, err := event.New(tradeSchema, event.Upsert, event.Record{
		"id": 2, "symbol": "SAS", "price": nil, "ts": ts, "tags": []int32{},
	})
	require.NoError(t, err)
	b.Flags = event.Retention
	return []event.Event{a, b}
}

func TestEncodeDecode_AllFormats(t *testing.T) {
	events := sampleEvents(t)

	for _, f := range []Format{CSV, JSON, XML, Properties} {
		t.Run(string(f), func(t *testing.T) {
			data, err := Encode(f, events, tradeSchema)
			require.NoError(t, err)

			decoded, err := Decode(f, data, tradeSchema)
			require.NoError(t, err)
			require.Len(t, decoded, 2)

			for i := range events {
				assert.Equal(t, events[i].Opcode, decoded[i].Opcode)
				assert.Equal(t, events[i].Flags, decoded[i].Flags)
				assert.Equal(t, events[i].Record, decoded[i].Record)
			}
		})
	}
}

func TestDecodeCSV(t *testing.T) {
	s := schema.MustParse("id*:int64,x:double")

	events, err := Decode(CSV, []byte("i,n,1,1.5\nu,n,1,\nd,n,1,\n"), s)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, event.Update, events[1].Opcode)
	assert.Nil(t, events[1].Record["x"])
	assert.Equal(t, event.Delete, events[2].Opcode)

	events, err = Decode(CSV, []byte("7,2.5\n"), s, WithFieldsOnly(), WithOpcode(event.Upsert))
	require.NoError(t, err)
	assert.Equal(t, event.Upsert, events[0].Opcode)
	assert.Equal(t, int64(7), events[0].Record["id"])
}

func TestDecode_MissingNonKeyField(t *testing.T) {
	s := schema.MustParse("id*:int64,name:string,x:double")

	tests := []struct {
		format Format
		data   string
	}{
		{CSV, "i,n,1,abc\n"},
		{JSON, `{"events":[{"event":{"opcode":"insert","id":"1","name":"abc"}}]}`},
		{XML, `<events><event opcode="insert"><id>1</id><name>abc</name></event></events>`},
		{Properties, "opcode=insert\nid=1\nname=abc\n"},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			events, err := Decode(tt.format, []byte(tt.data), s)
			require.Error(t, err)
			assert.Nil(t, events)

			var sme *errors.SchemaMismatchError
			require.True(t, stderrors.As(err, &sme), "got %T: %v", err, err)
			assert.Equal(t, "x", sme.Field)
			assert.Equal(t, 1, sme.Row)
		})
	}
}

func TestDecode_AbortsWholeCall(t *testing.T) {
	s := schema.MustParse("id*:int64,x:double")

	events, err := Decode(CSV, []byte("i,n,1,1.0\ni,n,2,oops\ni,n,3,3.0\n"), s)
	require.Error(t, err)
	assert.Nil(t, events)

	var sme *errors.SchemaMismatchError
	require.True(t, stderrors.As(err, &sme))
	assert.Equal(t, 2, sme.Row)
	assert.Equal(t, 2, sme.Column)
	assert.Equal(t, "x", sme.Field)
}

func TestDecode_Errors(t *testing.T) {
	s := schema.MustParse("id*:int64,x:double")

	tests := []struct {
		name   string
		format Format
		data   string
	}{
		{"csv extra column", CSV, "i,n,1,2,3\n"},
		{"csv bad opcode", CSV, "z,n,1,2\n"},
		{"json unknown field", JSON, `[{"id":1,"x":1,"y":2}]`},
		{"json boolean", JSON, `{"id":1,"x":true}`},
		{"json malformed", JSON, `{"id":`},
		{"xml wrong root", XML, `<rows/>`},
		{"xml null key", XML, `<event opcode="update"><id></id></event>`},
		{"properties no equals", Properties, "id=1\nx\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.format, []byte(tt.data), s)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "expected invalid-class error, got %v", err)
		})
	}
}

func TestDecodeJSON_Shapes(t *testing.T) {
	s := schema.MustParse("id*:int64,x:double,v:array(dbl)")

	events, err := Decode(JSON, []byte(`{"ID":3,"x":"2.5","v":[1,2.5]}`), s)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.Record{"id": int64(3), "x": 2.5, "v": []float64{1, 2.5}}, events[0].Record)

	events, err = Decode(JSON, []byte(`[{"event":{"opcode":"delete","id":3}}]`), s)
	require.NoError(t, err)
	assert.Equal(t, event.Delete, events[0].Opcode)
}

func TestDecode_DateFormat(t *testing.T) {
	s := schema.MustParse("id*:int32,at:stamp")
	events, err := Decode(CSV, []byte("i,n,1,20240501T09:30:00.000001\n"), s,
		WithDateFormat("%Y%m%dT%H:%M:%S.%f"))
	require.NoError(t, err)
	assert.True(t, events[0].Record["at"].(time.Time).Equal(time.Date(2024, 5, 1, 9, 30, 0, 1000, time.UTC)))
}

func TestEncodeXML_WindowAttribute(t *testing.T) {
	s := schema.MustParse("id*:int64,x:double")
	ev, err := event.New(s, event.Insert, event.Record{"id": 1, "x": 2})
	require.NoError(t, err)

	data, err := Encode(XML, []event.Event{ev}, s, WithWindow("p/q/w"))
	require.NoError(t, err)
	assert.Equal(t, `<events><event opcode="insert" window="p/q/w"><id>1</id><x>2</x></event></events>`, string(data))
}

func TestEncodeCSV_Quoting(t *testing.T) {
	s := schema.MustParse("id*:int64,name:string")
	ev, err := event.New(s, event.Insert, event.Record{"id": 1, "name": `a "b", c`})
	require.NoError(t, err)

	data, err := Encode(CSV, []event.Event{ev}, s)
	require.NoError(t, err)
	assert.Equal(t, "i,n,1,\"a \"\"b\"\", c\"\n", string(data))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" JSON ")
	require.NoError(t, err)
	assert.Equal(t, JSON, f)

	_, err = ParseFormat("yaml")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "yaml"))
}
