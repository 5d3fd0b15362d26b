package schema

import (
	"encoding/json"
	"encoding/xml"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	s, err := Parse("id*:int64, name:string,score:double,ts:stamp,vec:array(double)")
	require.NoError(t, err)

	assert.Equal(t, 5, s.Len())
	assert.Equal(t, "id*:int64,name:string,score:double,ts:stamp,vec:array(dbl)", s.String())
	assert.Equal(t, []string{"id"}, []string{s.KeyFields()[0].Name})

	f, ok := s.Field("NAME")
	require.True(t, ok, "lookup is case-insensitive")
	assert.Equal(t, String, f.Type)
	assert.Equal(t, -1, s.Index("missing"))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		def  string
	}{
		{"empty", ""},
		{"no type", "id*"},
		{"unknown type", "id*:uuid"},
		{"no key", "id:int64,x:double"},
		{"duplicate", "id*:int64,ID:int32"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.def)
			assert.Error(t, err)
		})
	}
}

func TestSchema_XMLRoundTrip(t *testing.T) {
	s := MustParse("a*:int32,b*:string,c:money")

	data, err := xml.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `<field name="a" type="int32" key="true"></field>`)
	assert.Contains(t, string(data), `<field name="c" type="money" key="false"></field>`)

	parsed, err := ParseXML(data)
	require.NoError(t, err)
	assert.True(t, s.Equal(parsed))
}

func TestParseJSON(t *testing.T) {
	msg := `{"schema":[{"fields":[
		{"field":{"attributes":{"name":"id","type":"int64","key":"true"}}},
		{"field":{"attributes":{"name":"x","type":"double","key":"false"}}}
	]}]}`

	s, err := ParseJSON([]byte(msg))
	require.NoError(t, err)
	assert.Equal(t, "id*:int64,x:double", s.String())

	_, err = ParseJSON([]byte(`{"schema":[]}`))
	assert.Error(t, err)
}

func TestSchema_JSON(t *testing.T) {
	s := MustParse("id*:int64,x:double")
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `"id*:int64,x:double"`, string(data))

	var back Schema
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, s.Equal(&back))
}

func TestSchema_Compatible(t *testing.T) {
	s := MustParse("id*:int64,x:double")
	assert.NoError(t, s.Compatible(MustParse("ID*:int64,X:double")))
	assert.Error(t, s.Compatible(MustParse("id*:int64,x:int32")))
	assert.Error(t, s.Compatible(MustParse("id*:int64,x*:double")))
	assert.Error(t, s.Compatible(MustParse("id*:int64")))
}

func TestFieldType_ParseValue(t *testing.T) {
	stamp := time.Date(2024, 3, 1, 10, 0, 0, 500000000, time.UTC)

	tests := []struct {
		name    string
		typ     FieldType
		input   string
		want    any
		wantErr bool
	}{
		{"int32", Int32, "42", int32(42), false},
		{"int32 float notation", Int32, "42.0", int32(42), false},
		{"int32 overflow", Int32, "3000000000", nil, true},
		{"int64", Int64, "-7", int64(-7), false},
		{"int64 fractional", Int64, "1.5", nil, true},
		{"double", Double, "2.5", 2.5, false},
		{"double bad", Double, "abc", nil, true},
		{"string", String, "", "", false},
		{"null double", Double, "", nil, false},
		{"stamp micros", Stamp, "1709287200500000", stamp, false},
		{"date seconds", Date, "1709287200", stamp.Truncate(time.Second), false},
		{"money", Money, "10.25", MoneyValue("10.25"), false},
		{"money bad", Money, "ten", nil, true},
		{"blob", Blob, "aGVsbG8=", []byte("hello"), false},
		{"double array", DoubleArray, "[1.5;2;3]", []float64{1.5, 2, 3}, false},
		{"int32 array", Int32Array, "[1; 2]", []int32{1, 2}, false},
		{"empty int64 array", Int64Array, "[]", []int64{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.typ.ParseValue(tt.input, ParseOptions{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFieldType_FormatValue(t *testing.T) {
	assert.Equal(t, "42", Int32.FormatValue(int32(42), ParseOptions{}))
	assert.Equal(t, "2.5", Double.FormatValue(2.5, ParseOptions{}))
	assert.Equal(t, "", Double.FormatValue(nil, ParseOptions{}))
	assert.Equal(t, "[1;2]", Int64Array.FormatValue([]int64{1, 2}, ParseOptions{}))
	assert.Equal(t, "1709287200", Date.FormatValue(time.Unix(1709287200, 0), ParseOptions{}))
	assert.Equal(t, "aGk=", Blob.FormatValue([]byte("hi"), ParseOptions{}))
}

func TestFieldType_Normalize(t *testing.T) {
	v, err := Int64.Normalize(7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = Double.Normalize(int32(3))
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	v, err = Int32.Normalize("12")
	require.NoError(t, err)
	assert.Equal(t, int32(12), v)

	v, err = DoubleArray.Normalize([]any{1, 2.5})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2.5}, v)

	_, err = Int32.Normalize(int64(math.MaxInt64))
	assert.Error(t, err)

	_, err = String.Normalize(3.5)
	assert.Error(t, err)

	v, err = Stamp.Normalize(int64(0))
	require.NoError(t, err)
	assert.True(t, v.(time.Time).Equal(time.Unix(0, 0)))
}

func TestFieldType_Compare(t *testing.T) {
	assert.Equal(t, -1, Int64.Compare(int64(1), int64(2)))
	assert.Equal(t, 0, String.Compare("a", "a"))
	assert.Equal(t, 1, Money.Compare(MoneyValue("10.5"), MoneyValue("9.99")))
	assert.Equal(t, -1, Double.Compare(nil, 1.0))
	assert.Equal(t, -1, Double.Compare(math.NaN(), -1e300))
	assert.Equal(t, 1, Int32Array.Compare([]int32{1, 2}, []int32{1}))
}
