package schema

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/c360/espflow/pkg/timestamp"
)

// FieldType is the engine's type tag for a schema field
type FieldType string

// Supported field types
const (
	Int32       FieldType = "int32"
	Int64       FieldType = "int64"
	Double      FieldType = "double"
	String      FieldType = "string"
	Date        FieldType = "date"
	Stamp       FieldType = "stamp"
	Money       FieldType = "money"
	Blob        FieldType = "blob"
	DoubleArray FieldType = "array(dbl)"
	Int32Array  FieldType = "array(i32)"
	Int64Array  FieldType = "array(i64)"
)

var typeAliases = map[string]FieldType{
	"int32":         Int32,
	"int64":         Int64,
	"double":        Double,
	"string":        String,
	"date":          Date,
	"stamp":         Stamp,
	"money":         Money,
	"blob":          Blob,
	"array(dbl)":    DoubleArray,
	"array(double)": DoubleArray,
	"array(i32)":    Int32Array,
	"array(int32)":  Int32Array,
	"array(i64)":    Int64Array,
	"array(int64)":  Int64Array,
}

// ParseFieldType resolves a type tag, accepting the long array spellings.
func ParseFieldType(s string) (FieldType, error) {
	if t, ok := typeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown field type %q", s)
}

// Valid reports whether t is one of the supported types.
func (t FieldType) Valid() bool {
	_, ok := coercers[t]
	return ok
}

// IsNumeric reports whether values of t compare as numbers.
func (t FieldType) IsNumeric() bool {
	return t == Int32 || t == Int64 || t == Double || t == Money
}

// IsTemporal reports whether values of t are time.Time.
func (t FieldType) IsTemporal() bool {
	return t == Date || t == Stamp
}

// MoneyValue is a decimal amount kept in its textual form to avoid float rounding.
type MoneyValue string

// Rat returns the amount as an exact rational.
func (m MoneyValue) Rat() (*big.Rat, bool) {
	return new(big.Rat).SetString(string(m))
}

// ParseOptions controls text coercion.
type ParseOptions struct {
	// DateFormat is a strftime-style format accepted for date and stamp fields in
	// addition to epoch integers and RFC 3339.
	DateFormat string
}

// coercer is one row of the per-type coercion table.
type coercer struct {
	parse     func(s string, opts ParseOptions) (any, error)
	format    func(v any, opts ParseOptions) string
	normalize func(v any) (any, error)
	compare   func(a, b any) int
}

var coercers = map[FieldType]coercer{
	Int32: {
		parse: func(s string, _ ParseOptions) (any, error) {
			n, err := parseInt(s, 32)
			return int32(n), err
		},
		format:    func(v any, _ ParseOptions) string { return strconv.FormatInt(int64(v.(int32)), 10) },
		normalize: func(v any) (any, error) { n, err := toInt(v, 32); return int32(n), err },
		compare:   func(a, b any) int { return cmpOrdered(a.(int32), b.(int32)) },
	},
	Int64: {
		parse:     func(s string, _ ParseOptions) (any, error) { return parseInt(s, 64) },
		format:    func(v any, _ ParseOptions) string { return strconv.FormatInt(v.(int64), 10) },
		normalize: func(v any) (any, error) { return toInt(v, 64) },
		compare:   func(a, b any) int { return cmpOrdered(a.(int64), b.(int64)) },
	},
	Double: {
		parse: func(s string, _ ParseOptions) (any, error) {
			return strconv.ParseFloat(strings.TrimSpace(s), 64)
		},
		format:    func(v any, _ ParseOptions) string { return strconv.FormatFloat(v.(float64), 'g', -1, 64) },
		normalize: toFloat,
		compare:   func(a, b any) int { return cmpFloat(a.(float64), b.(float64)) },
	},
	String: {
		parse:  func(s string, _ ParseOptions) (any, error) { return s, nil },
		format: func(v any, _ ParseOptions) string { return v.(string) },
		normalize: func(v any) (any, error) {
			switch x := v.(type) {
			case string:
				return x, nil
			case []byte:
				return string(x), nil
			case fmt.Stringer:
				return x.String(), nil
			}
			return nil, fmt.Errorf("expected string, got %T", v)
		},
		compare: func(a, b any) int { return strings.Compare(a.(string), b.(string)) },
	},
	Date: {
		parse: func(s string, opts ParseOptions) (any, error) {
			return timestamp.Parse(s, opts.DateFormat, timestamp.Seconds)
		},
		format: func(v any, _ ParseOptions) string {
			return strconv.FormatInt(timestamp.ToDate(v.(time.Time)), 10)
		},
		normalize: func(v any) (any, error) { return toTime(v, timestamp.Seconds) },
		compare:   cmpTime,
	},
	Stamp: {
		parse: func(s string, opts ParseOptions) (any, error) {
			return timestamp.Parse(s, opts.DateFormat, timestamp.Microseconds)
		},
		format: func(v any, _ ParseOptions) string {
			return strconv.FormatInt(timestamp.ToStamp(v.(time.Time)), 10)
		},
		normalize: func(v any) (any, error) { return toTime(v, timestamp.Microseconds) },
		compare:   cmpTime,
	},
	Money: {
		parse:  func(s string, _ ParseOptions) (any, error) { return parseMoney(s) },
		format: func(v any, _ ParseOptions) string { return string(v.(MoneyValue)) },
		normalize: func(v any) (any, error) {
			switch x := v.(type) {
			case MoneyValue:
				return parseMoney(string(x))
			case string:
				return parseMoney(x)
			}
			f, err := toFloat(v)
			if err != nil {
				return nil, err
			}
			return MoneyValue(strconv.FormatFloat(f.(float64), 'f', -1, 64)), nil
		},
		compare: func(a, b any) int {
			ra, _ := a.(MoneyValue).Rat()
			rb, _ := b.(MoneyValue).Rat()
			return ra.Cmp(rb)
		},
	},
	Blob: {
		parse: func(s string, _ ParseOptions) (any, error) {
			return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		},
		format: func(v any, _ ParseOptions) string { return base64.StdEncoding.EncodeToString(v.([]byte)) },
		normalize: func(v any) (any, error) {
			if x, ok := v.([]byte); ok {
				return append([]byte(nil), x...), nil
			}
			return nil, fmt.Errorf("expected []byte, got %T", v)
		},
		compare: func(a, b any) int { return bytes.Compare(a.([]byte), b.([]byte)) },
	},
	DoubleArray: arrayCoercer(
		func(s string) (float64, error) { return strconv.ParseFloat(s, 64) },
		func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) },
		func(v any) (float64, error) { f, err := toFloat(v); return asFloat(f), err },
		cmpFloat,
	),
	Int32Array: arrayCoercer(
		func(s string) (int32, error) { n, err := parseInt(s, 32); return int32(n), err },
		func(v int32) string { return strconv.FormatInt(int64(v), 10) },
		func(v any) (int32, error) { n, err := toInt(v, 32); return int32(n), err },
		cmpOrdered[int32],
	),
	Int64Array: arrayCoercer(
		func(s string) (int64, error) { return parseInt(s, 64) },
		func(v int64) string { return strconv.FormatInt(v, 10) },
		func(v any) (int64, error) { return toInt(v, 64) },
		cmpOrdered[int64],
	),
}

// ParseValue coerces text to the canonical Go value for t.
// Empty text is null (nil) for every type except string.
func (t FieldType) ParseValue(s string, opts ParseOptions) (any, error) {
	c, ok := coercers[t]
	if !ok {
		return nil, fmt.Errorf("unknown field type %q", t)
	}
	if s == "" && t != String {
		return nil, nil
	}
	v, err := c.parse(s, opts)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", t, s, err)
	}
	return v, nil
}

// FormatValue renders a canonical value as text. Nil renders as "".
func (t FieldType) FormatValue(v any, opts ParseOptions) string {
	if v == nil {
		return ""
	}
	c, ok := coercers[t]
	if !ok {
		return fmt.Sprint(v)
	}
	return c.format(v, opts)
}

// Normalize converts an arbitrary Go value to the canonical value for t.
// Strings are parsed as text; nil stays nil.
func (t FieldType) Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	c, ok := coercers[t]
	if !ok {
		return nil, fmt.Errorf("unknown field type %q", t)
	}
	if s, isString := v.(string); isString && t != String && t != Money {
		return t.ParseValue(s, ParseOptions{})
	}
	out, err := c.normalize(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %v: %w", t, v, err)
	}
	return out, nil
}

// Compare orders two canonical values of type t. Nil sorts before any value.
func (t FieldType) Compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return coercers[t].compare(a, b)
}

func parseInt(s string, bits int) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, bits); err == nil {
		return n, nil
	}
	// Integral values sometimes arrive in float notation ("3.0", "1e3").
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("not an integer")
	}
	limit := math.Ldexp(1, bits-1)
	if f < -limit || f >= limit {
		return 0, fmt.Errorf("out of range for int%d", bits)
	}
	return int64(f), nil
}

func parseMoney(s string) (MoneyValue, error) {
	s = strings.TrimSpace(s)
	if _, ok := new(big.Rat).SetString(s); !ok {
		return "", fmt.Errorf("not a decimal")
	}
	return MoneyValue(s), nil
}

func toInt(v any, bits int) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("out of range")
		}
		n = int64(x)
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("not an integer")
		}
		n = int64(x)
	case float32:
		return toInt(float64(x), bits)
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
	if bits == 32 && (n < math.MinInt32 || n > math.MaxInt32) {
		return 0, fmt.Errorf("out of range for int32")
	}
	return n, nil
}

func toFloat(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case MoneyValue:
		return strconv.ParseFloat(string(x), 64)
	}
	return nil, fmt.Errorf("expected number, got %T", v)
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func toTime(v any, unit timestamp.Unit) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return x.UTC(), nil
	}
	n, err := toInt(v, 64)
	if err != nil {
		return nil, fmt.Errorf("expected time, got %T", v)
	}
	if unit == timestamp.Microseconds {
		return timestamp.FromStamp(n), nil
	}
	return timestamp.FromDate(n), nil
}

type ordered interface {
	~int32 | ~int64 | ~float64 | ~string
}

func cmpOrdered[T ordered](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// cmpFloat orders NaN before every number so key ordering stays total.
func cmpFloat(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	}
	return cmpOrdered(a, b)
}

func cmpTime(a, b any) int {
	return a.(time.Time).Compare(b.(time.Time))
}

// arrayCoercer builds the table row for the bracketed, semicolon-separated array types.
func arrayCoercer[T any](
	parseElem func(string) (T, error),
	formatElem func(T) string,
	normalizeElem func(any) (T, error),
	compareElem func(a, b T) int,
) coercer {
	return coercer{
		parse: func(s string, _ ParseOptions) (any, error) {
			s = strings.TrimSpace(s)
			s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
			if strings.TrimSpace(s) == "" {
				return []T{}, nil
			}
			parts := strings.Split(s, ";")
			out := make([]T, 0, len(parts))
			for _, p := range parts {
				v, err := parseElem(strings.TrimSpace(p))
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
			return out, nil
		},
		format: func(v any, _ ParseOptions) string {
			items := v.([]T)
			parts := make([]string, len(items))
			for i, item := range items {
				parts[i] = formatElem(item)
			}
			return "[" + strings.Join(parts, ";") + "]"
		},
		normalize: func(v any) (any, error) {
			if typed, ok := v.([]T); ok {
				return append([]T(nil), typed...), nil
			}
			items, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("expected array, got %T", v)
			}
			out := make([]T, 0, len(items))
			for _, item := range items {
				n, err := normalizeElem(item)
				if err != nil {
					return nil, err
				}
				out = append(out, n)
			}
			return out, nil
		},
		compare: func(a, b any) int {
			x, y := a.([]T), b.([]T)
			for i := 0; i < len(x) && i < len(y); i++ {
				if c := compareElem(x[i], y[i]); c != 0 {
					return c
				}
			}
			return cmpOrdered(int64(len(x)), int64(len(y)))
		},
	}
}
