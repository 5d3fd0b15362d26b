// Package timestamp converts between time.Time and the engine's two temporal field
// encodings, and translates strftime-style date formats into Go layouts.
//
// The engine stores `date` fields as whole seconds since the Unix epoch and `stamp`
// fields as microseconds since the Unix epoch, both UTC.
//
// Usage Examples:
//
//	t := timestamp.FromStamp(1672574400000000)
//	us := timestamp.ToStamp(t)
//
//	layout, err := timestamp.Layout("%Y%m%dT%H:%M:%S.%f")
//	t, err := time.Parse(layout, "20230101T12:00:00.000000")
package timestamp

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultDateFormat is the publish date format used when none is configured.
const DefaultDateFormat = "%Y%m%dT%H:%M:%S.%f"

// FromDate converts engine date seconds to time.Time (UTC).
func FromDate(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// ToDate converts a time.Time to engine date seconds, truncating sub-second precision.
func ToDate(t time.Time) int64 {
	return t.Unix()
}

// FromStamp converts engine stamp microseconds to time.Time (UTC).
func FromStamp(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// ToStamp converts a time.Time to engine stamp microseconds.
func ToStamp(t time.Time) int64 {
	return t.UnixMicro()
}

var strftimeTokens = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'I': "03",
	'M': "04",
	'S': "05",
	'f': "000000",
	'p': "PM",
	'b': "Jan",
	'B': "January",
	'a': "Mon",
	'A': "Monday",
	'z': "-0700",
	'Z': "MST",
	'%': "%",
}

var (
	layoutMu    sync.RWMutex
	layoutCache = map[string]string{}
)

// Layout translates a strftime-style format into a Go time layout.
// Supported directives: %Y %y %m %d %H %I %M %S %f %p %b %B %a %A %z %Z %%.
// %f must follow a '.' or ',' so Go can recognise it as fractional seconds.
func Layout(format string) (string, error) {
	layoutMu.RLock()
	cached, ok := layoutCache[format]
	layoutMu.RUnlock()
	if ok {
		return cached, nil
	}

	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(format) {
			return "", fmt.Errorf("date format %q: dangling %%", format)
		}
		i++
		tok, ok := strftimeTokens[format[i]]
		if !ok {
			return "", fmt.Errorf("date format %q: unsupported directive %%%c", format, format[i])
		}
		if format[i] == 'f' {
			s := b.String()
			if len(s) == 0 || (s[len(s)-1] != '.' && s[len(s)-1] != ',') {
				return "", fmt.Errorf("date format %q: %%f must follow '.' or ','", format)
			}
		}
		b.WriteString(tok)
	}

	layout := b.String()
	layoutMu.Lock()
	layoutCache[format] = layout
	layoutMu.Unlock()
	return layout, nil
}

// Format renders t with a strftime-style format. An empty format renders RFC 3339.
func Format(format string, t time.Time) (string, error) {
	if format == "" {
		return t.UTC().Format(time.RFC3339Nano), nil
	}
	layout, err := Layout(format)
	if err != nil {
		return "", err
	}
	return t.UTC().Format(layout), nil
}

// Unit selects how bare integers are interpreted by Parse.
type Unit int

const (
	// Seconds interprets bare integers as seconds since the epoch (date fields)
	Seconds Unit = iota
	// Microseconds interprets bare integers as microseconds since the epoch (stamp fields)
	Microseconds
)

// Parse converts text to time.Time. It accepts, in order: a bare integer in the given
// unit, the declared strftime format (when non-empty), RFC 3339, and "2006-01-02 15:04:05"
// with optional fractional seconds.
func Parse(s string, format string, unit Unit) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if unit == Microseconds {
			return FromStamp(n), nil
		}
		return FromDate(n), nil
	}

	if format != "" {
		layout, err := Layout(format)
		if err != nil {
			return time.Time{}, err
		}
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05.999999", s, time.UTC); err == nil {
		return t, nil
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
