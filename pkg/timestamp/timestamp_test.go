package timestamp

import (
	"testing"
	"time"
)

var (
	testTime      = time.Date(2023, 1, 15, 12, 30, 45, 123456000, time.UTC)
	testTimeSec   = int64(1673785845)
	testTimeMicro = int64(1673785845123456)
)

func TestDateAndStamp(t *testing.T) {
	if got := ToDate(testTime); got != testTimeSec {
		t.Errorf("ToDate() = %d, want %d", got, testTimeSec)
	}
	if got := ToStamp(testTime); got != testTimeMicro {
		t.Errorf("ToStamp() = %d, want %d", got, testTimeMicro)
	}
	if got := FromStamp(testTimeMicro); !got.Equal(testTime) {
		t.Errorf("FromStamp() = %v, want %v", got, testTime)
	}
	if got := FromDate(testTimeSec); !got.Equal(testTime.Truncate(time.Second)) {
		t.Errorf("FromDate() = %v", got)
	}
}

func TestLayout(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		want    string
		wantErr bool
	}{
		{"default", DefaultDateFormat, "20060102T15:04:05.000000", false},
		{"iso date", "%Y-%m-%d", "2006-01-02", false},
		{"percent literal", "%H%%", "15%", false},
		{"unsupported", "%Q", "", true},
		{"dangling", "%Y%", "", true},
		{"bare fraction", "%S%f", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Layout(tt.format)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Layout(%q) expected error", tt.format)
				}
				return
			}
			if err != nil {
				t.Fatalf("Layout(%q) unexpected error: %v", tt.format, err)
			}
			if got != tt.want {
				t.Errorf("Layout(%q) = %q, want %q", tt.format, got, tt.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	got, err := Format(DefaultDateFormat, testTime)
	if err != nil {
		t.Fatal(err)
	}
	if got != "20230115T12:30:45.123456" {
		t.Errorf("Format() = %q", got)
	}

	got, err = Format("", testTime)
	if err != nil {
		t.Fatal(err)
	}
	if got != "2023-01-15T12:30:45.123456Z" {
		t.Errorf("Format(\"\") = %q", got)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		format string
		unit   Unit
		want   time.Time
	}{
		{"date seconds", "1673785845", "", Seconds, testTime.Truncate(time.Second)},
		{"stamp micros", "1673785845123456", "", Microseconds, testTime},
		{"declared format", "20230115T12:30:45.123456", DefaultDateFormat, Microseconds, testTime},
		{"rfc3339", "2023-01-15T12:30:45.123456Z", "", Microseconds, testTime},
		{"space separated", "2023-01-15 12:30:45", "", Seconds, testTime.Truncate(time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input, tt.format, tt.unit)
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}

	if _, err := Parse("yesterday", "", Seconds); err == nil {
		t.Error("expected error for unparseable input")
	}
	if _, err := Parse("  ", "", Seconds); err == nil {
		t.Error("expected error for empty input")
	}
}
