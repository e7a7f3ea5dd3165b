package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseDateString_AcceptsRelayFormats(t *testing.T) {
	cases := []struct {
		in       string
		expected time.Time
	}{
		{"2026-03-15", time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"2026-03-15T23:45:10", time.Date(2026, 3, 15, 23, 45, 10, 0, time.UTC)},
	}
	for _, tc := range cases {
		parsed, err := ParseDateString(tc.in)
		if err != nil {
			t.Fatalf("ParseDateString(%q) error: %v", tc.in, err)
		}
		if !parsed.Time().Equal(tc.expected) {
			t.Fatalf("ParseDateString(%q) expected %s, got %s", tc.in, tc.expected, parsed.Time())
		}
	}
}

func TestParseDateString_RejectsOtherFormats(t *testing.T) {
	for _, in := range []string{"15/03/2026", "March 15", "2026-3-15", ""} {
		if _, err := ParseDateString(in); err == nil {
			t.Fatalf("ParseDateString(%q) expected error", in)
		}
	}
}

func TestDateString_JSONRoundTrip(t *testing.T) {
	var date DateString
	if err := json.Unmarshal([]byte(`"2026-03-15"`), &date); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	out, err := json.Marshal(date)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if string(out) != `"2026-03-15"` {
		t.Fatalf("expected \"2026-03-15\", got %s", out)
	}
}

func TestDateString_UnmarshalRejectsNonString(t *testing.T) {
	var date DateString
	if err := json.Unmarshal([]byte(`20260315`), &date); err == nil {
		t.Fatal("expected error for a bare number date")
	}
}

func TestDateString_DayBoundsConvertVenueLocalToUTC(t *testing.T) {
	// Yangon (UTC+6:30) midnight lands the previous evening in UTC.
	start, err := ParseDateString("2026-03-15")
	if err != nil {
		t.Fatalf("ParseDateString error: %v", err)
	}
	if err := start.StartOfDayUTCTime("Asia/Yangon"); err != nil {
		t.Fatalf("StartOfDayUTCTime error: %v", err)
	}
	expected := time.Date(2026, 3, 14, 17, 30, 0, 0, time.UTC)
	if !start.Time().Equal(expected) {
		t.Fatalf("expected %s, got %s", expected, start.Time())
	}

	end, err := ParseDateString("2026-03-15")
	if err != nil {
		t.Fatalf("ParseDateString error: %v", err)
	}
	if err := end.EndOfDayUTCTime("Asia/Yangon"); err != nil {
		t.Fatalf("EndOfDayUTCTime error: %v", err)
	}
	nextMidnight := time.Date(2026, 3, 15, 17, 30, 0, 0, time.UTC)
	if !end.Time().Before(nextMidnight) || !end.Time().After(expected) {
		t.Fatalf("end of day %s should fall inside the venue-local day", end.Time())
	}
}
