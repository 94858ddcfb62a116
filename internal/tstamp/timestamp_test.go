package tstamp

import (
	"testing"
	"time"
)

func TestParseFormatRoundTrip(t *testing.T) {
	cases := []string{
		"2017-03-01 12:00:00.000 +00:00",
		"2017-11-05 01:30:00.123456 -05:00",
		"2016-12-31 23:59:59.999 +00:00",
	}
	for _, s := range cases {
		ts, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := ts.String(); got != s {
			t.Errorf("round trip: Parse(%q).String() = %q", s, got)
		}
	}
}

func TestParseRoundTripIdempotent(t *testing.T) {
	ts, err := Parse("2017-03-01 12:00:00.000 +00:00")
	if err != nil {
		t.Fatal(err)
	}
	reparsed, err := Parse(ts.String())
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(reparsed) {
		t.Errorf("T(str(T(x))) != T(x): %v != %v", ts, reparsed)
	}
}

func TestLeapSecondCompressed(t *testing.T) {
	ts, err := Parse("2016-12-31 23:59:60.500 +00:00")
	if err != nil {
		t.Fatal(err)
	}
	if ts.t.Second() != 59 {
		t.Errorf("expected second=59, got %d", ts.t.Second())
	}
	if us := ts.t.Nanosecond() / 1000; us != 999500 {
		t.Errorf("expected microsecond=999500, got %d", us)
	}
}

func TestStringPrecision(t *testing.T) {
	ms, err := Parse("2017-01-01 00:00:00.123000 +00:00")
	if err != nil {
		t.Fatal(err)
	}
	if got := ms.String(); got != "2017-01-01 00:00:00.123 +00:00" {
		t.Errorf("expected millisecond precision, got %q", got)
	}

	us, err := Parse("2017-01-01 00:00:00.123456 +00:00")
	if err != nil {
		t.Fatal(err)
	}
	if got := us.String(); got != "2017-01-01 00:00:00.123456 +00:00" {
		t.Errorf("expected microsecond precision, got %q", got)
	}
}

func TestDeltaAndAddMS(t *testing.T) {
	base, _ := Parse("2017-03-01 12:00:00.000 +00:00")
	later, _ := Parse("2017-03-01 12:00:05.120 +00:00")

	d := DeltaMS(later, base)
	if d != 5120 {
		t.Errorf("DeltaMS = %d, want 5120", d)
	}
	if got := AddMS(base, d); !got.Equal(later) {
		t.Errorf("AddMS(base, DeltaMS(later,base)) = %v, want %v", got, later)
	}
}

func TestFallBackDSTTransition(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 2017-11-05 is the US fall-back date; the local civil day has 25 hours.
	summer, winter, ok := GetTransitionTime(loc, 2017, time.November, 5)
	if !ok {
		t.Fatal("expected a transition on 2017-11-05")
	}
	if diff := summer.Sub(winter); diff != -time.Hour {
		t.Errorf("expected winter - summer == 1h, got %v", winter.Sub(summer))
	}

	_, _, ok = GetTransitionTime(loc, 2017, time.November, 6)
	if ok {
		t.Error("expected no transition on 2017-11-06")
	}
}
