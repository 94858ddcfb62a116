package timemap

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/tstamp"
)

func ts(t *testing.T, s string) tstamp.Timestamp {
	t.Helper()
	v, err := tstamp.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func TestSetTimeOpensNewSpan(t *testing.T) {
	m := New("rec", zerolog.Nop())
	m.SetTime(1000, ts(t, "2020-01-01 00:00:01.000 +00:00"))

	if len(m.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(m.entries))
	}
	got, ok := m.GetTime(1000)
	if !ok {
		t.Fatal("expected a time")
	}
	want := ts(t, "2020-01-01 00:00:01.000 +00:00")
	if !got.Equal(want) {
		t.Errorf("GetTime(1000) = %v, want %v", got, want)
	}
}

func TestSetTimeExtendsCloseSpan(t *testing.T) {
	m := New("rec", zerolog.Nop())
	m.SetTime(0, ts(t, "2020-01-01 00:00:00.000 +00:00"))
	// 10s later in sequence number terms, same base clock: should
	// extend the existing span rather than open a new one.
	m.SetTime(10000, ts(t, "2020-01-01 00:00:10.000 +00:00"))

	if len(m.entries) != 1 {
		t.Fatalf("expected spans to merge into 1, got %d", len(m.entries))
	}
	if m.entries[0].end != 10000 {
		t.Errorf("span end = %d, want 10000", m.entries[0].end)
	}
}

func TestSetTimeNewSpanOnClockJump(t *testing.T) {
	m := New("rec", zerolog.Nop())
	m.SetTime(0, ts(t, "2020-01-01 00:00:00.000 +00:00"))
	// Nearly two minutes (119s) of clock skew at a nearby sequence number is well
	// past the 30s closeness threshold: a new span should open.
	m.SetTime(1000, ts(t, "2020-01-01 00:02:00.000 +00:00"))

	if len(m.entries) != 2 {
		t.Fatalf("expected 2 distinct spans, got %d", len(m.entries))
	}
}

func TestGetSeqnumWithinKnownSpan(t *testing.T) {
	m := New("rec", zerolog.Nop())
	m.SetTime(0, ts(t, "2020-01-01 00:00:00.000 +00:00"))
	m.SetTime(5000, ts(t, "2020-01-01 00:00:05.000 +00:00"))

	sn, ok := m.GetSeqnum(ts(t, "2020-01-01 00:00:03.000 +00:00"), false, 0)
	if !ok {
		t.Fatal("expected a sequence number")
	}
	if sn != 3000 {
		t.Errorf("GetSeqnum = %d, want 3000", sn)
	}
}

func TestGetSeqnumEmptyMap(t *testing.T) {
	m := New("rec", zerolog.Nop())
	if _, ok := m.GetSeqnum(ts(t, "2020-01-01 00:00:00.000 +00:00"), false, 0); ok {
		t.Error("expected no sequence number from an empty map")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := New("rec", zerolog.Nop())
	m.SetTime(0, ts(t, "2020-01-01 00:00:00.000 +00:00"))
	m.SetTime(100000, ts(t, "2020-01-01 00:05:00.000 +00:00"))

	if err := m.Write(dir, "rec.timemap"); err != nil {
		t.Fatal(err)
	}

	m2 := New("rec", zerolog.Nop())
	if err := m2.Read(dir, "rec.timemap"); err != nil {
		t.Fatal(err)
	}
	if len(m2.entries) != len(m.entries) {
		t.Fatalf("entries = %d, want %d", len(m2.entries), len(m.entries))
	}
	for i := range m.entries {
		if m2.entries[i].start != m.entries[i].start || m2.entries[i].end != m.entries[i].end ||
			!m2.entries[i].base.Equal(m.entries[i].base) {
			t.Errorf("entry %d mismatch: got %+v, want %+v", i, m2.entries[i], m.entries[i])
		}
	}
}

func TestReadMissingFileIsNotError(t *testing.T) {
	m := New("rec", zerolog.Nop())
	if err := m.Read(t.TempDir(), "nonexistent.timemap"); err != nil {
		t.Fatalf("expected no error for a missing file, got %v", err)
	}
	if len(m.entries) != 0 {
		t.Errorf("expected no entries, got %d", len(m.entries))
	}
}

func TestResolveGapsPicksWidestInterval(t *testing.T) {
	m := New("rec", zerolog.Nop())
	// Two reference spans two seconds apart in wall-clock time but
	// adjacent in sequence number, simulating a clock adjustment.
	m.SetTime(500000000000, ts(t, "2015-11-05 12:53:20.000 +00:00"))
	m.SetTime(500000005120, ts(t, "2015-11-05 12:53:27.120 +00:00"))

	m.AddTime(ts(t, "2015-11-05 12:53:21.900 +00:00"))
	m.ResolveGaps()

	if len(m.entries) < 2 {
		t.Fatalf("expected at least 2 spans after resolving a gap, got %d", len(m.entries))
	}
	// The widest interval is 21.900 -> 27.120, so 21.900 is attributed
	// to the first span's clock, extending that span.
	if m.entries[0].end != 500000001900 {
		t.Errorf("first span end = %d, want 500000001900", m.entries[0].end)
	}
}
