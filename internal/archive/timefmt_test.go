package archive

import (
	"strconv"
	"testing"

	"github.com/MIT-LCP/downcast/internal/tstamp"
)

func TestCompactUTCRoundTrip(t *testing.T) {
	ts, err := tstamp.Parse("2020-03-04 05:06:07.123456 +00:00")
	if err != nil {
		t.Fatal(err)
	}
	s := compactUTC(ts)
	if s != "20200304050607123456" {
		t.Fatalf("compactUTC = %q", s)
	}

	raw, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		t.Fatal(err)
	}
	back, err := parseCompactUTC(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(ts) {
		t.Fatalf("round trip mismatch: %v != %v", back, ts)
	}
}
