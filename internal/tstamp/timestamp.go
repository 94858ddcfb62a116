// Package tstamp implements the calendar timestamp and sequence-number
// types shared across the ingest pipeline.
//
// Timestamp wraps time.Time to parse and format the ISO8601-with-zone
// string used by the source database (MS SQL style), including the
// leap-second compression and millisecond/microsecond precision rules
// the source relies on. SequenceNumber is the monotonic millisecond
// counter that the TimeMap reconciles against these timestamps.
package tstamp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a calendar instant with microsecond precision and an
// explicit, fixed UTC offset (never a named zone), matching the
// source's "YYYY-MM-DD HH:MM:SS.ffffff ±HH:MM" representation.
type Timestamp struct {
	t time.Time
}

var pattern = regexp.MustCompile(
	`^(\d+)-(\d+)-(\d+)\s+(\d+):(\d+):(\d+)(\.\d+)\s*([-+])(\d+):(\d+)$`)

// Parse parses a timestamp string in the source's wire format.
//
// A seconds field of 60 (a leap second) is compressed into the final
// millisecond of the preceding second, matching the source database's
// behavior; this can introduce a discontinuity in a record's time map,
// which resolve_gaps-style reconciliation is expected to absorb.
func Parse(s string) (Timestamp, error) {
	m := pattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Timestamp{}, fmt.Errorf("tstamp: malformed timestamp %q", s)
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	second, _ := strconv.Atoi(m[6])
	fracSeconds, err := strconv.ParseFloat(m[7], 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("tstamp: malformed fraction in %q: %w", s, err)
	}
	microsecond := int(fracSeconds*1e6 + 0.5)

	if second == 60 {
		second = 59
		microsecond = 999000 + microsecond/1000
	}

	sign := 1
	if m[8] == "-" {
		sign = -1
	}
	tzh, _ := strconv.Atoi(m[9])
	tzm, _ := strconv.Atoi(m[10])
	offset := sign * (tzh*3600 + tzm*60)
	loc := time.FixedZone(fmt.Sprintf("%s%02d:%02d", m[8], tzh, tzm), offset)

	t := time.Date(year, time.Month(month), day, hour, minute, second, microsecond*1000, loc)
	return Timestamp{t: t}, nil
}

// FromTime wraps a time.Time. The zone is preserved verbatim (never
// normalized to UTC), since the wire format always carries an explicit
// offset and distinct offsets are not interchangeable in the time map.
func FromTime(t time.Time) Timestamp {
	return Timestamp{t: t}
}

// Time returns the underlying time.Time, preserving its original zone.
func (ts Timestamp) Time() time.Time { return ts.t }

// IsZero reports whether ts is the zero Timestamp.
func (ts Timestamp) IsZero() bool { return ts.t.IsZero() }

// String renders ts in the source wire format. Per the source's own
// formatting rule, fractional seconds are printed with millisecond
// precision when the microsecond value is a multiple of 1000, and with
// full microsecond precision otherwise.
func (ts Timestamp) String() string {
	_, offset := ts.t.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	tzh := offset / 3600
	tzm := (offset % 3600) / 60

	us := ts.t.Nanosecond() / 1000
	var frac string
	if us%1000 == 0 {
		frac = fmt.Sprintf("%03d", us/1000)
	} else {
		frac = fmt.Sprintf("%06d", us)
	}

	return fmt.Sprintf("%d-%02d-%02d %02d:%02d:%02d.%s %s%02d:%02d",
		ts.t.Year(), ts.t.Month(), ts.t.Day(),
		ts.t.Hour(), ts.t.Minute(), ts.t.Second(), frac,
		sign, tzh, tzm)
}

// Add returns ts shifted by d.
func (ts Timestamp) Add(d time.Duration) Timestamp {
	return Timestamp{t: ts.t.Add(d)}
}

// Sub returns the duration ts-other.
func (ts Timestamp) Sub(other Timestamp) time.Duration {
	return ts.t.Sub(other.t)
}

// Before reports whether ts occurs before other.
func (ts Timestamp) Before(other Timestamp) bool { return ts.t.Before(other.t) }

// After reports whether ts occurs after other.
func (ts Timestamp) After(other Timestamp) bool { return ts.t.After(other.t) }

// Equal reports whether ts and other denote the same instant (zone-insensitive).
func (ts Timestamp) Equal(other Timestamp) bool { return ts.t.Equal(other.t) }

// Compare returns -1, 0, or 1 as ts is before, equal to, or after other.
func (ts Timestamp) Compare(other Timestamp) int {
	switch {
	case ts.t.Before(other.t):
		return -1
	case ts.t.After(other.t):
		return 1
	default:
		return 0
	}
}

// VeryOld is a sentinel timestamp older than any timestamp the source
// could plausibly produce; used as the initial "we know nothing" value
// for queue and extractor bookkeeping.
var VeryOld = mustParse("1800-01-01 00:00:00.000 +00:00")

func mustParse(s string) Timestamp {
	ts, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ts
}

// SequenceNumber is the source's 64-bit millisecond counter: monotonic
// across the whole source, not restarted across wall-clock adjustments.
type SequenceNumber int64

// DeltaMS returns the number of milliseconds between ts and base,
// rounded to the nearest millisecond, the way the source's integer
// millisecond sequence numbers are derived from sub-millisecond
// timestamps.
func DeltaMS(ts, base Timestamp) SequenceNumber {
	us := ts.t.Sub(base.t).Microseconds()
	if us >= 0 {
		return SequenceNumber((us + 500) / 1000)
	}
	return SequenceNumber((us - 500) / 1000)
}

// AddMS returns base advanced by n milliseconds.
func AddMS(base Timestamp, n SequenceNumber) Timestamp {
	return base.Add(time.Duration(n) * time.Millisecond)
}

// GetTransitionTime finds the one calendar local date (if any) for
// which loc has a 25-hour civil day (a "fall back" DST transition) and
// returns the pair of UTC instants (summer instant, winter instant)
// that correspond to the two times the wall clock reads the repeated
// hour. Returns the zero pair and false if date has no such transition.
func GetTransitionTime(loc *time.Location, year int, month time.Month, day int) (summer, winter time.Time, ok bool) {
	start := time.Date(year, month, day, 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	if end.Sub(start) != 25*time.Hour {
		return time.Time{}, time.Time{}, false
	}
	// Search [start, end) for the first instant whose local
	// wall-clock reading repeats an hour later under an offset one
	// hour smaller. We scan the
	// civil day hour by hour (DST shifts occur on the hour in every
	// zone this pipeline has been run against).
	for h := 0; h < 24; h++ {
		t1 := start.Add(time.Duration(h) * time.Hour)
		t2 := t1.Add(time.Hour)
		if t1.Format("15:04:05") == t2.Format("15:04:05") {
			_, off1 := t1.Zone()
			_, off2 := t2.Zone()
			if off1-off2 == 3600 {
				return t1, t2, true
			}
		}
	}
	return time.Time{}, time.Time{}, false
}
