package archive

import (
	"fmt"
	"strconv"

	"github.com/MIT-LCP/downcast/internal/tstamp"
)

// compactUTC renders ts as a fixed-width YYYYMMDDHHMMSSffffff decimal
// string, matching ts.strftime_utc('%Y%m%d%H%M%S%f') as used by the
// log file formats numerics/enums/alerts all share.
func compactUTC(ts tstamp.Timestamp) string {
	t := ts.Time().UTC()
	return fmt.Sprintf("%04d%02d%02d%02d%02d%02d%06d",
		t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1000)
}

// parseCompactUTC parses the decimal integer a log file stores a
// compactUTC-formatted timestamp as (read back via Python's
// `datetime.strptime(str(ts), '%Y%m%d%H%M%S%f')`, i.e. with any
// leading zero in the year lost to plain-int round-tripping — not a
// real concern for any date this format is used for).
func parseCompactUTC(raw int64) (tstamp.Timestamp, error) {
	s := strconv.FormatInt(raw, 10)
	for len(s) < 20 {
		s = "0" + s
	}
	if len(s) != 20 {
		return tstamp.Timestamp{}, fmt.Errorf("archive: invalid compact timestamp %d", raw)
	}
	year, _ := strconv.Atoi(s[0:4])
	month, _ := strconv.Atoi(s[4:6])
	day, _ := strconv.Atoi(s[6:8])
	hour, _ := strconv.Atoi(s[8:10])
	minute, _ := strconv.Atoi(s[10:12])
	second, _ := strconv.Atoi(s[12:14])
	micro, _ := strconv.Atoi(s[14:20])
	return tstamp.Parse(fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d.%06d +00:00",
		year, month, day, hour, minute, second, micro))
}
